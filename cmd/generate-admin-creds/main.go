// generate-admin-creds prints a fresh TOTP secret and a short-lived
// admin JWT for local testing. Run it once when standing up a new
// deployment, put the secret into ADMIN_TOTP_SECRET and throw the rest
// away.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func main() {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "CIRX Swap Admin",
		AccountName: "admin@cirx-backend",
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		fmt.Printf("Error generating TOTP secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("TOTP secret (set as ADMIN_TOTP_SECRET):")
	fmt.Println(key.Secret())
	fmt.Println()
	fmt.Println("Provisioning URL (scan with an authenticator app):")
	fmt.Println(key.URL())
	fmt.Println("============================================================")

	jwtSecret := os.Getenv("ADMIN_JWT_SECRET")
	if jwtSecret == "" {
		fmt.Println("ADMIN_JWT_SECRET not set, skipping test token")
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"username": "admin",
		"role":     "admin",
		"iss":      "cirx-backend-admin",
		"sub":      "admin",
		"iat":      jwt.NewNumericDate(now),
		"nbf":      jwt.NewNumericDate(now),
		"exp":      jwt.NewNumericDate(now.Add(1 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		fmt.Printf("Error generating test token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Test admin JWT (1h expiry):")
	fmt.Println(signed)
}
