package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"

	"cirx-backend/internal/clients"
	"cirx-backend/internal/models"
)

const sealNonceSize = 24

// WalletSigner seals and opens treasury private keys and signs CIRX
// submissions. Plaintext keys exist only inside Sign and are zeroed
// before it returns.
type WalletSigner struct {
	encKey [32]byte
}

// NewWalletSigner takes the 32-byte encryption key as hex.
func NewWalletSigner(hexKey string) (*WalletSigner, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode wallet encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("wallet encryption key must be 32 bytes, got %d", len(raw))
	}
	signer := &WalletSigner{}
	copy(signer.encKey[:], raw)
	return signer, nil
}

// SealKey encrypts a private key for storage: nonce || ciphertext.
func (s *WalletSigner) SealKey(plaintext []byte) ([]byte, error) {
	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.encKey), nil
}

func (s *WalletSigner) openKey(sealed []byte) ([]byte, error) {
	if len(sealed) < sealNonceSize {
		return nil, fmt.Errorf("sealed key too short")
	}
	var nonce [sealNonceSize]byte
	copy(nonce[:], sealed[:sealNonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[sealNonceSize:], &nonce, &s.encKey)
	if !ok {
		return nil, fmt.Errorf("sealed key failed to open, wrong encryption key or corrupt data")
	}
	return plaintext, nil
}

// SignSubmission fills in the Signature field of a CIRX submission using
// the wallet's sealed key.
func (s *WalletSigner) SignSubmission(wallet *models.ProjectWallet, sub *clients.CirxSubmission) error {
	keyBytes, err := s.openKey(wallet.SealedKey)
	if err != nil {
		return err
	}
	defer zero(keyBytes)

	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	digest := submissionDigest(sub)
	sig, err := crypto.Sign(digest, privKey)
	if err != nil {
		return fmt.Errorf("sign submission: %w", err)
	}
	sub.Signature = hex.EncodeToString(sig)
	return nil
}

// submissionDigest hashes the canonical field order the NAG verifies.
func submissionDigest(sub *clients.CirxSubmission) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%s:%d:%s", sub.From, sub.To, sub.Amount, sub.Nonce, sub.Timestamp)
	return h.Sum(nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
