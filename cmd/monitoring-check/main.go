// monitoring-check runs one monitoring pass and exits with a code that
// reflects the worst alert severity, so cron or systemd timers can page
// on it: 0 = healthy, 1 = high, 2 = critical.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"cirx-backend/internal/config"
	"cirx-backend/internal/db"
	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
	"cirx-backend/internal/services"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	asJSON := flag.Bool("json", false, "emit the full report as JSON instead of text")
	flag.Parse()

	_ = godotenv.Load()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	db.InitDB()

	txRepo := repository.NewTransactionRepository(db.DB)
	walletRepo := repository.NewWalletRepository(db.DB)
	// No worker probe in a one-shot check.
	monitoring := services.NewMonitoringService(txRepo, walletRepo, config.AppConfig.Monitoring, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := monitoring.GenerateReport(ctx)
	if err != nil {
		log.Fatalf("❌ Monitoring check failed: %v", err)
	}

	if *asJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("❌ Failed to encode report: %v", err)
		}
		fmt.Println(string(out))
	} else {
		printReport(report)
	}

	os.Exit(report.OverallSeverity.ExitCode())
}

func printReport(report *models.MonitoringReport) {
	fmt.Printf("Monitoring report — %s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Printf("  window:        %dh\n", report.WindowHours)
	fmt.Printf("  total:         %d\n", report.TotalInWindow)
	fmt.Printf("  completed:     %d\n", report.CompletedInWindow)
	fmt.Printf("  failed:        %d\n", report.FailedInWindow)
	fmt.Printf("  success rate:  %.2f%%\n", report.SuccessRate)
	fmt.Printf("  stuck:         %d\n", report.StuckCount)
	fmt.Printf("  wallet:        configured=%v\n", report.WalletConfigured)

	if len(report.StatusCounts) > 0 {
		fmt.Println("  by status:")
		for _, sc := range report.StatusCounts {
			fmt.Printf("    %-32s %d\n", sc.SwapStatus, sc.Count)
		}
	}

	if len(report.Alerts) == 0 {
		fmt.Println("No alerts.")
		return
	}
	fmt.Printf("%d alert(s), overall severity %s:\n", len(report.Alerts), report.OverallSeverity)
	for _, alert := range report.Alerts {
		fmt.Printf("  [%s] %s: %s\n", alert.Severity, alert.Type, alert.Message)
		for _, id := range alert.TransactionIDs {
			fmt.Printf("      tx %s\n", id)
		}
		for _, hint := range alert.InvestigationHints {
			fmt.Printf("      hint: %s\n", hint)
		}
	}
}
