package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cirx-backend/internal/config"
	"cirx-backend/internal/db"
	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
)

func monitoringTestRepos(t *testing.T) (repository.TransactionRepository, repository.WalletRepository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repository.NewTransactionRepository(gdb), repository.NewWalletRepository(gdb), gdb
}

func seedTx(t *testing.T, repo repository.TransactionRepository, status models.SwapStatus) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		ID:                   uuid.New().String(),
		PaymentTxID:          "0x" + uuid.New().String(),
		PaymentChain:         "ethereum",
		PaymentToken:         "USDC",
		AmountPaid:           decimal.NewFromInt(100),
		CirxRecipientAddress: "0xab1257528b3782fb40d7ed5f72e624b744dffb2f1d53c6e8bb421eebff8a8d99",
		SwapType:             "liquid",
		SwapStatus:           status,
		RetryEligible:        true,
	}
	if err := repo.Create(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tx
}

func seedTreasuryWallet(t *testing.T, wallets repository.WalletRepository) {
	t.Helper()
	w := &models.ProjectWallet{
		ID:        uuid.New().String(),
		Chain:     "cirx",
		Address:   "0xab1257528b3782fb40d7ed5f72e624b744dffb2f1d53c6e8bb421eebff8a8d99",
		SealedKey: []byte("sealed"),
		IsActive:  true,
	}
	if err := wallets.Create(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		StuckThresholdMinutes:       30,
		FailureRateThresholdPercent: 25.0,
		FailureRateWindowHours:      1,
		SummaryWindowHours:          24,
		MetricsInterval:             60,
	}
}

func TestGenerateReportHealthy(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)
	seedTx(t, repo, models.StatusPendingPaymentVerification)
	seedTx(t, repo, models.StatusCompleted)

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.OverallSeverity != models.SeverityNone {
		t.Errorf("OverallSeverity = %s, want none", report.OverallSeverity)
	}
	if len(report.Alerts) != 0 {
		t.Errorf("got %d alerts, want none: %+v", len(report.Alerts), report.Alerts)
	}
	if report.OverallSeverity.ExitCode() != 0 {
		t.Errorf("healthy report should exit 0")
	}
	if report.TotalInWindow != 2 {
		t.Errorf("TotalInWindow = %d, want 2", report.TotalInWindow)
	}
	if report.CompletedInWindow != 1 {
		t.Errorf("CompletedInWindow = %d, want 1", report.CompletedInWindow)
	}
	if report.SuccessRate != 50.0 {
		t.Errorf("SuccessRate = %.2f, want 50.00", report.SuccessRate)
	}
	if !report.WalletConfigured {
		t.Error("WalletConfigured = false with an active treasury wallet")
	}
}

func TestGenerateReportEmptyWindow(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.TotalInWindow != 0 {
		t.Errorf("TotalInWindow = %d, want 0", report.TotalInWindow)
	}
	if report.SuccessRate != 0 {
		t.Errorf("SuccessRate = %.2f, want 0 for an empty window", report.SuccessRate)
	}
	if len(report.Alerts) != 0 {
		t.Errorf("got %d alerts on an empty database: %+v", len(report.Alerts), report.Alerts)
	}
}

func TestGenerateReportMissingTreasuryWallet(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.WalletConfigured {
		t.Error("WalletConfigured = true with no wallet rows")
	}
	if report.OverallSeverity != models.SeverityCritical {
		t.Errorf("OverallSeverity = %s, want critical", report.OverallSeverity)
	}
	var alert *models.Alert
	for i := range report.Alerts {
		if report.Alerts[i].Type == "missing_treasury_wallet" {
			alert = &report.Alerts[i]
		}
	}
	if alert == nil {
		t.Fatal("expected a missing_treasury_wallet alert")
	}
	if len(alert.InvestigationHints) == 0 {
		t.Error("missing_treasury_wallet alert has no investigation hints")
	}
}

func TestGenerateReportStuck(t *testing.T) {
	repo, wallets, gdb := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)
	tx := seedTx(t, repo, models.StatusCirxTransferPending)

	old := time.Now().Add(-2 * time.Hour)
	if err := gdb.Model(&models.Transaction{}).Where("id = ?", tx.ID).
		UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.StuckCount != 1 {
		t.Errorf("StuckCount = %d, want 1", report.StuckCount)
	}
	if report.OverallSeverity != models.SeverityHigh {
		t.Errorf("OverallSeverity = %s, want high", report.OverallSeverity)
	}
	if report.OverallSeverity.ExitCode() != 1 {
		t.Errorf("high report should exit 1")
	}
	if len(report.Alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1: %+v", len(report.Alerts), report.Alerts)
	}
	alert := report.Alerts[0]
	if len(alert.TransactionIDs) != 1 || alert.TransactionIDs[0] != tx.ID {
		t.Errorf("TransactionIDs = %v, want [%s]", alert.TransactionIDs, tx.ID)
	}
	if len(alert.InvestigationHints) == 0 {
		t.Error("stuck alert has no investigation hints")
	}
}

func TestGenerateReportStuckPileUpIsCritical(t *testing.T) {
	repo, wallets, gdb := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)
	for i := 0; i < 10; i++ {
		seedTx(t, repo, models.StatusPendingPaymentVerification)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := gdb.Model(&models.Transaction{}).
		Where("swap_status = ?", models.StatusPendingPaymentVerification).
		UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatalf("age rows: %v", err)
	}

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.OverallSeverity != models.SeverityCritical {
		t.Errorf("OverallSeverity = %s, want critical", report.OverallSeverity)
	}
	if report.OverallSeverity.ExitCode() != 2 {
		t.Errorf("critical report should exit 2")
	}
}

func TestGenerateReportFailureRate(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)
	// 3 of 6 failed in the window: 50% with the threshold at 25%, so
	// twice the threshold means critical.
	for i := 0; i < 3; i++ {
		seedTx(t, repo, models.StatusCompleted)
	}
	for i := 0; i < 3; i++ {
		seedTx(t, repo, models.StatusFailedCirxTransfer)
	}

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.FailureRate != 50.0 {
		t.Errorf("FailureRate = %.1f, want 50.0", report.FailureRate)
	}
	found := false
	for _, alert := range report.Alerts {
		if alert.Type == "high_failure_rate" {
			found = true
			if alert.Severity != models.SeverityCritical {
				t.Errorf("failure rate severity = %s, want critical at 2x threshold", alert.Severity)
			}
		}
	}
	if !found {
		t.Error("expected a high_failure_rate alert")
	}
}

func TestGenerateReportLowVolumeDoesNotFire(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)
	// 1 of 2 failed is 50%, but two swaps is noise, not signal.
	seedTx(t, repo, models.StatusCompleted)
	seedTx(t, repo, models.StatusFailedPaymentVerification)

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	for _, alert := range report.Alerts {
		if alert.Type == "high_failure_rate" {
			t.Error("failure rate alert should not fire below minimum volume")
		}
	}
}

func TestGenerateReportRetryExhaustion(t *testing.T) {
	repo, wallets, gdb := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)
	tx := seedTx(t, repo, models.StatusFailedCirxTransfer)
	if err := gdb.Model(&models.Transaction{}).Where("id = ?", tx.ID).
		UpdateColumn("retry_eligible", false).Error; err != nil {
		t.Fatalf("exhaust retries: %v", err)
	}

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	var alert *models.Alert
	for i := range report.Alerts {
		if report.Alerts[i].Type == "retry_exhaustion" {
			alert = &report.Alerts[i]
		}
	}
	if alert == nil {
		t.Fatal("expected a retry_exhaustion alert")
	}
	if alert.Severity != models.SeverityMedium {
		t.Errorf("severity = %s, want medium", alert.Severity)
	}
	if len(alert.TransactionIDs) != 1 || alert.TransactionIDs[0] != tx.ID {
		t.Errorf("TransactionIDs = %v, want [%s]", alert.TransactionIDs, tx.ID)
	}
}

func TestGenerateReportWorkerUnhealthy(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)
	seedTreasuryWallet(t, wallets)

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), func() bool { return false })
	report, err := svc.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}

	if report.OverallSeverity != models.SeverityCritical {
		t.Errorf("OverallSeverity = %s, want critical for dead worker", report.OverallSeverity)
	}

	healthy := NewMonitoringService(repo, wallets, testMonitoringConfig(), func() bool { return true })
	report, err = healthy.GenerateReport(context.Background())
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if report.OverallSeverity != models.SeverityNone {
		t.Errorf("OverallSeverity = %s, want none for healthy worker", report.OverallSeverity)
	}
}

func TestHealthz(t *testing.T) {
	repo, wallets, _ := monitoringTestRepos(t)

	svc := NewMonitoringService(repo, wallets, testMonitoringConfig(), nil)
	dbOK, walletConfigured := svc.Healthz(context.Background())
	if !dbOK {
		t.Error("dbOK = false with a live database")
	}
	if walletConfigured {
		t.Error("walletConfigured = true with no wallet rows")
	}

	seedTreasuryWallet(t, wallets)
	_, walletConfigured = svc.Healthz(context.Background())
	if !walletConfigured {
		t.Error("walletConfigured = false after seeding a treasury wallet")
	}
}
