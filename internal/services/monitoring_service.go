package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"gorm.io/gorm"

	"cirx-backend/internal/config"
	"cirx-backend/internal/metrics"
	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
)

// HealthProbe reports whether the settlement worker loop is alive.
type HealthProbe func() bool

// MonitoringService generates alert reports and keeps Prometheus gauges
// fresh while the server runs.
type MonitoringService struct {
	repo         repository.TransactionRepository
	wallets      repository.WalletRepository
	cfg          config.MonitoringConfig
	workerHealth HealthProbe
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewMonitoringService creates the monitoring service. workerHealth may
// be nil when no worker runs in this process (the standalone check binary).
func NewMonitoringService(repo repository.TransactionRepository, wallets repository.WalletRepository, cfg config.MonitoringConfig, workerHealth HealthProbe) *MonitoringService {
	return &MonitoringService{
		repo:         repo,
		wallets:      wallets,
		cfg:          cfg,
		workerHealth: workerHealth,
		stopCh:       make(chan struct{}),
	}
}

// Start 启动监控服务
func (m *MonitoringService) Start() {
	log.Println("🚀 Starting monitoring service...")
	m.wg.Add(1)
	go m.metricsLoop()
	log.Println("✅ Monitoring service started")
}

// Stop 停止监控服务
func (m *MonitoringService) Stop() {
	log.Println("🛑 Stopping monitoring service...")
	close(m.stopCh)
	m.wg.Wait()
	log.Println("✅ Monitoring service stopped")
}

func (m *MonitoringService) metricsLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.MetricsInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.GenerateReport(ctx); err != nil {
				log.Printf("❌ Monitoring pass failed: %v", err)
			}
			cancel()
		}
	}
}

// Healthz reports liveness of the dependencies the API needs: database
// connectivity and whether a treasury wallet exists to dispatch from.
func (m *MonitoringService) Healthz(ctx context.Context) (dbOK, walletConfigured bool) {
	dbOK = m.repo.Ping(ctx) == nil
	walletConfigured = m.treasuryConfigured(ctx)
	return dbOK, walletConfigured
}

func (m *MonitoringService) treasuryConfigured(ctx context.Context) bool {
	if m.wallets == nil {
		return false
	}
	_, err := m.wallets.GetActiveByChain(ctx, "cirx")
	return err == nil
}

// GenerateReport runs every check once and returns the aggregate. Gauges
// are updated as a side effect so the report and /metrics agree.
func (m *MonitoringService) GenerateReport(ctx context.Context) (*models.MonitoringReport, error) {
	report := &models.MonitoringReport{
		GeneratedAt:     time.Now().UTC(),
		WindowHours:     m.cfg.SummaryWindowHours,
		OverallSeverity: models.SeverityNone,
	}

	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	report.StatusCounts = counts
	for _, sc := range counts {
		metrics.SwapsByStatus.WithLabelValues(string(sc.SwapStatus)).Set(float64(sc.Count))
	}

	if err := m.summarize(ctx, report); err != nil {
		return nil, err
	}

	m.checkTreasury(ctx, report)
	m.checkStuck(ctx, report)
	m.checkFailureRate(ctx, report)
	m.checkRetryExhaustion(ctx, report)
	m.checkWorker(report)

	for _, alert := range report.Alerts {
		metrics.AlertsRaised.WithLabelValues(alert.Type, string(alert.Severity)).Inc()
		log.Printf("🚨 [%s] %s: %s", alert.Severity, alert.Type, alert.Message)
	}
	return report, nil
}

// summarize fills the rolling-window counts. An empty window yields a
// defined 0% success rate, never a division error.
func (m *MonitoringService) summarize(ctx context.Context, report *models.MonitoringReport) error {
	since := time.Now().Add(-time.Duration(m.cfg.SummaryWindowHours) * time.Hour)

	total, err := m.repo.CountCreatedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("count created: %w", err)
	}
	completed, err := m.repo.CountCompletedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("count completed: %w", err)
	}
	failed, err := m.repo.CountFailedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("count failed: %w", err)
	}

	report.TotalInWindow = total
	report.CompletedInWindow = completed
	report.FailedInWindow = failed
	if total > 0 {
		report.SuccessRate = math.Round(float64(completed)/float64(total)*100*100) / 100
	}
	return nil
}

// checkTreasury flags a system that cannot complete any swap because no
// active treasury wallet exists.
func (m *MonitoringService) checkTreasury(ctx context.Context, report *models.MonitoringReport) {
	if m.wallets == nil {
		return
	}
	_, err := m.wallets.GetActiveByChain(ctx, "cirx")
	if err == nil {
		report.WalletConfigured = true
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("❌ Treasury check failed: %v", err)
		return
	}
	report.Escalate(models.Alert{
		Type:     "missing_treasury_wallet",
		Severity: models.SeverityCritical,
		Message:  "no active treasury wallet is configured; no swap can complete",
		InvestigationHints: []string{
			"Register a treasury wallet via POST /api/v1/admin/wallets",
			"Check whether the existing wallet was deactivated",
		},
		CreatedAt: time.Now().UTC(),
	})
}

// checkStuck raises an alert when non-terminal rows have not moved for
// the configured threshold. Any stuck row is high; a pile-up is critical.
func (m *MonitoringService) checkStuck(ctx context.Context, report *models.MonitoringReport) {
	threshold := time.Duration(m.cfg.StuckThresholdMinutes) * time.Minute
	stuck, err := m.repo.FindStuck(ctx, threshold)
	if err != nil {
		log.Printf("❌ Stuck check failed: %v", err)
		return
	}
	report.StuckCount = int64(len(stuck))
	metrics.StuckTransactions.Set(float64(len(stuck)))

	if len(stuck) == 0 {
		return
	}
	ids := make([]string, 0, len(stuck))
	for _, tx := range stuck {
		ids = append(ids, tx.ID)
	}
	severity := models.SeverityHigh
	if len(stuck) >= 10 {
		severity = models.SeverityCritical
	}
	report.Escalate(models.Alert{
		Type:           "stuck_transactions",
		Severity:       severity,
		Message:        fmt.Sprintf("%d transactions stalled for over %d minutes", len(stuck), m.cfg.StuckThresholdMinutes),
		Count:          len(stuck),
		TransactionIDs: ids,
		InvestigationHints: []string{
			"Check settlement worker logs for claim or transition errors",
			"Verify the payment chain RPC endpoints and the NAG are reachable",
		},
		CreatedAt: time.Now().UTC(),
	})
}

// checkFailureRate compares failures against throughput over the window.
// The rate only fires once the window has meaningful volume.
func (m *MonitoringService) checkFailureRate(ctx context.Context, report *models.MonitoringReport) {
	since := time.Now().Add(-time.Duration(m.cfg.FailureRateWindowHours) * time.Hour)

	total, err := m.repo.CountCreatedSince(ctx, since)
	if err != nil {
		log.Printf("❌ Failure rate check failed: %v", err)
		return
	}
	failed, err := m.repo.CountFailedSince(ctx, since)
	if err != nil {
		log.Printf("❌ Failure rate check failed: %v", err)
		return
	}

	if total == 0 {
		metrics.FailureRatePercent.Set(0)
		return
	}

	rate := float64(failed) / float64(total) * 100
	report.FailureRate = rate
	metrics.FailureRatePercent.Set(rate)

	if total >= 5 && rate >= m.cfg.FailureRateThresholdPercent {
		severity := models.SeverityHigh
		if rate >= m.cfg.FailureRateThresholdPercent*2 {
			severity = models.SeverityCritical
		}
		report.Escalate(models.Alert{
			Type:     "high_failure_rate",
			Severity: severity,
			Message:  fmt.Sprintf("%.1f%% of swaps failed in the last %dh (%d/%d)", rate, m.cfg.FailureRateWindowHours, failed, total),
			Count:    int(failed),
			InvestigationHints: []string{
				"Group recent failure_reason values to find the dominant cause",
				"Check treasury balance and chain RPC availability",
			},
			CreatedAt: time.Now().UTC(),
		})
	}
}

// checkRetryExhaustion surfaces rows frozen in a failure state after the
// retry budget ran out. They never move again without a manual reopen.
func (m *MonitoringService) checkRetryExhaustion(ctx context.Context, report *models.MonitoringReport) {
	since := time.Now().Add(-time.Duration(m.cfg.SummaryWindowHours) * time.Hour)
	exhausted, err := m.repo.FindRetryExhaustedSince(ctx, since)
	if err != nil {
		log.Printf("❌ Retry exhaustion check failed: %v", err)
		return
	}
	if len(exhausted) == 0 {
		return
	}
	ids := make([]string, 0, len(exhausted))
	for _, tx := range exhausted {
		ids = append(ids, tx.ID)
	}
	report.Escalate(models.Alert{
		Type:           "retry_exhaustion",
		Severity:       models.SeverityMedium,
		Message:        fmt.Sprintf("%d transactions exhausted their retry budget in the last %dh", len(exhausted), m.cfg.SummaryWindowHours),
		Count:          len(exhausted),
		TransactionIDs: ids,
		InvestigationHints: []string{
			"Inspect each failure_reason, fix the cause, then reopen via POST /api/v1/admin/transactions/:id/reopen",
		},
		CreatedAt: time.Now().UTC(),
	})
}

func (m *MonitoringService) checkWorker(report *models.MonitoringReport) {
	if m.workerHealth == nil {
		return
	}
	if m.workerHealth() {
		return
	}
	report.Escalate(models.Alert{
		Type:     "worker_unhealthy",
		Severity: models.SeverityCritical,
		Message:  "settlement worker loop is not running",
		InvestigationHints: []string{
			"Check server logs for a crashed or blocked worker goroutine",
			"Restart the server process if the loop does not recover",
		},
		CreatedAt: time.Now().UTC(),
	})
}
