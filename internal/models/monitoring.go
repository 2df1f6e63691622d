package models

import (
	"time"
)

// Alert severity levels
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
	SeverityNone     AlertSeverity = "none"
)

// severityRank orders severities for comparison, higher = worse.
var severityRank = map[AlertSeverity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ExitCode maps a severity to the monitoring binary's exit code:
// critical -> 2, high -> 1, everything else -> 0.
func (s AlertSeverity) ExitCode() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityHigh:
		return 1
	default:
		return 0
	}
}

// WorseThan reports whether s outranks other.
func (s AlertSeverity) WorseThan(other AlertSeverity) bool {
	return severityRank[s] > severityRank[other]
}

// Alert is one condition raised by a monitoring check. TransactionIDs
// names the affected rows where a check can identify them, and
// InvestigationHints tells the operator where to start.
type Alert struct {
	Type               string        `json:"type"` // stuck_transactions, high_failure_rate, retry_exhaustion, missing_treasury_wallet, worker_unhealthy
	Severity           AlertSeverity `json:"severity"`
	Message            string        `json:"message"`
	Count              int           `json:"count,omitempty"`
	TransactionIDs     []string      `json:"transaction_ids,omitempty"`
	InvestigationHints []string      `json:"investigation_hints,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// StatusCount is the per-status row count used in summaries.
type StatusCount struct {
	SwapStatus SwapStatus `json:"swap_status"`
	Count      int64      `json:"count"`
}

// MonitoringReport is the aggregate produced by one monitoring pass.
// The summary counts cover the rolling summary window; FailureRate is
// computed over the (usually shorter) failure-rate alert window.
type MonitoringReport struct {
	GeneratedAt       time.Time     `json:"generated_at"`
	WindowHours       int           `json:"window_hours"`
	StatusCounts      []StatusCount `json:"status_counts"`
	TotalInWindow     int64         `json:"total_in_window"`
	CompletedInWindow int64         `json:"completed_in_window"`
	FailedInWindow    int64         `json:"failed_in_window"`
	SuccessRate       float64       `json:"success_rate_percent"`
	FailureRate       float64       `json:"failure_rate_percent"`
	StuckCount        int64         `json:"stuck_count"`
	WalletConfigured  bool          `json:"wallet_configured"`
	Alerts            []Alert       `json:"alerts"`
	OverallSeverity   AlertSeverity `json:"overall_severity"`
}

// Escalate folds a new alert into the report, keeping OverallSeverity
// at the worst severity seen.
func (r *MonitoringReport) Escalate(alert Alert) {
	r.Alerts = append(r.Alerts, alert)
	if alert.Severity.WorseThan(r.OverallSeverity) {
		r.OverallSeverity = alert.Severity
	}
}
