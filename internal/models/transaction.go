package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Swap transaction status
type SwapStatus string

const (
	StatusPendingPaymentVerification SwapStatus = "pending_payment_verification" // waiting for payment confirmation
	StatusPaymentVerified            SwapStatus = "payment_verified"             // payment confirmed, transfer not started
	StatusCirxTransferPending        SwapStatus = "cirx_transfer_pending"        // claimed for transfer
	StatusCirxTransferInitiated      SwapStatus = "cirx_transfer_initiated"      // CIRX tx submitted, awaiting finality
	StatusCompleted                  SwapStatus = "completed"                    // terminal
	StatusFailedPaymentVerification  SwapStatus = "failed_payment_verification"  // terminal unless manually retried
	StatusFailedCirxTransfer         SwapStatus = "failed_cirx_transfer"         // terminal unless manually retried
)

// validTransitions is the closed set of allowed status edges.
// Recovery edges (failed_* -> earlier states) exist only for retry-eligible
// rows; failed_cirx_transfer additionally reopens into cirx_transfer_initiated
// when a transfer was already broadcast and only needs finality polling.
var validTransitions = map[SwapStatus][]SwapStatus{
	StatusPendingPaymentVerification: {StatusPaymentVerified, StatusFailedPaymentVerification},
	StatusPaymentVerified:            {StatusCirxTransferPending, StatusFailedCirxTransfer},
	StatusCirxTransferPending:        {StatusCirxTransferInitiated, StatusPaymentVerified, StatusFailedCirxTransfer},
	StatusCirxTransferInitiated:      {StatusCompleted, StatusFailedCirxTransfer},
	StatusFailedPaymentVerification:  {StatusPendingPaymentVerification},
	StatusFailedCirxTransfer:         {StatusPaymentVerified, StatusCirxTransferInitiated},
}

// Transaction is one OTC swap: a payment on a source chain exchanged
// for a CIRX transfer on Circular Protocol.
type Transaction struct {
	ID string `json:"id" gorm:"primaryKey"` // UUID

	// Payment side
	PaymentTxID   string          `json:"payment_tx_id" gorm:"uniqueIndex;not null"` // source chain tx hash
	PaymentChain  string          `json:"payment_chain" gorm:"not null;index"`       // ethereum / polygon / bsc / solana
	PaymentToken  string          `json:"payment_token" gorm:"not null"`             // symbol, e.g. USDC
	AmountPaid    decimal.Decimal `json:"amount_paid" gorm:"type:decimal(36,18);not null"`
	SenderAddress string          `json:"sender_address"`

	// CIRX side
	CirxRecipientAddress string          `json:"cirx_recipient_address" gorm:"not null"`
	CirxAmount           decimal.Decimal `json:"cirx_amount" gorm:"type:decimal(36,18)"`
	CirxTransferTxID     string          `json:"cirx_transfer_tx_id" gorm:"index"` // write-once
	SwapType             string          `json:"swap_type" gorm:"not null;default:liquid"`
	DiscountPercent      decimal.Decimal `json:"discount_percent" gorm:"type:decimal(5,2)"`

	SwapStatus    SwapStatus `json:"swap_status" gorm:"not null;index;default:pending_payment_verification"`
	FailureReason string     `json:"failure_reason" gorm:"type:text"`

	// Retry accounting
	RetryCount    int        `json:"retry_count" gorm:"default:0"`
	LastRetryAt   *time.Time `json:"last_retry_at"`
	RetryEligible bool       `json:"retry_eligible" gorm:"default:true"` // false = permanent failure

	// Lease-based claim. A row is claimed when ClaimedBy is set and
	// ClaimExpiresAt is in the future.
	ClaimedBy      string     `json:"claimed_by" gorm:"index"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// CanTransitionTo reports whether moving to the target status is a legal edge.
func (t *Transaction) CanTransitionTo(target SwapStatus) bool {
	for _, allowed := range validTransitions[t.SwapStatus] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no worker action remains for this row.
// Failed rows that are still retry eligible are not terminal.
func (t *Transaction) IsTerminal() bool {
	switch t.SwapStatus {
	case StatusCompleted:
		return true
	case StatusFailedPaymentVerification, StatusFailedCirxTransfer:
		return !t.RetryEligible
	}
	return false
}

// IsFailed reports whether the transaction sits in a failure state.
func (t *Transaction) IsFailed() bool {
	return t.SwapStatus == StatusFailedPaymentVerification || t.SwapStatus == StatusFailedCirxTransfer
}

// NextRetryAt computes when the row becomes due again under exponential
// backoff: base doubles per retry, capped at maxDelay. A row with no
// retries yet is due immediately.
func (t *Transaction) NextRetryAt(baseDelay, maxDelay time.Duration) time.Time {
	if t.LastRetryAt == nil {
		return time.Time{}
	}
	shift := uint(t.RetryCount)
	if shift > 16 {
		shift = 16
	}
	delay := baseDelay * time.Duration(1<<shift)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return t.LastRetryAt.Add(delay)
}

// RetryDue reports whether the backoff window has elapsed.
func (t *Transaction) RetryDue(now time.Time, baseDelay, maxDelay time.Duration) bool {
	return !now.Before(t.NextRetryAt(baseDelay, maxDelay))
}

// IsClaimed reports whether the row holds a live claim at the given time.
func (t *Transaction) IsClaimed(now time.Time) bool {
	return t.ClaimedBy != "" && t.ClaimExpiresAt != nil && t.ClaimExpiresAt.After(now)
}
