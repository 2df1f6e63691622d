package events

import (
	"log"
	"time"

	"cirx-backend/internal/clients"
	"cirx-backend/internal/metrics"
	"cirx-backend/internal/models"
)

// Subjects for swap lifecycle events. Downstream consumers (frontends,
// accounting) subscribe under swap.>.
const (
	SubjectSwapCreated         = "swap.created"
	SubjectSwapPaymentVerified = "swap.payment_verified"
	SubjectSwapCompleted       = "swap.completed"
	SubjectSwapFailed          = "swap.failed"
)

// SwapEvent is the payload published on every subject.
type SwapEvent struct {
	TransactionID        string            `json:"transaction_id"`
	PaymentTxID          string            `json:"payment_tx_id"`
	PaymentChain         string            `json:"payment_chain"`
	SwapStatus           models.SwapStatus `json:"swap_status"`
	CirxRecipientAddress string            `json:"cirx_recipient_address"`
	CirxAmount           string            `json:"cirx_amount,omitempty"`
	CirxTransferTxID     string            `json:"cirx_transfer_tx_id,omitempty"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	Timestamp            time.Time         `json:"timestamp"`
}

// Publisher emits swap events. A nil Publisher is valid and drops
// everything, so callers never need to branch on NATS being configured.
type Publisher struct {
	client *clients.NATSClient
}

func NewPublisher(client *clients.NATSClient) *Publisher {
	if client == nil {
		return nil
	}
	return &Publisher{client: client}
}

func (p *Publisher) publish(subject string, tx *models.Transaction) {
	if p == nil || p.client == nil {
		return
	}
	event := &SwapEvent{
		TransactionID:        tx.ID,
		PaymentTxID:          tx.PaymentTxID,
		PaymentChain:         tx.PaymentChain,
		SwapStatus:           tx.SwapStatus,
		CirxRecipientAddress: tx.CirxRecipientAddress,
		CirxTransferTxID:     tx.CirxTransferTxID,
		FailureReason:        tx.FailureReason,
		Timestamp:            time.Now().UTC(),
	}
	if !tx.CirxAmount.IsZero() {
		event.CirxAmount = tx.CirxAmount.String()
	}

	if err := p.client.Publish(subject, event); err != nil {
		// Event publishing is best effort: settlement state lives in the
		// database, not the stream.
		log.Printf("⚠️ Failed to publish %s for %s: %v", subject, tx.ID, err)
		metrics.NATSPublishFailures.WithLabelValues(subject).Inc()
		return
	}
	metrics.NATSEventsPublished.WithLabelValues(subject).Inc()
}

func (p *Publisher) SwapCreated(tx *models.Transaction)         { p.publish(SubjectSwapCreated, tx) }
func (p *Publisher) SwapPaymentVerified(tx *models.Transaction) { p.publish(SubjectSwapPaymentVerified, tx) }
func (p *Publisher) SwapCompleted(tx *models.Transaction)       { p.publish(SubjectSwapCompleted, tx) }
func (p *Publisher) SwapFailed(tx *models.Transaction)          { p.publish(SubjectSwapFailed, tx) }
