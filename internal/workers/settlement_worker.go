package workers

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cirx-backend/internal/config"
	"cirx-backend/internal/events"
	"cirx-backend/internal/metrics"
	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
	"cirx-backend/internal/services"
)

// claimStatuses are the states the worker pulls work from. Failure
// states are deliberately absent: failed rows re-enter only through a
// manual reopen.
var claimStatuses = []models.SwapStatus{
	models.StatusPendingPaymentVerification,
	models.StatusPaymentVerified,
	models.StatusCirxTransferInitiated,
}

// paymentVerifier checks a payment on its source chain.
type paymentVerifier interface {
	VerifyPayment(ctx context.Context, tx *models.Transaction) (services.VerificationOutcome, string)
}

// transferDispatcher submits CIRX transfers and checks their finality.
type transferDispatcher interface {
	Dispatch(ctx context.Context, tx *models.Transaction) (services.DispatchOutcome, string, string)
	CheckFinality(ctx context.Context, cirxTxID string) (finalized, rejected bool, err error)
}

// SettlementWorker drives swaps through the state machine: verify the
// payment, dispatch the CIRX transfer, confirm finality.
type SettlementWorker struct {
	repo      repository.TransactionRepository
	verifier  paymentVerifier
	transfer  transferDispatcher
	publisher *events.Publisher
	push      *services.StatusPushService
	cfg       config.WorkerConfig

	workerID string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sem      chan struct{}
	lastTick atomic.Int64
}

// NewSettlementWorker creates a worker with a unique claim identity.
func NewSettlementWorker(repo repository.TransactionRepository, verifier paymentVerifier, transfer transferDispatcher, publisher *events.Publisher, push *services.StatusPushService, cfg config.WorkerConfig) *SettlementWorker {
	return &SettlementWorker{
		repo:      repo,
		verifier:  verifier,
		transfer:  transfer,
		publisher: publisher,
		push:      push,
		cfg:       cfg,
		workerID:  fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		stopCh:    make(chan struct{}),
		sem:       make(chan struct{}, cfg.PoolSize),
	}
}

// Start begins the scheduling loop.
func (w *SettlementWorker) Start() {
	log.Printf("🚀 Settlement worker %s starting, tick=%v pool=%d", w.workerID, w.cfg.TickIntervalDuration(), w.cfg.PoolSize)
	w.wg.Add(1)
	go w.run()
}

// Stop drains in-flight work, waiting at most the shutdown deadline.
func (w *SettlementWorker) Stop() {
	log.Printf("🛑 Stopping settlement worker %s...", w.workerID)
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	deadline := time.Duration(w.cfg.ShutdownDeadline) * time.Second
	select {
	case <-done:
		log.Printf("✅ Settlement worker %s stopped", w.workerID)
	case <-time.After(deadline):
		log.Printf("⚠️ Settlement worker %s shutdown deadline reached, abandoning in-flight work", w.workerID)
	}
}

// Healthy reports whether the loop ticked recently. Three missed ticks
// counts as dead.
func (w *SettlementWorker) Healthy() bool {
	last := w.lastTick.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(last, 0)) < 3*w.cfg.TickIntervalDuration()
}

func (w *SettlementWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.TickIntervalDuration())
	defer ticker.Stop()

	w.tick()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *SettlementWorker) tick() {
	w.lastTick.Store(time.Now().Unix())
	metrics.WorkerTicks.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TickIntervalDuration())
	defer cancel()

	w.recoverStuck(ctx)

	claimed, err := w.repo.ClaimBatch(ctx, w.workerID, claimStatuses, w.cfg.BatchSize, w.cfg.LeaseTTLDuration())
	if err != nil {
		log.Printf("❌ [worker] claim batch failed: %v", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	now := time.Now()
	base := time.Duration(w.cfg.RetryBaseDelay) * time.Second
	max := time.Duration(w.cfg.RetryMaxDelay) * time.Second

	for _, tx := range claimed {
		if !tx.RetryDue(now, base, max) {
			// Claimed too early, give it back until the backoff elapses.
			if err := w.repo.ReleaseClaim(ctx, tx.ID, w.workerID); err != nil {
				log.Printf("⚠️ [worker] release %s failed: %v", tx.ID, err)
			}
			continue
		}

		metrics.WorkerClaims.Inc()
		w.wg.Add(1)
		w.sem <- struct{}{}
		go func(tx *models.Transaction) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.process(tx)
		}(tx)
	}
}

// recoverStuck releases transfers whose claim died between claiming and
// submitting. Rows that already carry a CIRX tx id are never reset here;
// re-sending them blind could pay twice.
func (w *SettlementWorker) recoverStuck(ctx context.Context) {
	age := time.Duration(w.cfg.StuckResetAfter) * time.Minute
	n, err := w.repo.ResetStuckTransfers(ctx, age)
	if err != nil {
		log.Printf("❌ [worker] stuck recovery failed: %v", err)
		return
	}
	if n > 0 {
		metrics.StuckTransfersRecovered.Add(float64(n))
		log.Printf("🔧 [worker] reset %d stuck transfers back to payment_verified", n)
	}
}

// process runs one claimed transaction one step forward. Every branch
// either transitions the row or records a retry; the claim never
// outlives this call except through lease expiry.
func (w *SettlementWorker) process(tx *models.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RPCTimeoutDuration())
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.WorkerProcessingDuration.WithLabelValues(string(tx.SwapStatus)).Observe(time.Since(start).Seconds())
	}()

	switch tx.SwapStatus {
	case models.StatusPendingPaymentVerification:
		w.verifyPayment(ctx, tx)
	case models.StatusPaymentVerified:
		w.dispatchTransfer(ctx, tx)
	case models.StatusCirxTransferInitiated:
		w.confirmTransfer(ctx, tx)
	default:
		// Claim query and this switch disagree; release and leave it alone.
		log.Printf("⚠️ [worker] claimed %s in unexpected status %s", tx.ID, tx.SwapStatus)
		if err := w.repo.ReleaseClaim(context.Background(), tx.ID, w.workerID); err != nil {
			log.Printf("⚠️ [worker] release %s failed: %v", tx.ID, err)
		}
	}
}

func (w *SettlementWorker) verifyPayment(ctx context.Context, tx *models.Transaction) {
	outcome, detail := w.verifier.VerifyPayment(ctx, tx)

	switch {
	case outcome == services.VerificationVerified:
		err := w.repo.TransitionClaimed(ctx, tx.ID, w.workerID,
			models.StatusPendingPaymentVerification, models.StatusPaymentVerified,
			map[string]interface{}{"failure_reason": ""})
		if err != nil {
			log.Printf("❌ [worker] promote %s to payment_verified failed: %v", tx.ID, err)
			return
		}
		old := tx.SwapStatus
		tx.SwapStatus = models.StatusPaymentVerified
		log.Printf("✅ [worker] payment verified for %s (%s)", tx.ID, tx.PaymentTxID)
		w.publisher.SwapPaymentVerified(tx)
		w.pushUpdate(tx, old)

	case outcome.IsTransient():
		w.retryOrFail(ctx, tx, models.StatusFailedPaymentVerification, "payment_verification", detail)

	default:
		// Amount or recipient mismatch is a verdict about the payment,
		// not about our infrastructure. No amount of retrying fixes it.
		w.fail(ctx, tx, models.StatusFailedPaymentVerification, "payment_verification", detail)
	}
}

func (w *SettlementWorker) dispatchTransfer(ctx context.Context, tx *models.Transaction) {
	// Mark the dispatch before any RPC leaves the process, so a crash
	// mid-call leaves a cirx_transfer_pending row for stuck recovery
	// instead of a silently re-dispatchable one.
	err := w.repo.Transition(ctx, tx.ID, models.StatusPaymentVerified, models.StatusCirxTransferPending, nil)
	if err != nil {
		log.Printf("❌ [worker] mark %s cirx_transfer_pending failed: %v", tx.ID, err)
		return
	}
	tx.SwapStatus = models.StatusCirxTransferPending

	outcome, cirxTxID, detail := w.transfer.Dispatch(ctx, tx)

	switch {
	case outcome == services.DispatchSubmitted:
		// Tx id and status move in one write; cirx_transfer_tx_id is
		// written exactly once.
		err := w.repo.TransitionClaimed(ctx, tx.ID, w.workerID,
			models.StatusCirxTransferPending, models.StatusCirxTransferInitiated,
			map[string]interface{}{"cirx_transfer_tx_id": cirxTxID, "failure_reason": ""})
		if err != nil {
			log.Printf("❌ [worker] record cirx tx id for %s failed: %v", tx.ID, err)
			return
		}
		old := models.StatusCirxTransferPending
		tx.SwapStatus = models.StatusCirxTransferInitiated
		tx.CirxTransferTxID = cirxTxID
		w.pushUpdate(tx, old)

	case outcome.IsTransient():
		// Step back so the next attempt goes through the full dispatch
		// path again.
		if err := w.repo.Transition(ctx, tx.ID, models.StatusCirxTransferPending, models.StatusPaymentVerified, nil); err != nil {
			log.Printf("❌ [worker] step %s back to payment_verified failed: %v", tx.ID, err)
			return
		}
		tx.SwapStatus = models.StatusPaymentVerified
		w.retryOrFail(ctx, tx, models.StatusFailedCirxTransfer, "cirx_transfer", detail)

	default:
		w.fail(ctx, tx, models.StatusFailedCirxTransfer, "cirx_transfer", detail)
	}
}

func (w *SettlementWorker) confirmTransfer(ctx context.Context, tx *models.Transaction) {
	finalized, rejected, err := w.transfer.CheckFinality(ctx, tx.CirxTransferTxID)
	if err != nil {
		// NAG unreachable. A submitted transfer is never failed on a
		// lookup error; back off and ask again.
		w.recordRetry(ctx, tx, "cirx_transfer", fmt.Sprintf("finality check failed: %v", err))
		return
	}

	switch {
	case finalized:
		now := time.Now()
		err := w.repo.TransitionClaimed(ctx, tx.ID, w.workerID,
			models.StatusCirxTransferInitiated, models.StatusCompleted,
			map[string]interface{}{"completed_at": now, "failure_reason": ""})
		if err != nil {
			log.Printf("❌ [worker] complete %s failed: %v", tx.ID, err)
			return
		}
		old := tx.SwapStatus
		tx.SwapStatus = models.StatusCompleted
		tx.CompletedAt = &now
		metrics.SwapsCompleted.Inc()
		log.Printf("🎉 [worker] swap %s completed, cirx tx %s", tx.ID, tx.CirxTransferTxID)
		w.publisher.SwapCompleted(tx)
		w.pushUpdate(tx, old)

	case rejected:
		w.fail(ctx, tx, models.StatusFailedCirxTransfer, "cirx_transfer",
			fmt.Sprintf("transfer %s rejected by the network", tx.CirxTransferTxID))

	default:
		// Still pending. Retry accounting drives the backoff but never
		// the retry budget: a transfer that sits on chain must not be
		// auto-failed by a slow network.
		w.recordRetry(ctx, tx, "cirx_transfer", "")
	}
}

// retryOrFail records a transient failure, moving to the failure state
// once the retry budget runs out.
func (w *SettlementWorker) retryOrFail(ctx context.Context, tx *models.Transaction, failState models.SwapStatus, stage, detail string) {
	if tx.RetryCount+1 >= w.cfg.MaxRetries {
		w.fail(ctx, tx, failState, stage, fmt.Sprintf("retry budget exhausted: %s", detail))
		return
	}
	w.recordRetry(ctx, tx, stage, detail)
}

func (w *SettlementWorker) recordRetry(ctx context.Context, tx *models.Transaction, stage, detail string) {
	if err := w.repo.RecordRetry(ctx, tx.ID, detail); err != nil {
		log.Printf("❌ [worker] record retry for %s failed: %v", tx.ID, err)
		return
	}
	metrics.WorkerRetries.WithLabelValues(stage).Inc()
	if detail != "" {
		log.Printf("🔄 [worker] %s attempt %d: %s", tx.ID, tx.RetryCount+1, detail)
	}
}

// fail moves a row into a failure state and closes it to the worker.
// Only a manual reopen makes it eligible again.
func (w *SettlementWorker) fail(ctx context.Context, tx *models.Transaction, failState models.SwapStatus, stage, reason string) {
	err := w.repo.TransitionClaimed(ctx, tx.ID, w.workerID, tx.SwapStatus, failState,
		map[string]interface{}{
			"failure_reason": reason,
			"retry_eligible": false,
			"retry_count":    tx.RetryCount + 1,
			"last_retry_at":  time.Now(),
		})
	if err != nil {
		log.Printf("❌ [worker] fail %s (%s -> %s): %v", tx.ID, tx.SwapStatus, failState, err)
		return
	}
	old := tx.SwapStatus
	tx.SwapStatus = failState
	tx.FailureReason = reason
	metrics.SwapsFailed.WithLabelValues(stage).Inc()
	log.Printf("❌ [worker] swap %s failed at %s: %s", tx.ID, stage, reason)
	w.publisher.SwapFailed(tx)
	w.pushUpdate(tx, old)
}

func (w *SettlementWorker) pushUpdate(tx *models.Transaction, old models.SwapStatus) {
	if w.push == nil {
		return
	}
	w.push.BroadcastStatusUpdate(tx, old)
}
