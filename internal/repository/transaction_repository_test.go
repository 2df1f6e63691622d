package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cirx-backend/internal/db"
	"cirx-backend/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
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
	return gdb
}

func newTestTx(status models.SwapStatus) *models.Transaction {
	return &models.Transaction{
		ID:                   uuid.New().String(),
		PaymentTxID:          "0x" + uuid.New().String() + uuid.New().String()[:28],
		PaymentChain:         "ethereum",
		PaymentToken:         "USDC",
		AmountPaid:           decimal.NewFromInt(100),
		CirxRecipientAddress: "0xab1257528b3782fb40d7ed5f72e624b744dffb2f1d53c6e8bb421eebff8a8d99",
		CirxAmount:           decimal.NewFromInt(40),
		SwapType:             "liquid",
		SwapStatus:           status,
		RetryEligible:        true,
	}
}

func TestCreateAndDuplicatePaymentTxID(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusPendingPaymentVerification)
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := newTestTx(models.StatusPendingPaymentVerification)
	dup.PaymentTxID = tx.PaymentTxID
	if err := repo.Create(ctx, dup); err == nil {
		t.Fatal("expected unique constraint violation for duplicate payment_tx_id")
	}

	got, err := repo.GetByPaymentTxID(ctx, tx.PaymentTxID)
	if err != nil {
		t.Fatalf("GetByPaymentTxID: %v", err)
	}
	if got.ID != tx.ID {
		t.Errorf("got id %s, want %s", got.ID, tx.ID)
	}
}

func TestTransition(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusPendingPaymentVerification)
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := repo.Transition(ctx, tx.ID, models.StatusPendingPaymentVerification, models.StatusPaymentVerified, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Same edge again must fail: the row already moved.
	err = repo.Transition(ctx, tx.ID, models.StatusPendingPaymentVerification, models.StatusPaymentVerified, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second transition = %v, want ErrInvalidTransition", err)
	}

	got, _ := repo.GetByID(ctx, tx.ID)
	if got.SwapStatus != models.StatusPaymentVerified {
		t.Errorf("status = %s, want payment_verified", got.SwapStatus)
	}
}

func TestClaimBatch(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.Create(ctx, newTestTx(models.StatusPendingPaymentVerification)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	// A completed row must never be claimed.
	if err := repo.Create(ctx, newTestTx(models.StatusCompleted)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A retry-exhausted row must never be claimed.
	exhausted := newTestTx(models.StatusPendingPaymentVerification)
	exhausted.RetryEligible = false
	if err := repo.Create(ctx, exhausted); err != nil {
		t.Fatalf("Create: %v", err)
	}

	statuses := []models.SwapStatus{models.StatusPendingPaymentVerification}
	claimed, err := repo.ClaimBatch(ctx, "worker-a", statuses, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d rows, want 3", len(claimed))
	}
	for _, tx := range claimed {
		if tx.ClaimedBy != "worker-a" {
			t.Errorf("ClaimedBy = %q, want worker-a", tx.ClaimedBy)
		}
		if !tx.IsClaimed(time.Now()) {
			t.Error("claimed row should report IsClaimed")
		}
	}

	// A second worker sees nothing while the lease is live.
	again, err := repo.ClaimBatch(ctx, "worker-b", statuses, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch (second worker): %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second worker claimed %d rows, want 0", len(again))
	}
}

func TestClaimBatchExpiredLease(t *testing.T) {
	gdb := setupTestDB(t)
	repo := NewTransactionRepository(gdb)
	ctx := context.Background()

	tx := newTestTx(models.StatusPendingPaymentVerification)
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Claim with a lease already in the past.
	if _, err := repo.ClaimBatch(ctx, "worker-dead", []models.SwapStatus{models.StatusPendingPaymentVerification}, 1, -time.Minute); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}

	claimed, err := repo.ClaimBatch(ctx, "worker-live", []models.SwapStatus{models.StatusPendingPaymentVerification}, 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch after expiry: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ClaimedBy != "worker-live" {
		t.Fatalf("expired lease should be reclaimable, got %+v", claimed)
	}
}

func TestClaimBatchOrdersStarvedRowsFirst(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	recent := newTestTx(models.StatusPendingPaymentVerification)
	lately := time.Now().Add(-time.Minute)
	recent.LastRetryAt = &lately
	if err := repo.Create(ctx, recent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	starved := newTestTx(models.StatusPendingPaymentVerification)
	longAgo := time.Now().Add(-time.Hour)
	starved.LastRetryAt = &longAgo
	if err := repo.Create(ctx, starved); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := repo.ClaimBatch(ctx, "worker-a", []models.SwapStatus{models.StatusPendingPaymentVerification}, 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d rows, want 1", len(claimed))
	}
	if claimed[0].ID != starved.ID {
		t.Errorf("claimed %s, want the starved row %s", claimed[0].ID, starved.ID)
	}
}

func TestTransitionClaimed(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusPendingPaymentVerification)
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := repo.ClaimBatch(ctx, "worker-a", []models.SwapStatus{models.StatusPendingPaymentVerification}, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch: %v (%d rows)", err, len(claimed))
	}

	// Wrong worker cannot move a claimed row.
	err = repo.TransitionClaimed(ctx, tx.ID, "worker-b", models.StatusPendingPaymentVerification, models.StatusPaymentVerified, nil)
	if !errors.Is(err, ErrNotClaimed) {
		t.Errorf("foreign worker transition = %v, want ErrNotClaimed", err)
	}

	err = repo.TransitionClaimed(ctx, tx.ID, "worker-a", models.StatusPendingPaymentVerification, models.StatusPaymentVerified, nil)
	if err != nil {
		t.Fatalf("TransitionClaimed: %v", err)
	}

	got, _ := repo.GetByID(ctx, tx.ID)
	if got.SwapStatus != models.StatusPaymentVerified {
		t.Errorf("status = %s, want payment_verified", got.SwapStatus)
	}
	if got.ClaimedBy != "" {
		t.Errorf("claim should be released on transition, ClaimedBy = %q", got.ClaimedBy)
	}
}

func TestRecordRetry(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusPendingPaymentVerification)
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.ClaimBatch(ctx, "worker-a", []models.SwapStatus{models.StatusPendingPaymentVerification}, 1, time.Minute); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}

	if err := repo.RecordRetry(ctx, tx.ID, "rpc timeout"); err != nil {
		t.Fatalf("RecordRetry: %v", err)
	}
	if err := repo.RecordRetry(ctx, tx.ID, ""); err != nil {
		t.Fatalf("RecordRetry (no reason): %v", err)
	}

	got, _ := repo.GetByID(ctx, tx.ID)
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.LastRetryAt == nil {
		t.Error("LastRetryAt should be set")
	}
	if got.FailureReason != "rpc timeout" {
		t.Errorf("FailureReason = %q, want preserved reason", got.FailureReason)
	}
	if got.ClaimedBy != "" {
		t.Error("claim should be released by RecordRetry")
	}
	if got.SwapStatus != models.StatusPendingPaymentVerification {
		t.Errorf("status must not change on retry, got %s", got.SwapStatus)
	}
}

func TestResetStuckTransfers(t *testing.T) {
	gdb := setupTestDB(t)
	repo := NewTransactionRepository(gdb)
	ctx := context.Background()

	stuck := newTestTx(models.StatusCirxTransferPending)
	submitted := newTestTx(models.StatusCirxTransferPending)
	submitted.CirxTransferTxID = "cirx-tx-123"
	fresh := newTestTx(models.StatusCirxTransferPending)

	for _, tx := range []*models.Transaction{stuck, submitted, fresh} {
		if err := repo.Create(ctx, tx); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// Age the stuck and submitted rows past the cutoff.
	old := time.Now().Add(-time.Hour)
	for _, id := range []string{stuck.ID, submitted.ID} {
		if err := gdb.Model(&models.Transaction{}).Where("id = ?", id).
			UpdateColumn("updated_at", old).Error; err != nil {
			t.Fatalf("age row: %v", err)
		}
	}

	n, err := repo.ResetStuckTransfers(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ResetStuckTransfers: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d rows, want 1", n)
	}

	got, _ := repo.GetByID(ctx, stuck.ID)
	if got.SwapStatus != models.StatusPaymentVerified {
		t.Errorf("stuck row status = %s, want payment_verified", got.SwapStatus)
	}

	// A row with a submitted transfer must never be reset.
	got, _ = repo.GetByID(ctx, submitted.ID)
	if got.SwapStatus != models.StatusCirxTransferPending {
		t.Errorf("submitted row status = %s, must stay cirx_transfer_pending", got.SwapStatus)
	}

	// A fresh row is left alone.
	got, _ = repo.GetByID(ctx, fresh.ID)
	if got.SwapStatus != models.StatusCirxTransferPending {
		t.Errorf("fresh row status = %s, must stay cirx_transfer_pending", got.SwapStatus)
	}
}

func TestReopenFailed(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		status  models.SwapStatus
		want    models.SwapStatus
		wantErr bool
	}{
		{"reopen verification failure", models.StatusFailedPaymentVerification, models.StatusPendingPaymentVerification, false},
		{"reopen transfer failure", models.StatusFailedCirxTransfer, models.StatusPaymentVerified, false},
		{"cannot reopen a live row", models.StatusPaymentVerified, "", true},
		{"cannot reopen completed", models.StatusCompleted, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := newTestTx(tt.status)
			tx.RetryCount = 7
			tx.RetryEligible = false
			tx.FailureReason = "gave up"
			if err := repo.Create(ctx, tx); err != nil {
				t.Fatalf("Create: %v", err)
			}

			err := repo.ReopenFailed(ctx, tx.ID)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReopenFailed: %v", err)
			}

			got, _ := repo.GetByID(ctx, tx.ID)
			if got.SwapStatus != tt.want {
				t.Errorf("status = %s, want %s", got.SwapStatus, tt.want)
			}
			if got.RetryCount != 0 || !got.RetryEligible || got.FailureReason != "" {
				t.Errorf("retry accounting not reset: count=%d eligible=%v reason=%q",
					got.RetryCount, got.RetryEligible, got.FailureReason)
			}
		})
	}
}

func TestMonitoringQueries(t *testing.T) {
	gdb := setupTestDB(t)
	repo := NewTransactionRepository(gdb)
	ctx := context.Background()

	for i, status := range []models.SwapStatus{
		models.StatusPendingPaymentVerification,
		models.StatusPendingPaymentVerification,
		models.StatusCompleted,
		models.StatusFailedCirxTransfer,
	} {
		tx := newTestTx(status)
		tx.PaymentTxID = fmt.Sprintf("0xmonitoring%d", i)
		if err := repo.Create(ctx, tx); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	byStatus := map[models.SwapStatus]int64{}
	for _, c := range counts {
		byStatus[c.SwapStatus] = c.Count
	}
	if byStatus[models.StatusPendingPaymentVerification] != 2 {
		t.Errorf("pending count = %d, want 2", byStatus[models.StatusPendingPaymentVerification])
	}

	since := time.Now().Add(-time.Hour)
	total, err := repo.CountCreatedSince(ctx, since)
	if err != nil {
		t.Fatalf("CountCreatedSince: %v", err)
	}
	if total != 4 {
		t.Errorf("total in window = %d, want 4", total)
	}

	failed, err := repo.CountFailedSince(ctx, since)
	if err != nil {
		t.Fatalf("CountFailedSince: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed in window = %d, want 1", failed)
	}

	completed, err := repo.CountCompletedSince(ctx, since)
	if err != nil {
		t.Fatalf("CountCompletedSince: %v", err)
	}
	if completed != 1 {
		t.Errorf("completed in window = %d, want 1", completed)
	}

	// Only failed rows with a spent retry budget count as exhausted.
	exhausted, err := repo.FindRetryExhaustedSince(ctx, since)
	if err != nil {
		t.Fatalf("FindRetryExhaustedSince: %v", err)
	}
	if len(exhausted) != 0 {
		t.Errorf("found %d exhausted rows, want 0", len(exhausted))
	}
	spent := newTestTx(models.StatusFailedCirxTransfer)
	if err := repo.Create(ctx, spent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := gdb.Model(&models.Transaction{}).Where("id = ?", spent.ID).
		UpdateColumn("retry_eligible", false).Error; err != nil {
		t.Fatalf("spend retry budget: %v", err)
	}
	exhausted, err = repo.FindRetryExhaustedSince(ctx, since)
	if err != nil {
		t.Fatalf("FindRetryExhaustedSince: %v", err)
	}
	if len(exhausted) != 1 || exhausted[0].ID != spent.ID {
		t.Errorf("exhausted rows = %d, want the retry-spent row", len(exhausted))
	}

	if err := repo.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	// Nothing is stuck yet; rows were just written.
	stuck, err := repo.FindStuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("found %d stuck rows, want 0", len(stuck))
	}

	// Age a pending row past the threshold.
	old := time.Now().Add(-time.Hour)
	if err := gdb.Model(&models.Transaction{}).
		Where("swap_status = ?", models.StatusPendingPaymentVerification).
		UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatalf("age rows: %v", err)
	}
	stuck, err = repo.FindStuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	if len(stuck) != 2 {
		t.Errorf("found %d stuck rows, want 2", len(stuck))
	}
}

func TestTransferTxIDWriteOnce(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusCirxTransferPending)
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := repo.Transition(ctx, tx.ID, models.StatusCirxTransferPending, models.StatusCirxTransferInitiated,
		map[string]interface{}{"cirx_transfer_tx_id": "cirx-tx-1"})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}

	// A different hash can never replace the recorded one.
	err = repo.Transition(ctx, tx.ID, models.StatusCirxTransferInitiated, models.StatusFailedCirxTransfer,
		map[string]interface{}{"cirx_transfer_tx_id": "cirx-tx-other"})
	if !errors.Is(err, ErrTxIDImmutable) {
		t.Fatalf("overwrite = %v, want ErrTxIDImmutable", err)
	}
	got, _ := repo.GetByID(ctx, tx.ID)
	if got.CirxTransferTxID != "cirx-tx-1" {
		t.Errorf("CirxTransferTxID = %q, want the original hash", got.CirxTransferTxID)
	}
	if got.SwapStatus != models.StatusCirxTransferInitiated {
		t.Errorf("status = %s, a rejected overwrite must not move the row", got.SwapStatus)
	}

	// Rewriting the same hash is a no-op the guard allows.
	err = repo.Transition(ctx, tx.ID, models.StatusCirxTransferInitiated, models.StatusCompleted,
		map[string]interface{}{"cirx_transfer_tx_id": "cirx-tx-1"})
	if err != nil {
		t.Fatalf("idempotent rewrite: %v", err)
	}
}

func TestTransitionClaimedTxIDWriteOnce(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusCirxTransferPending)
	tx.CirxTransferTxID = "cirx-tx-prev"
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := repo.ClaimBatch(ctx, "worker-a", []models.SwapStatus{models.StatusCirxTransferPending}, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch: %v (%d rows)", err, len(claimed))
	}

	err = repo.TransitionClaimed(ctx, tx.ID, "worker-a", models.StatusCirxTransferPending, models.StatusCirxTransferInitiated,
		map[string]interface{}{"cirx_transfer_tx_id": "cirx-tx-new"})
	if !errors.Is(err, ErrTxIDImmutable) {
		t.Fatalf("overwrite = %v, want ErrTxIDImmutable", err)
	}

	err = repo.TransitionClaimed(ctx, tx.ID, "worker-a", models.StatusCirxTransferPending, models.StatusCirxTransferInitiated,
		map[string]interface{}{"cirx_transfer_tx_id": "cirx-tx-prev"})
	if err != nil {
		t.Fatalf("same-hash transition: %v", err)
	}
	got, _ := repo.GetByID(ctx, tx.ID)
	if got.CirxTransferTxID != "cirx-tx-prev" {
		t.Errorf("CirxTransferTxID = %q, want cirx-tx-prev", got.CirxTransferTxID)
	}
}

func TestReopenFailedKeepsBroadcastTransfer(t *testing.T) {
	repo := NewTransactionRepository(setupTestDB(t))
	ctx := context.Background()

	tx := newTestTx(models.StatusFailedCirxTransfer)
	tx.CirxTransferTxID = "cirx-tx-prev"
	tx.RetryCount = 7
	tx.FailureReason = "finality poll timed out"
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.ReopenFailed(ctx, tx.ID); err != nil {
		t.Fatalf("ReopenFailed: %v", err)
	}

	got, _ := repo.GetByID(ctx, tx.ID)
	if got.SwapStatus != models.StatusCirxTransferInitiated {
		t.Errorf("status = %s, want cirx_transfer_initiated so only finality is re-checked", got.SwapStatus)
	}
	if got.CirxTransferTxID != "cirx-tx-prev" {
		t.Errorf("CirxTransferTxID = %q, the broadcast hash must survive a reopen", got.CirxTransferTxID)
	}
	if got.RetryCount != 0 || !got.RetryEligible || got.FailureReason != "" {
		t.Errorf("retry accounting not reset: count=%d eligible=%v reason=%q",
			got.RetryCount, got.RetryEligible, got.FailureReason)
	}
}
