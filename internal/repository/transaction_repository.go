package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cirx-backend/internal/models"
)

// ErrInvalidTransition is returned when a status change would violate
// the state machine or lose a concurrent update.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotClaimed is returned when a claimed-row update finds the claim gone.
var ErrNotClaimed = errors.New("transaction claim lost or expired")

// ErrTxIDImmutable is returned when a write would replace an existing
// cirx_transfer_tx_id with a different value.
var ErrTxIDImmutable = errors.New("cirx_transfer_tx_id is already set")

// TransactionRepository defines the interface for swap transaction data access
type TransactionRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByPaymentTxID(ctx context.Context, paymentTxID string) (*models.Transaction, error)

	// State machine writes. All of these are conditional UPDATEs guarded
	// by the current status (and claim where applicable), so concurrent
	// writers cannot clobber each other.
	Transition(ctx context.Context, id string, from, to models.SwapStatus, updates map[string]interface{}) error
	ClaimBatch(ctx context.Context, workerID string, statuses []models.SwapStatus, limit int, leaseTTL time.Duration) ([]*models.Transaction, error)
	ReleaseClaim(ctx context.Context, id, workerID string) error
	TransitionClaimed(ctx context.Context, id, workerID string, from, to models.SwapStatus, updates map[string]interface{}) error
	RecordRetry(ctx context.Context, id string, failureReason string) error

	// Recovery
	ResetStuckTransfers(ctx context.Context, olderThan time.Duration) (int64, error)
	ReopenFailed(ctx context.Context, id string) error

	// Monitoring queries
	CountByStatus(ctx context.Context) ([]models.StatusCount, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
	CountFailedSince(ctx context.Context, since time.Time) (int64, error)
	FindStuck(ctx context.Context, olderThan time.Duration) ([]*models.Transaction, error)
	FindRetryExhaustedSince(ctx context.Context, since time.Time) ([]*models.Transaction, error)
	FindByStatus(ctx context.Context, status models.SwapStatus, limit int) ([]*models.Transaction, error)

	// Ping verifies database connectivity for health probes.
	Ping(ctx context.Context) error
}

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository instance
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) GetByPaymentTxID(ctx context.Context, paymentTxID string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := r.db.WithContext(ctx).Where("payment_tx_id = ?", paymentTxID).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// guardTxIDWriteOnce narrows an update touching cirx_transfer_tx_id to
// rows where the column is still empty or already holds the same value.
// An attempt to replace a different existing id matches zero rows, so
// the transfer id can never be overwritten once set.
func guardTxIDWriteOnce(q *gorm.DB, updates map[string]interface{}) *gorm.DB {
	if v, ok := updates["cirx_transfer_tx_id"]; ok {
		q = q.Where("cirx_transfer_tx_id = '' OR cirx_transfer_tx_id IS NULL OR cirx_transfer_tx_id = ?", v)
	}
	return q
}

// Transition moves a row from one status to another. The WHERE clause on
// the current status makes this safe against concurrent writers: if the
// row already moved, zero rows match and ErrInvalidTransition is returned.
func (r *transactionRepository) Transition(ctx context.Context, id string, from, to models.SwapStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["swap_status"] = to

	q := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND swap_status = ?", id, from)
	result := guardTxIDWriteOnce(q, updates).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if r.txIDConflict(ctx, id, updates) {
			return fmt.Errorf("%w: %s", ErrTxIDImmutable, id)
		}
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, id)
	}
	return nil
}

// txIDConflict reports whether a zero-row update was caused by the
// write-once guard rather than a status or claim mismatch.
func (r *transactionRepository) txIDConflict(ctx context.Context, id string, updates map[string]interface{}) bool {
	v, ok := updates["cirx_transfer_tx_id"]
	if !ok {
		return false
	}
	tx, err := r.GetByID(ctx, id)
	if err != nil {
		return false
	}
	return tx.CirxTransferTxID != "" && tx.CirxTransferTxID != v
}

// ClaimBatch claims up to limit unclaimed rows in the given statuses for
// workerID. A row counts as unclaimed when it has no claim or the claim
// lease expired. Claimed rows are re-read and returned.
func (r *transactionRepository) ClaimBatch(ctx context.Context, workerID string, statuses []models.SwapStatus, limit int, leaseTTL time.Duration) ([]*models.Transaction, error) {
	now := time.Now()
	expires := now.Add(leaseTTL)

	// Select candidate IDs first, oldest retries first so starved rows
	// are picked before fresh ones.
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("swap_status IN ?", statuses).
		Where("retry_eligible = ?", true).
		Where("claimed_by = '' OR claimed_by IS NULL OR claim_expires_at < ?", now).
		Order("last_retry_at ASC NULLS FIRST").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed := make([]*models.Transaction, 0, len(ids))
	for _, id := range ids {
		result := r.db.WithContext(ctx).
			Model(&models.Transaction{}).
			Where("id = ?", id).
			Where("claimed_by = '' OR claimed_by IS NULL OR claim_expires_at < ?", now).
			Updates(map[string]interface{}{
				"claimed_by":       workerID,
				"claim_expires_at": expires,
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race to another worker.
			continue
		}
		tx, err := r.GetByID(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, tx)
	}
	return claimed, nil
}

// ReleaseClaim drops the worker's claim on a row without touching status.
func (r *transactionRepository) ReleaseClaim(ctx context.Context, id, workerID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND claimed_by = ?", id, workerID).
		Updates(map[string]interface{}{
			"claimed_by":       "",
			"claim_expires_at": nil,
		}).Error
}

// TransitionClaimed is Transition additionally guarded by claim ownership.
// On success the claim is released in the same write.
func (r *transactionRepository) TransitionClaimed(ctx context.Context, id, workerID string, from, to models.SwapStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["swap_status"] = to
	updates["claimed_by"] = ""
	updates["claim_expires_at"] = nil

	q := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND swap_status = ? AND claimed_by = ?", id, from, workerID)
	result := guardTxIDWriteOnce(q, updates).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if r.txIDConflict(ctx, id, updates) {
			return fmt.Errorf("%w: %s", ErrTxIDImmutable, id)
		}
		return fmt.Errorf("%w: %s (%s -> %s)", ErrNotClaimed, id, from, to)
	}
	return nil
}

// RecordRetry bumps retry accounting without changing status. Used for
// transient outcomes where the row should be re-attempted after backoff.
func (r *transactionRepository) RecordRetry(ctx context.Context, id string, failureReason string) error {
	updates := map[string]interface{}{
		"retry_count":      gorm.Expr("retry_count + 1"),
		"last_retry_at":    time.Now(),
		"claimed_by":       "",
		"claim_expires_at": nil,
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ResetStuckTransfers releases rows stuck in cirx_transfer_pending with an
// expired claim back to payment_verified so the worker re-attempts them.
// Rows that already have a cirx_transfer_tx_id are left alone: a transfer
// may already sit on chain and must not be re-sent blind.
func (r *transactionRepository) ResetStuckTransfers(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("swap_status = ?", models.StatusCirxTransferPending).
		Where("cirx_transfer_tx_id = '' OR cirx_transfer_tx_id IS NULL").
		Where("updated_at < ?", cutoff).
		Where("claim_expires_at IS NULL OR claim_expires_at < ?", time.Now()).
		Updates(map[string]interface{}{
			"swap_status":      models.StatusPaymentVerified,
			"claimed_by":       "",
			"claim_expires_at": nil,
		})
	return result.RowsAffected, result.Error
}

// ReopenFailed puts a failed row back into the flow for a manual retry:
// failed_payment_verification -> pending_payment_verification,
// failed_cirx_transfer -> payment_verified. A failed transfer that was
// already broadcast keeps its tx id and goes back to finality polling
// instead, so a reopen can never cause a second dispatch.
// Retry accounting is reset.
func (r *transactionRepository) ReopenFailed(ctx context.Context, id string) error {
	tx, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	var target models.SwapStatus
	switch tx.SwapStatus {
	case models.StatusFailedPaymentVerification:
		target = models.StatusPendingPaymentVerification
	case models.StatusFailedCirxTransfer:
		target = models.StatusPaymentVerified
		if tx.CirxTransferTxID != "" {
			target = models.StatusCirxTransferInitiated
		}
	default:
		return fmt.Errorf("%w: %s is not a failure state", ErrInvalidTransition, tx.SwapStatus)
	}

	return r.Transition(ctx, id, tx.SwapStatus, target, map[string]interface{}{
		"retry_count":    0,
		"last_retry_at":  nil,
		"retry_eligible": true,
		"failure_reason": "",
	})
}

func (r *transactionRepository) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	var counts []models.StatusCount
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select("swap_status, COUNT(*) as count").
		Group("swap_status").
		Scan(&counts).Error
	return counts, err
}

func (r *transactionRepository) CountCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

func (r *transactionRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("swap_status = ?", models.StatusCompleted).
		Where("updated_at >= ?", since).
		Count(&count).Error
	return count, err
}

func (r *transactionRepository) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("swap_status IN ?", []models.SwapStatus{
			models.StatusFailedPaymentVerification,
			models.StatusFailedCirxTransfer,
		}).
		Where("updated_at >= ?", since).
		Count(&count).Error
	return count, err
}

// FindStuck returns non-terminal rows that have not moved for olderThan.
func (r *transactionRepository) FindStuck(ctx context.Context, olderThan time.Duration) ([]*models.Transaction, error) {
	cutoff := time.Now().Add(-olderThan)
	var txs []*models.Transaction
	err := r.db.WithContext(ctx).
		Where("swap_status IN ?", []models.SwapStatus{
			models.StatusPendingPaymentVerification,
			models.StatusPaymentVerified,
			models.StatusCirxTransferPending,
			models.StatusCirxTransferInitiated,
		}).
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Find(&txs).Error
	return txs, err
}

// FindRetryExhaustedSince returns rows frozen in a failure state with no
// retry budget left, newest first. These only move again through a
// manual reopen.
func (r *transactionRepository) FindRetryExhaustedSince(ctx context.Context, since time.Time) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := r.db.WithContext(ctx).
		Where("swap_status IN ?", []models.SwapStatus{
			models.StatusFailedPaymentVerification,
			models.StatusFailedCirxTransfer,
		}).
		Where("retry_eligible = ?", false).
		Where("updated_at >= ?", since).
		Order("updated_at DESC").
		Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) FindByStatus(ctx context.Context, status models.SwapStatus, limit int) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	q := r.db.WithContext(ctx).Where("swap_status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
