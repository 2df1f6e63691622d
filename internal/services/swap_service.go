package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cirx-backend/internal/events"
	"cirx-backend/internal/metrics"
	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
	"cirx-backend/internal/validation"
)

// ErrDuplicatePayment is returned when a payment tx id was already
// submitted. Handlers map it to 409.
var ErrDuplicatePayment = errors.New("payment transaction already submitted")

// SwapService handles swap intake and lookups.
type SwapService struct {
	repo      repository.TransactionRepository
	validator *validation.Validator
	transfer  *CirxTransferService
	publisher *events.Publisher
}

// NewSwapService creates a new swap service
func NewSwapService(repo repository.TransactionRepository, validator *validation.Validator, transfer *CirxTransferService, publisher *events.Publisher) *SwapService {
	return &SwapService{
		repo:      repo,
		validator: validator,
		transfer:  transfer,
		publisher: publisher,
	}
}

// InitiateSwap validates and records a new swap. The CIRX amount is
// locked in at intake time from the quote, so later price moves never
// change what the user receives.
func (s *SwapService) InitiateSwap(ctx context.Context, req *validation.SwapRequest) (*models.Transaction, error) {
	req.Normalize()
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	quote, err := s.transfer.CalculateQuote(req.PaymentToken, req.AmountPaid)
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		ID:                   uuid.New().String(),
		PaymentTxID:          req.PaymentTxID,
		PaymentChain:         req.PaymentChain,
		PaymentToken:         req.PaymentToken,
		AmountPaid:           req.AmountPaid,
		SenderAddress:        req.SenderAddress,
		CirxRecipientAddress: req.CirxRecipientAddress,
		CirxAmount:           quote.CirxAmount,
		SwapType:             quote.SwapType,
		DiscountPercent:      quote.DiscountPercent,
		SwapStatus:           models.StatusPendingPaymentVerification,
		RetryEligible:        true,
	}

	if err := s.repo.Create(ctx, tx); err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePayment, req.PaymentTxID)
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	metrics.SwapsCreated.WithLabelValues(tx.PaymentChain, tx.PaymentToken).Inc()
	log.Printf("✅ [swap] accepted %s: %s %s on %s -> %s CIRX (%s)",
		tx.ID, tx.AmountPaid, tx.PaymentToken, tx.PaymentChain, tx.CirxAmount, tx.SwapType)

	s.publisher.SwapCreated(tx)
	return tx, nil
}

// GetTransaction loads a swap by id.
func (s *SwapService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByPaymentTxID loads a swap by its payment transaction id.
func (s *SwapService) GetByPaymentTxID(ctx context.Context, paymentTxID string) (*models.Transaction, error) {
	return s.repo.GetByPaymentTxID(ctx, paymentTxID)
}

// Quote prices a prospective swap without recording anything.
func (s *SwapService) Quote(token string, amount decimal.Decimal) (*Quote, error) {
	return s.transfer.CalculateQuote(strings.ToUpper(token), amount)
}

// isDuplicateKeyError matches unique constraint violations across
// postgres and sqlite without importing either driver here.
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
