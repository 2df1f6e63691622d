package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"cirx-backend/internal/clients"
	"cirx-backend/internal/config"
	"cirx-backend/internal/metrics"
	"cirx-backend/internal/models"
)

// VerificationOutcome classifies one verification attempt. The worker
// maps outcomes to state transitions, so the set is closed.
type VerificationOutcome string

const (
	VerificationVerified                  VerificationOutcome = "verified"
	VerificationNotFound                  VerificationOutcome = "not_found"
	VerificationInsufficientConfirmations VerificationOutcome = "insufficient_confirmations"
	VerificationAmountMismatch            VerificationOutcome = "amount_mismatch"
	VerificationRecipientMismatch         VerificationOutcome = "recipient_mismatch"
	VerificationTransientError            VerificationOutcome = "transient_error"
)

// IsTransient reports whether the attempt should be retried without
// recording a verdict about the payment itself.
func (o VerificationOutcome) IsTransient() bool {
	return o == VerificationNotFound ||
		o == VerificationInsufficientConfirmations ||
		o == VerificationTransientError
}

// chainLookup abstracts the per-chain payment lookup so tests can stub it.
type chainLookup interface {
	LookupPayment(ctx context.Context, txID, receivingAddress string) (*clients.PaymentLookup, error)
}

// PaymentVerificationService checks claimed payments against chain state.
type PaymentVerificationService struct {
	chains  map[string]config.ChainConfig
	lookups map[string]chainLookup
}

// amountTolerance absorbs fee-on-transfer tokens and rounding on the
// sender side: on-chain amount may undershoot the claim by up to 0.1%.
var amountTolerance = decimal.NewFromFloat(0.001)

// NewPaymentVerificationService builds lookups for every enabled chain.
func NewPaymentVerificationService(chains map[string]config.ChainConfig) *PaymentVerificationService {
	lookups := make(map[string]chainLookup)
	for name, chain := range chains {
		if !chain.Enabled {
			continue
		}
		if name == "solana" {
			lookups[name] = clients.NewSolanaClient(chain.RPCEndpoints)
		} else {
			lookups[name] = clients.NewEVMClient(name, chain.RPCEndpoints)
		}
	}
	return &PaymentVerificationService{chains: chains, lookups: lookups}
}

// VerifyPayment checks one claimed payment. The detail string is
// human-readable context for failure_reason.
func (s *PaymentVerificationService) VerifyPayment(ctx context.Context, tx *models.Transaction) (VerificationOutcome, string) {
	chain, ok := s.chains[tx.PaymentChain]
	if !ok {
		return VerificationRecipientMismatch, fmt.Sprintf("chain %s no longer configured", tx.PaymentChain)
	}
	lookup, ok := s.lookups[tx.PaymentChain]
	if !ok {
		return VerificationRecipientMismatch, fmt.Sprintf("chain %s disabled", tx.PaymentChain)
	}

	result, err := lookup.LookupPayment(ctx, tx.PaymentTxID, chain.ReceivingAddress)
	if err != nil {
		log.Printf("⚠️ [verify] %s lookup failed for %s: %v", tx.PaymentChain, tx.PaymentTxID, err)
		outcome := VerificationTransientError
		metrics.PaymentVerifications.WithLabelValues(tx.PaymentChain, string(outcome)).Inc()
		return outcome, fmt.Sprintf("chain lookup failed: %v", err)
	}

	outcome, detail := s.judge(tx, &chain, result)
	metrics.PaymentVerifications.WithLabelValues(tx.PaymentChain, string(outcome)).Inc()
	return outcome, detail
}

func (s *PaymentVerificationService) judge(tx *models.Transaction, chain *config.ChainConfig, result *clients.PaymentLookup) (VerificationOutcome, string) {
	if !result.Found {
		return VerificationNotFound, "transaction not found on chain"
	}
	if !result.Success {
		return VerificationRecipientMismatch, "transaction reverted on chain"
	}
	if result.Confirmations < chain.RequiredConfirmations {
		return VerificationInsufficientConfirmations,
			fmt.Sprintf("%d/%d confirmations", result.Confirmations, chain.RequiredConfirmations)
	}

	token, ok := chain.Tokens[tx.PaymentToken]
	if !ok {
		return VerificationAmountMismatch, fmt.Sprintf("token %s not configured on %s", tx.PaymentToken, tx.PaymentChain)
	}

	// The payment must have landed on our receiving address.
	if result.Amount == nil || result.Amount.Sign() <= 0 {
		return VerificationRecipientMismatch, "no value received at the configured address"
	}
	if !strings.EqualFold(result.To, chain.ReceivingAddress) {
		return VerificationRecipientMismatch,
			fmt.Sprintf("payment went to %s, expected %s", result.To, chain.ReceivingAddress)
	}

	// Token contract must match the claimed token. Empty address on both
	// sides means the chain's native asset.
	if !strings.EqualFold(result.TokenAddress, token.Address) {
		return VerificationAmountMismatch,
			fmt.Sprintf("paid in %s, claimed %s", result.TokenAddress, tx.PaymentToken)
	}

	onChain := decimal.NewFromBigInt(result.Amount, -int32(token.Decimals))
	minimum := tx.AmountPaid.Mul(decimal.NewFromInt(1).Sub(amountTolerance))
	if onChain.LessThan(minimum) {
		return VerificationAmountMismatch,
			fmt.Sprintf("on-chain amount %s below claimed %s %s", onChain, tx.AmountPaid, tx.PaymentToken)
	}

	return VerificationVerified, ""
}
