package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cirx-backend/internal/clients"
	"cirx-backend/internal/config"
	"cirx-backend/internal/metrics"
	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
)

// DispatchOutcome classifies one transfer dispatch attempt.
type DispatchOutcome string

const (
	DispatchSubmitted         DispatchOutcome = "submitted"
	DispatchInsufficientFunds DispatchOutcome = "insufficient_funds"
	DispatchSigningFailed     DispatchOutcome = "signing_failed"
	DispatchTransientError    DispatchOutcome = "transient_error"
)

// IsTransient reports whether the dispatch should be retried. An empty
// treasury is transient: topping it up unblocks the queue.
func (o DispatchOutcome) IsTransient() bool {
	return o == DispatchTransientError || o == DispatchInsufficientFunds
}

// Swap types
const (
	SwapTypeLiquid = "liquid"
	SwapTypeOTC    = "otc"
)

// OTC discount tiers by USD value, checked highest first.
var discountTiers = []struct {
	MinUSD  decimal.Decimal
	Percent decimal.Decimal
}{
	{decimal.NewFromInt(50000), decimal.NewFromInt(12)},
	{decimal.NewFromInt(10000), decimal.NewFromInt(8)},
	{decimal.NewFromInt(1000), decimal.NewFromInt(5)},
}

// Quote is the priced view of a prospective swap.
type Quote struct {
	PaymentToken    string          `json:"payment_token"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	USDValue        decimal.Decimal `json:"usd_value"`
	SwapType        string          `json:"swap_type"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	CirxAmount      decimal.Decimal `json:"cirx_amount"`
	CirxRateUSD     decimal.Decimal `json:"cirx_rate_usd"`
}

// CirxTransferService prices swaps and dispatches CIRX transfers from
// the treasury.
type CirxTransferService struct {
	cirxClient *clients.CirxClient
	signer     *WalletSigner
	wallets    repository.WalletRepository
	cfg        config.CirxConfig
	prices     map[string]float64
}

// NewCirxTransferService creates a new dispatcher
func NewCirxTransferService(cirxClient *clients.CirxClient, signer *WalletSigner, wallets repository.WalletRepository, cfg config.CirxConfig, prices map[string]float64) *CirxTransferService {
	return &CirxTransferService{
		cirxClient: cirxClient,
		signer:     signer,
		wallets:    wallets,
		cfg:        cfg,
		prices:     prices,
	}
}

// CalculateQuote prices a payment: USD value via the configured token
// price, then the OTC discount tier adds bonus CIRX on top.
func (s *CirxTransferService) CalculateQuote(token string, amountPaid decimal.Decimal) (*Quote, error) {
	price, ok := s.prices[token]
	if !ok {
		return nil, fmt.Errorf("no USD price configured for token %s", token)
	}
	if amountPaid.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be positive")
	}

	rate := decimal.NewFromFloat(s.cfg.BaseRateUSD)
	usdValue := amountPaid.Mul(decimal.NewFromFloat(price))
	cirxAmount := usdValue.Div(rate)

	quote := &Quote{
		PaymentToken: token,
		AmountPaid:   amountPaid,
		USDValue:     usdValue,
		SwapType:     SwapTypeLiquid,
		CirxRateUSD:  rate,
	}

	// Below the configured OTC floor the swap stays liquid regardless
	// of the tier table. A zero floor leaves the tiers in charge.
	otcFloor := decimal.NewFromFloat(s.cfg.OTCDiscountMinimumUSD)
	if otcFloor.IsZero() || usdValue.GreaterThanOrEqual(otcFloor) {
		for _, tier := range discountTiers {
			if usdValue.GreaterThanOrEqual(tier.MinUSD) {
				quote.SwapType = SwapTypeOTC
				quote.DiscountPercent = tier.Percent
				bonus := tier.Percent.Div(decimal.NewFromInt(100))
				cirxAmount = cirxAmount.Mul(decimal.NewFromInt(1).Add(bonus))
				break
			}
		}
	}

	quote.CirxAmount = cirxAmount.Round(18)
	return quote, nil
}

// Dispatch submits the CIRX transfer for a verified swap. The returned
// tx id is only set for DispatchSubmitted.
func (s *CirxTransferService) Dispatch(ctx context.Context, tx *models.Transaction) (DispatchOutcome, string, string) {
	// An earlier attempt may already have broadcast. Never sign or
	// submit again for a transaction that carries a tx id; report the
	// existing broadcast so the caller moves on to finality polling.
	if tx.CirxTransferTxID != "" {
		log.Printf("↩️ [dispatch] %s already broadcast as %s, skipping submit", tx.ID, tx.CirxTransferTxID)
		return DispatchSubmitted, tx.CirxTransferTxID, ""
	}

	wallet, err := s.wallets.GetActiveByChain(ctx, "cirx")
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			outcome := DispatchSigningFailed
			metrics.CirxDispatchOutcomes.WithLabelValues(string(outcome)).Inc()
			return outcome, "", "no active treasury wallet"
		}
		metrics.CirxDispatchOutcomes.WithLabelValues(string(DispatchTransientError)).Inc()
		return DispatchTransientError, "", fmt.Sprintf("load treasury wallet: %v", err)
	}

	balanceStr, err := s.cirxClient.GetWalletBalance(ctx, wallet.Address)
	if err != nil {
		metrics.CirxDispatchOutcomes.WithLabelValues(string(DispatchTransientError)).Inc()
		return DispatchTransientError, "", fmt.Sprintf("fetch treasury balance: %v", err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		metrics.CirxDispatchOutcomes.WithLabelValues(string(DispatchTransientError)).Inc()
		return DispatchTransientError, "", fmt.Sprintf("parse treasury balance %q: %v", balanceStr, err)
	}
	bal, _ := balance.Float64()
	metrics.TreasuryBalance.WithLabelValues(wallet.Address).Set(bal)

	if balance.LessThan(tx.CirxAmount) {
		outcome := DispatchInsufficientFunds
		metrics.CirxDispatchOutcomes.WithLabelValues(string(outcome)).Inc()
		log.Printf("⚠️ [dispatch] treasury %s holds %s CIRX, need %s for %s",
			wallet.Address, balance, tx.CirxAmount, tx.ID)
		return outcome, "", fmt.Sprintf("treasury balance %s below %s", balance, tx.CirxAmount)
	}

	nonce, err := s.cirxClient.GetWalletNonce(ctx, wallet.Address)
	if err != nil {
		metrics.CirxDispatchOutcomes.WithLabelValues(string(DispatchTransientError)).Inc()
		return DispatchTransientError, "", fmt.Sprintf("fetch nonce: %v", err)
	}

	sub := &clients.CirxSubmission{
		From:      wallet.Address,
		To:        tx.CirxRecipientAddress,
		Amount:    tx.CirxAmount.String(),
		Nonce:     nonce,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      "C_TYPE_COIN",
	}
	if err := s.signer.SignSubmission(wallet, sub); err != nil {
		outcome := DispatchSigningFailed
		metrics.CirxDispatchOutcomes.WithLabelValues(string(outcome)).Inc()
		return outcome, "", fmt.Sprintf("sign transfer: %v", err)
	}

	txID, err := s.cirxClient.SubmitTransaction(ctx, sub)
	if err != nil {
		metrics.CirxDispatchOutcomes.WithLabelValues(string(DispatchTransientError)).Inc()
		return DispatchTransientError, "", fmt.Sprintf("submit transfer: %v", err)
	}

	if err := s.wallets.TouchLastUsed(ctx, wallet.ID); err != nil {
		log.Printf("⚠️ [dispatch] touch wallet %s failed: %v", wallet.ID, err)
	}

	metrics.CirxTransfersSubmitted.Inc()
	metrics.CirxDispatchOutcomes.WithLabelValues(string(DispatchSubmitted)).Inc()
	log.Printf("✅ [dispatch] submitted %s CIRX to %s, tx %s", tx.CirxAmount, tx.CirxRecipientAddress, txID)
	return DispatchSubmitted, txID, ""
}

// CheckFinality asks the NAG about a submitted transfer.
// finalized and rejected are mutually exclusive; both false means the
// transfer is still pending.
func (s *CirxTransferService) CheckFinality(ctx context.Context, cirxTxID string) (finalized, rejected bool, err error) {
	status, err := s.cirxClient.GetTransaction(ctx, cirxTxID)
	if err != nil {
		return false, false, err
	}
	if !status.Found {
		return false, false, nil
	}
	switch status.Status {
	case "Executed":
		return true, false, nil
	case "Rejected":
		return false, true, nil
	default:
		return false, false, nil
	}
}
