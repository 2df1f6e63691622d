package services

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"cirx-backend/internal/clients"
	"cirx-backend/internal/config"
	"cirx-backend/internal/models"
)

const (
	receivingAddr = "0x1111111111111111111111111111111111111111"
	usdcContract  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
)

type stubLookup struct {
	result *clients.PaymentLookup
	err    error
}

func (s *stubLookup) LookupPayment(ctx context.Context, txID, receivingAddress string) (*clients.PaymentLookup, error) {
	return s.result, s.err
}

func verificationService(stub *stubLookup) *PaymentVerificationService {
	return &PaymentVerificationService{
		chains: map[string]config.ChainConfig{
			"ethereum": {
				Name:                  "Ethereum",
				Enabled:               true,
				ReceivingAddress:      receivingAddr,
				RequiredConfirmations: 12,
				Tokens: map[string]config.TokenConfig{
					"ETH":  {Decimals: 18},
					"USDC": {Address: usdcContract, Decimals: 6},
				},
			},
		},
		lookups: map[string]chainLookup{"ethereum": stub},
	}
}

// rawUnits converts a human amount to chain base units, symmetric with
// the conversion verification does on the way back.
func rawUnits(amount decimal.Decimal, decimals int) *big.Int {
	return amount.Shift(int32(decimals)).BigInt()
}

func usdcTx(amount string) *models.Transaction {
	return &models.Transaction{
		ID:           "tx-1",
		PaymentTxID:  "0xabc",
		PaymentChain: "ethereum",
		PaymentToken: "USDC",
		AmountPaid:   decimal.RequireFromString(amount),
	}
}

func TestVerifyPayment(t *testing.T) {
	tests := []struct {
		name   string
		tx     *models.Transaction
		lookup *clients.PaymentLookup
		err    error
		want   VerificationOutcome
	}{
		{
			name: "verified exact amount",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 20,
				To:            receivingAddr,
				TokenAddress:  usdcContract,
				Amount:        rawUnits(decimal.NewFromInt(100), 6),
			},
			want: VerificationVerified,
		},
		{
			name: "verified within undershoot tolerance",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 20,
				To:            receivingAddr,
				TokenAddress:  usdcContract,
				Amount:        rawUnits(decimal.RequireFromString("99.95"), 6),
			},
			want: VerificationVerified,
		},
		{
			name:   "not found",
			tx:     usdcTx("100"),
			lookup: &clients.PaymentLookup{Found: false},
			want:   VerificationNotFound,
		},
		{
			name: "reverted transaction",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:   true,
				Success: false,
			},
			want: VerificationRecipientMismatch,
		},
		{
			name: "insufficient confirmations",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 3,
				To:            receivingAddr,
				TokenAddress:  usdcContract,
				Amount:        rawUnits(decimal.NewFromInt(100), 6),
			},
			want: VerificationInsufficientConfirmations,
		},
		{
			name: "wrong recipient",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 20,
				To:            "0x2222222222222222222222222222222222222222",
				TokenAddress:  usdcContract,
				Amount:        rawUnits(decimal.NewFromInt(100), 6),
			},
			want: VerificationRecipientMismatch,
		},
		{
			name: "wrong token contract",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 20,
				To:            receivingAddr,
				TokenAddress:  "0x3333333333333333333333333333333333333333",
				Amount:        rawUnits(decimal.NewFromInt(100), 6),
			},
			want: VerificationAmountMismatch,
		},
		{
			name: "amount undershoot beyond tolerance",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 20,
				To:            receivingAddr,
				TokenAddress:  usdcContract,
				Amount:        rawUnits(decimal.NewFromInt(80), 6),
			},
			want: VerificationAmountMismatch,
		},
		{
			name:   "rpc error is transient",
			tx:     usdcTx("100"),
			lookup: nil,
			err:    errors.New("connection refused"),
			want:   VerificationTransientError,
		},
		{
			name: "zero value payment",
			tx:   usdcTx("100"),
			lookup: &clients.PaymentLookup{
				Found:         true,
				Success:       true,
				Confirmations: 20,
				To:            receivingAddr,
				TokenAddress:  usdcContract,
				Amount:        big.NewInt(0),
			},
			want: VerificationRecipientMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := verificationService(&stubLookup{result: tt.lookup, err: tt.err})
			got, detail := svc.VerifyPayment(context.Background(), tt.tx)
			if got != tt.want {
				t.Errorf("VerifyPayment() = %s (%s), want %s", got, detail, tt.want)
			}
		})
	}
}

func TestVerifyNativePayment(t *testing.T) {
	// Native ETH legs carry an empty token address on both sides.
	svc := verificationService(&stubLookup{result: &clients.PaymentLookup{
		Found:         true,
		Success:       true,
		Confirmations: 20,
		To:            receivingAddr,
		TokenAddress:  "",
		Amount:        rawUnits(decimal.RequireFromString("1.5"), 18),
	}})

	tx := usdcTx("1.5")
	tx.PaymentToken = "ETH"
	got, detail := svc.VerifyPayment(context.Background(), tx)
	if got != VerificationVerified {
		t.Errorf("VerifyPayment() = %s (%s), want verified", got, detail)
	}
}

func TestVerificationOutcomeIsTransient(t *testing.T) {
	tests := []struct {
		outcome VerificationOutcome
		want    bool
	}{
		{VerificationVerified, false},
		{VerificationNotFound, true},
		{VerificationInsufficientConfirmations, true},
		{VerificationAmountMismatch, false},
		{VerificationRecipientMismatch, false},
		{VerificationTransientError, true},
	}
	for _, tt := range tests {
		if got := tt.outcome.IsTransient(); got != tt.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}
