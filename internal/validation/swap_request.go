package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"cirx-backend/internal/config"
)

// SwapRequest is the inbound payload for creating a swap.
type SwapRequest struct {
	PaymentTxID          string          `json:"payment_tx_id" binding:"required"`
	PaymentChain         string          `json:"payment_chain" binding:"required"`
	PaymentToken         string          `json:"payment_token" binding:"required"`
	AmountPaid           decimal.Decimal `json:"amount_paid" binding:"required"`
	CirxRecipientAddress string          `json:"cirx_recipient_address" binding:"required"`
	SenderAddress        string          `json:"sender_address"`
}

// ErrBodyRequired is returned for a missing request body. It is a
// request-level error, not a field error.
var ErrBodyRequired = errors.New("Request body is required")

// FieldErrors maps each invalid field to its first violation. A request
// with several bad fields reports all of them in one pass, one message
// per field.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+e[f])
	}
	return strings.Join(parts, "; ")
}

var (
	evmTxHashRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	// Circular Protocol account: 0x followed by 64 hex characters.
	cirxAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// evmChains use 32-byte hex tx hashes and 20-byte hex addresses.
var evmChains = map[string]bool{
	"ethereum": true,
	"polygon":  true,
	"bsc":      true,
}

// Validator checks swap requests against the configured chain set.
type Validator struct {
	chains map[string]config.ChainConfig
}

func NewValidator(chains map[string]config.ChainConfig) *Validator {
	return &Validator{chains: chains}
}

// Validate checks every field and returns a FieldErrors naming each
// violation, or nil for a valid request. A nil request yields
// ErrBodyRequired instead of a field map.
func (v *Validator) Validate(req *SwapRequest) error {
	if req == nil {
		return ErrBodyRequired
	}

	errs := FieldErrors{}
	chain := strings.ToLower(strings.TrimSpace(req.PaymentChain))
	token := strings.ToUpper(strings.TrimSpace(req.PaymentToken))

	chainCfg, chainOK := v.chains[chain]
	chainOK = chainOK && chainCfg.Enabled
	if !chainOK {
		errs["payment_chain"] = fmt.Sprintf("unsupported chain %q", req.PaymentChain)
	}

	if token == "" {
		errs["payment_token"] = "payment token is required"
	} else if chainOK {
		if _, ok := chainCfg.Tokens[token]; !ok {
			errs["payment_token"] = fmt.Sprintf("token %q not accepted on %s", req.PaymentToken, chain)
		}
	}

	if msg := validateTxID(req.PaymentTxID); msg != "" {
		errs["payment_tx_id"] = msg
	}

	if req.AmountPaid.LessThanOrEqual(decimal.Zero) {
		errs["amount_paid"] = "amount must be greater than zero"
	}

	if msg := validateRecipient(req.CirxRecipientAddress); msg != "" {
		errs["cirx_recipient_address"] = msg
	}

	if req.SenderAddress != "" && chainOK {
		if msg := validateSender(chain, req.SenderAddress); msg != "" {
			errs["sender_address"] = msg
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateTxID is prefix-driven: a 0x string must be an EVM 32-byte
// hash, anything else must be a Solana base58 signature of 87-88
// characters.
func validateTxID(txID string) string {
	if txID == "" {
		return "payment transaction id is required"
	}
	if strings.HasPrefix(txID, "0x") {
		if !evmTxHashRe.MatchString(txID) {
			return "must be 0x followed by 64 hex characters"
		}
		return ""
	}
	if len(txID) < 87 || len(txID) > 88 {
		return "must be a base58 signature of 87-88 characters"
	}
	if _, err := base58.Decode(txID); err != nil {
		return "not valid base58"
	}
	return ""
}

// validateRecipient accepts the three address shapes CIRX transfers
// target: an EVM 40-hex address, the 64-hex protocol account variant,
// or a base58 Solana address of 32-44 characters.
func validateRecipient(addr string) string {
	if addr == "" {
		return "recipient address is required"
	}
	if strings.HasPrefix(addr, "0x") {
		if evmAddressRe.MatchString(addr) || cirxAddressRe.MatchString(addr) {
			return ""
		}
		return "must be 0x followed by 40 or 64 hex characters"
	}
	if len(addr) < 32 || len(addr) > 44 {
		return "must be a base58 address of 32-44 characters"
	}
	if _, err := base58.Decode(addr); err != nil {
		return "not valid base58"
	}
	return ""
}

func validateSender(chain, addr string) string {
	if evmChains[chain] {
		if !evmAddressRe.MatchString(addr) {
			return "must be a 20-byte hex address"
		}
		return ""
	}
	if chain == "solana" {
		decoded, err := base58.Decode(addr)
		if err != nil || len(decoded) != 32 {
			return "must be a base58 32-byte public key"
		}
	}
	return ""
}

// Normalize canonicalizes chain and token fields in place.
func (req *SwapRequest) Normalize() {
	req.PaymentChain = strings.ToLower(strings.TrimSpace(req.PaymentChain))
	req.PaymentToken = strings.ToUpper(strings.TrimSpace(req.PaymentToken))
	req.PaymentTxID = strings.TrimSpace(req.PaymentTxID)
	req.CirxRecipientAddress = strings.TrimSpace(req.CirxRecipientAddress)
	req.SenderAddress = strings.TrimSpace(req.SenderAddress)
}
