package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaClient looks up payments on Solana via JSON-RPC.
type SolanaClient struct {
	endpoints []string
}

// NewSolanaClient creates a client over the given RPC endpoints
func NewSolanaClient(endpoints []string) *SolanaClient {
	return &SolanaClient{endpoints: endpoints}
}

// LookupPayment fetches a finalized transaction and reports the balance
// delta credited to receivingAddress, native (lamports) or SPL token.
func (c *SolanaClient) LookupPayment(ctx context.Context, signature, receivingAddress string) (*PaymentLookup, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	receiving, err := solana.PublicKeyFromBase58(receivingAddress)
	if err != nil {
		return nil, fmt.Errorf("parse receiving address: %w", err)
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		client := rpc.New(endpoint)
		lookup, err := c.lookupOn(ctx, client, sig, receiving)
		if err != nil {
			lastErr = err
			continue
		}
		return lookup, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no RPC endpoints configured for solana")
	}
	return nil, lastErr
}

func (c *SolanaClient) lookupOn(ctx context.Context, client *rpc.Client, sig solana.Signature, receiving solana.PublicKey) (*PaymentLookup, error) {
	maxVersion := uint64(0)
	out, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return &PaymentLookup{Found: false}, nil
		}
		return nil, fmt.Errorf("getTransaction: %w", err)
	}
	if out == nil || out.Meta == nil {
		return &PaymentLookup{Found: false}, nil
	}

	slot, err := client.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("getSlot: %w", err)
	}

	lookup := &PaymentLookup{
		Found:   true,
		Success: out.Meta.Err == nil,
		To:      receiving.String(),
	}
	if slot >= out.Slot {
		lookup.Confirmations = slot - out.Slot + 1
	}

	// SPL token leg first: compare pre/post token balances owned by the
	// receiving account.
	pre := make(map[uint16]*big.Int)
	for _, bal := range out.Meta.PreTokenBalances {
		if bal.Owner != nil && *bal.Owner == receiving {
			if amt, ok := new(big.Int).SetString(bal.UiTokenAmount.Amount, 10); ok {
				pre[bal.AccountIndex] = amt
			}
		}
	}
	for _, bal := range out.Meta.PostTokenBalances {
		if bal.Owner == nil || *bal.Owner != receiving {
			continue
		}
		post, ok := new(big.Int).SetString(bal.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		before := pre[bal.AccountIndex]
		if before == nil {
			before = big.NewInt(0)
		}
		delta := new(big.Int).Sub(post, before)
		if delta.Sign() > 0 {
			lookup.TokenAddress = bal.Mint.String()
			lookup.Amount = delta
			return lookup, nil
		}
	}

	// Native leg: lamport delta on the receiving account.
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	for i, key := range tx.Message.AccountKeys {
		if key != receiving {
			continue
		}
		if i < len(out.Meta.PreBalances) && i < len(out.Meta.PostBalances) {
			delta := new(big.Int).Sub(
				new(big.Int).SetUint64(out.Meta.PostBalances[i]),
				new(big.Int).SetUint64(out.Meta.PreBalances[i]),
			)
			if delta.Sign() > 0 {
				lookup.Amount = delta
			}
		}
		break
	}
	return lookup, nil
}
