package clients

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
const erc20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// PaymentLookup is the raw on-chain view of a candidate payment.
// Interpretation (amount tolerance, confirmation policy) happens in the
// verification service, not here.
type PaymentLookup struct {
	Found         bool
	Success       bool     // tx executed without revert
	Confirmations uint64
	To            string   // recipient of the value movement, lowercased
	TokenAddress  string   // empty for native transfers, lowercased
	Amount        *big.Int // raw units (wei / token base units)
}

// EVMClient looks up payments on one EVM chain. Endpoints are tried in
// order; the first healthy one wins.
type EVMClient struct {
	chain     string
	endpoints []string
}

// NewEVMClient creates a client for one configured EVM chain
func NewEVMClient(chain string, endpoints []string) *EVMClient {
	return &EVMClient{chain: chain, endpoints: endpoints}
}

func (c *EVMClient) dial(ctx context.Context) (*ethclient.Client, error) {
	var lastErr error
	for _, endpoint := range c.endpoints {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			log.Printf("⚠️ [%s] RPC dial failed for %s: %v", c.chain, endpoint, err)
			lastErr = err
			continue
		}
		return client, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no RPC endpoints configured for chain %s", c.chain)
	}
	return nil, lastErr
}

// LookupPayment fetches the receipt for txHash and extracts the payment
// leg relevant to the receiving address. Found=false means the transaction
// is not on chain (yet); errors mean the chain could not be asked.
func (c *EVMClient) LookupPayment(ctx context.Context, txHash, receivingAddress string) (*PaymentLookup, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	hash := common.HexToHash(txHash)
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return &PaymentLookup{Found: false}, nil
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}

	lookup := &PaymentLookup{
		Found:   true,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if head >= receipt.BlockNumber.Uint64() {
		lookup.Confirmations = head - receipt.BlockNumber.Uint64() + 1
	}

	receiving := common.HexToAddress(receivingAddress)

	// ERC-20 leg: a Transfer log into the receiving address.
	transferTopic := common.HexToHash(erc20TransferTopic)
	for _, entry := range receipt.Logs {
		if len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if to != receiving {
			continue
		}
		lookup.To = strings.ToLower(to.Hex())
		lookup.TokenAddress = strings.ToLower(entry.Address.Hex())
		lookup.Amount = new(big.Int).SetBytes(entry.Data)
		return lookup, nil
	}

	// Native leg: the transaction itself pays the receiving address.
	tx, _, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if tx.To() != nil {
		lookup.To = strings.ToLower(tx.To().Hex())
		lookup.Amount = tx.Value()
	}
	return lookup, nil
}
