package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CirxClient talks to a Circular Protocol NAG (Network Access Gateway).
// The NAG exposes one HTTP endpoint; the operation is selected with the
// cep query parameter.
type CirxClient struct {
	nagURL     string
	httpClient *http.Client
}

// NewCirxClient creates a new NAG client
func NewCirxClient(nagURL string) *CirxClient {
	return &CirxClient{
		nagURL: nagURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// nagResponse is the envelope every NAG call returns.
type nagResponse struct {
	Result   int             `json:"Result"`
	Response json.RawMessage `json:"Response"`
	ERROR    string          `json:"ERROR,omitempty"`
}

// CirxSubmission is the payload for submitting a signed CIRX transfer.
type CirxSubmission struct {
	From      string `json:"From"`
	To        string `json:"To"`
	Amount    string `json:"Amount"` // decimal string in CIRX
	Nonce     uint64 `json:"Nonce"`
	Timestamp string `json:"Timestamp"`
	Type      string `json:"Type"`
	Payload   string `json:"Payload,omitempty"`
	Signature string `json:"Signature"` // hex over the canonical fields
}

// CirxTxStatus is the NAG's view of a submitted transaction.
type CirxTxStatus struct {
	Found   bool
	Status  string // Pending, Executed, Rejected
	BlockID string
	TxID    string
}

func (c *CirxClient) call(ctx context.Context, cep string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal NAG payload: %w", err)
	}

	url := fmt.Sprintf("%s?cep=%s", c.nagURL, cep)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build NAG request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("NAG request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read NAG response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NAG returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	var envelope nagResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode NAG envelope: %w", err)
	}
	if envelope.Result != 200 {
		return fmt.Errorf("NAG error %d: %s", envelope.Result, envelope.ERROR)
	}
	if out != nil && len(envelope.Response) > 0 {
		if err := json.Unmarshal(envelope.Response, out); err != nil {
			return fmt.Errorf("decode NAG response: %w", err)
		}
	}
	return nil
}

// GetWalletNonce returns the next nonce for a CIRX account.
func (c *CirxClient) GetWalletNonce(ctx context.Context, address string) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"Nonce"`
	}
	err := c.call(ctx, "Circular_GetWalletNonce_", map[string]string{
		"Address": address,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

// GetWalletBalance returns the CIRX balance of an account as a decimal string.
func (c *CirxClient) GetWalletBalance(ctx context.Context, address string) (string, error) {
	var out struct {
		Balance string `json:"Balance"`
	}
	err := c.call(ctx, "Circular_GetWalletBalance_", map[string]string{
		"Address": address,
		"Asset":   "CIRX",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Balance, nil
}

// SubmitTransaction submits a signed transfer and returns the assigned tx id.
func (c *CirxClient) SubmitTransaction(ctx context.Context, sub *CirxSubmission) (string, error) {
	var out struct {
		TxID string `json:"TxID"`
	}
	if err := c.call(ctx, "Circular_AddTransaction_", sub, &out); err != nil {
		return "", err
	}
	if out.TxID == "" {
		return "", fmt.Errorf("NAG accepted transaction but returned no tx id")
	}
	return out.TxID, nil
}

// GetTransaction looks up a submitted transaction by id.
func (c *CirxClient) GetTransaction(ctx context.Context, txID string) (*CirxTxStatus, error) {
	var out struct {
		Status  string `json:"Status"`
		BlockID string `json:"BlockID"`
		ID      string `json:"ID"`
	}
	err := c.call(ctx, "Circular_GetTransactionbyID_", map[string]string{
		"ID": txID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Status == "" {
		return &CirxTxStatus{Found: false}, nil
	}
	return &CirxTxStatus{
		Found:   true,
		Status:  out.Status,
		BlockID: out.BlockID,
		TxID:    out.ID,
	}, nil
}
