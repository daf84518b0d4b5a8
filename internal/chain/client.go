package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/failsafe-go/failsafe-go"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/pkg/clients"
	"github.com/meridianpool/treasury/pkg/logging"
)

// Receipt is the subset of an EVM transaction receipt the verifier
// needs. Status "0x1" means success.
type Receipt struct {
	Status      string       `json:"status"`
	BlockNumber string       `json:"blockNumber"`
	Logs        []ReceiptLog `json:"logs"`
}

// ReceiptLog is one event emitted by the transaction.
type ReceiptLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// RPCClient talks JSON-RPC to one EVM node. Calls run through a failsafe
// executor so transient node hiccups retry with backoff instead of
// failing the reconciliation pass.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

func NewRPCClient(endpoint string, logger logging.Logger) *RPCClient {
	return &RPCClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries:         2,
			BaseDelay:          200 * time.Millisecond,
			MaxDelay:           3 * time.Second,
			WithCircuitBreaker: true,
		}),
		logger: logger,
	}
}

// GetTransactionReceipt fetches the receipt for a transaction hash.
// Returns (nil, nil) when the transaction is not mined yet.
func (c *RPCClient) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var result struct {
		Result *Receipt `json:"result"`
		Error  *rpcErr  `json:"error"`
	}
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%w: rpc error %d: %s", ledger.ErrExternalService, result.Error.Code, result.Error.Message)
	}
	return result.Result, nil
}

// BlockNumber fetches the current chain head.
func (c *RPCClient) BlockNumber(ctx context.Context) (int64, error) {
	var result struct {
		Result string  `json:"result"`
		Error  *rpcErr `json:"error"`
	}
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &result); err != nil {
		return 0, err
	}
	if result.Error != nil {
		return 0, fmt.Errorf("%w: rpc error %d: %s", ledger.ErrExternalService, result.Error.Code, result.Error.Message)
	}
	block, err := hexutil.DecodeUint64(result.Result)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed block number %q", ledger.ErrExternalService, result.Result)
	}
	return int64(block), nil
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		c.logger.WithError(err).WithField("method", method).Warn("RPC call failed")
		return fmt.Errorf("%w: %s failed: %v", ledger.ErrExternalService, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned HTTP %d", ledger.ErrExternalService, method, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read rpc response: %v", ledger.ErrExternalService, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to decode rpc response: %v", ledger.ErrExternalService, err)
	}
	return nil
}
