package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/virtualvasu/saferoads-filecoin/pkg/utils"
)

// HTTPClient speaks JSON-RPC 2.0 to one or more ledger endpoints. It rotates
// across endpoints, guarded by a token-bucket and a per-endpoint circuit-breaker.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	contract  *Contract

	receiptPoll time.Duration
	gasHeadroom uint64 // percent added on top of eth_estimateGas
	reqID       atomic.Uint64

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Contract        string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	ReceiptPoll     time.Duration
	GasHeadroom     uint64
	HTTPClient      *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) (*HTTPClient, error) {
	contract, err := NewContract(o.Contract)
	if err != nil {
		return nil, err
	}
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.ReceiptPoll <= 0 {
		o.ReceiptPoll = 2 * time.Second
	}
	if o.GasHeadroom == 0 {
		o.GasHeadroom = 25
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		contract:         contract,
		receiptPoll:      o.ReceiptPoll,
		gasHeadroom:      o.GasHeadroom,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c, nil
}

// refill refills the token-bucket with new tokens if necessary.
func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire takes a token from the bucket, blocking until one is available or ctx ends.
func (c *HTTPClient) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.AddInt64(&c.tokens, -1) >= 0 {
			return nil
		}
		atomic.AddInt64(&c.tokens, 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// isOpen returns true if the endpoint's breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the breaker once the threshold is reached.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// call performs one JSON-RPC request, trying each endpoint whose breaker is closed.
// Transport failures rotate to the next endpoint and come back as ErrNetwork or ErrTimeout.
// A JSON-RPC error object is the ledger's answer and is returned as *RPCError without rotation.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrNetwork)
	}
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.reqID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}

	var lastErr error
	for _, ep := range c.endpoints {
		if c.isOpen(ep) {
			continue
		}
		if err := c.acquire(ctx); err != nil {
			return classifyTransport(err)
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = classifyTransport(err)
			c.noteFailure(ep)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: %s: server %d", ErrNetwork, method, resp.StatusCode)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("%w: %s: http %d", ErrNetwork, method, resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		var envelope rpcResponse
		decErr := json.NewDecoder(resp.Body).Decode(&envelope)
		_ = utils.DrainAndClose(resp.Body)
		if decErr != nil {
			lastErr = classifyTransport(fmt.Errorf("%s: decode response: %w", method, decErr))
			continue
		}
		c.noteSuccess(ep)

		if envelope.Error != nil {
			return envelope.Error
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Result, out); err != nil {
				return fmt.Errorf("%w: %s result: %w", ErrDecode, method, err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all endpoints unavailable", ErrNetwork)
	}
	return lastErr
}
