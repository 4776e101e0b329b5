// Package ledger talks to the target chain's JSON-RPC endpoint: fetching a
// recent blockhash for transaction construction and submitting signed
// transactions with bounded retry on transient network errors.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/solace-custody/musig-signerd/pkg/logging"
)

// ErrSubmissionFailed wraps a terminal (non-retriable) submission error, such
// as a ledger-level transaction rejection.
type ErrSubmissionFailed struct {
	Reason string
}

func (e *ErrSubmissionFailed) Error() string {
	return fmt.Sprintf("ledger: submission failed: %s", e.Reason)
}

// Submitter fetches recent blockhashes and broadcasts signed transactions
// against a single JSON-RPC endpoint.
type Submitter struct {
	rpcURL     string
	httpClient *http.Client
	log        *logging.Logger

	cacheTTL time.Duration
	mu       sync.Mutex
	cached   [32]byte
	cachedAt time.Time
}

// New builds a Submitter against rpcURL, caching the latest blockhash for up
// to cacheTTL to avoid stampeding the RPC endpoint under concurrent step1s.
func New(rpcURL string, cacheTTL time.Duration) *Submitter {
	return &Submitter{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logging.GetDefault().Component("ledger"),
		cacheTTL:   cacheTTL,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Submitter) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &ErrSubmissionFailed{Reason: rpcResp.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("ledger: unmarshal result for %s: %w", method, err)
		}
	}
	return nil
}

type blockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// LatestBlockhash returns a recent blockhash, cached for up to cacheTTL to
// avoid stampeding the RPC endpoint when many step1 calls land together.
func (s *Submitter) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	s.mu.Lock()
	if s.cacheTTL > 0 && time.Since(s.cachedAt) < s.cacheTTL {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	var result blockhashResult
	if err := s.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return [32]byte{}, fmt.Errorf("ledger: getLatestBlockhash: %w", err)
	}

	decoded := base58.Decode(result.Value.Blockhash)
	if len(decoded) != 32 {
		return [32]byte{}, fmt.Errorf("ledger: unexpected blockhash length %d", len(decoded))
	}
	var hash [32]byte
	copy(hash[:], decoded)

	s.mu.Lock()
	s.cached = hash
	s.cachedAt = time.Now()
	s.mu.Unlock()

	return hash, nil
}

// backoffSchedule mirrors the node's retry worker: 1s, 2s, 4s, ... capped at
// 30s, since a signature is only valid to submit once the blockhash it was
// built against is still recent.
func backoffSchedule(attempt int) time.Duration {
	base := time.Second
	max := 30 * time.Second
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}

// SendAndConfirm broadcasts a signed transaction, retrying transient network
// errors with exponential backoff capped at 30s. Ledger-level rejections
// (malformed transaction, failed simulation) are bubbled as
// ErrSubmissionFailed without retry.
func (s *Submitter) SendAndConfirm(ctx context.Context, txBytes []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(txBytes)
	params := []interface{}{encoded, map[string]string{"encoding": "base64"}}

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var sig string
		err := s.call(ctx, "sendTransaction", params, &sig)
		if err == nil {
			return sig, nil
		}
		if _, terminal := err.(*ErrSubmissionFailed); terminal {
			return "", err
		}

		lastErr = err
		wait := backoffSchedule(attempt)
		s.log.Warn("transient ledger submission error, retrying", "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("ledger: send_and_confirm exhausted retries: %w", lastErr)
}
