package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

func jsonRPCServer(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, errMsg := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
		if errMsg != nil {
			resp["error"] = map[string]interface{}{"code": -1, "message": *errMsg}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestLatestBlockhashCaches(t *testing.T) {
	calls := 0
	hash := base58.Encode(make([]byte, 32))
	srv := jsonRPCServer(t, func(method string, _ json.RawMessage) (interface{}, *string) {
		calls++
		return map[string]interface{}{"value": map[string]string{"blockhash": hash}}, nil
	})
	defer srv.Close()

	s := New(srv.URL, time.Minute)
	ctx := context.Background()

	if _, err := s.LatestBlockhash(ctx); err != nil {
		t.Fatalf("LatestBlockhash: %v", err)
	}
	if _, err := s.LatestBlockhash(ctx); err != nil {
		t.Fatalf("LatestBlockhash: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached second call, RPC invoked %d times", calls)
	}
}

func TestSendAndConfirmReturnsSignature(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, _ json.RawMessage) (interface{}, *string) {
		return "5VERYfakeSignature", nil
	})
	defer srv.Close()

	s := New(srv.URL, time.Second)
	sig, err := s.SendAndConfirm(context.Background(), []byte("tx bytes"))
	if err != nil {
		t.Fatalf("SendAndConfirm: %v", err)
	}
	if sig != "5VERYfakeSignature" {
		t.Fatalf("sig = %s, want 5VERYfakeSignature", sig)
	}
}

func TestSendAndConfirmBubblesTerminalError(t *testing.T) {
	msg := "transaction simulation failed"
	srv := jsonRPCServer(t, func(method string, _ json.RawMessage) (interface{}, *string) {
		return nil, &msg
	})
	defer srv.Close()

	s := New(srv.URL, time.Second)
	_, err := s.SendAndConfirm(context.Background(), []byte("tx bytes"))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ErrSubmissionFailed); !ok {
		t.Fatalf("error type = %T, want *ErrSubmissionFailed", err)
	}
}

func TestBackoffScheduleCapsAt30s(t *testing.T) {
	if d := backoffSchedule(0); d != time.Second {
		t.Errorf("backoffSchedule(0) = %v, want 1s", d)
	}
	if d := backoffSchedule(10); d != 30*time.Second {
		t.Errorf("backoffSchedule(10) = %v, want 30s cap", d)
	}
}
