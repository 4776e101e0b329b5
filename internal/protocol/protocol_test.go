package protocol

import (
	"encoding/json"
	"testing"

	"github.com/solace-custody/musig-signerd/internal/curve"
)

// identityEncoding is the canonical encoding of the curve identity point,
// order 1, which divides the cofactor 8 and must be rejected as small-order.
var identityEncoding = append([]byte{1}, make([]byte, 31)...)

func validWire(t *testing.T) aggMessage1Wire {
	t.Helper()
	g := curve.NewGeneratorPoint()
	return aggMessage1Wire{
		Sender: EncodeBase58(g.Bytes()),
		R1:     EncodeBase58(g.Bytes()),
		R2:     EncodeBase58(g.Bytes()),
	}
}

func TestAggMessage1UnmarshalAcceptsWellFormed(t *testing.T) {
	raw, err := json.Marshal(validWire(t))
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}
	var m AggMessage1
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}

func TestAggMessage1UnmarshalRejectsSmallOrderSender(t *testing.T) {
	w := validWire(t)
	w.Sender = EncodeBase58(identityEncoding)
	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}

	var m AggMessage1
	if err := json.Unmarshal(raw, &m); err == nil {
		t.Fatal("expected error decoding small-order sender, got nil")
	}
	if m.Sender != nil {
		t.Fatal("Sender must stay unset after a failed decode, never reaching key aggregation")
	}
}

func TestAggMessage1UnmarshalRejectsSmallOrderNonce(t *testing.T) {
	w := validWire(t)
	w.R1 = EncodeBase58(identityEncoding)
	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}

	var m AggMessage1
	if err := json.Unmarshal(raw, &m); err == nil {
		t.Fatal("expected error decoding small-order nonce, got nil")
	}
}

func TestAggMessage1UnmarshalRejectsBadBase58(t *testing.T) {
	w := validWire(t)
	w.Sender = "not-valid-base58-!!!"
	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}

	var m AggMessage1
	if err := json.Unmarshal(raw, &m); err == nil {
		t.Fatal("expected error decoding malformed base58 sender, got nil")
	}
}
