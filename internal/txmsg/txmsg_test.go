package txmsg

import (
	"bytes"
	"testing"
)

func fill(b byte) [32]byte {
	var a [32]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func TestSerializeParseRoundTrip(t *testing.T) {
	feePayer := fill(0xAA)
	recipient := fill(0xBB)
	blockhash := fill(0xCC)

	msg := NativeTransfer(feePayer, recipient, 1000, blockhash)
	encoded := msg.Serialize()

	parsed, err := ParseMessage(encoded)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	reencoded := parsed.Serialize()
	if !bytes.Equal(encoded, reencoded) {
		t.Fatal("round trip produced different bytes")
	}
	if parsed.FeePayer() != feePayer {
		t.Fatal("fee payer mismatch after round trip")
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	feePayer := fill(0x01)
	recipient := fill(0x02)
	blockhash := fill(0x03)

	a := NativeTransfer(feePayer, recipient, 1000, blockhash).Serialize()
	b := NativeTransfer(feePayer, recipient, 1000, blockhash).Serialize()
	if !bytes.Equal(a, b) {
		t.Fatal("NativeTransfer is not deterministic for identical inputs")
	}
}

func TestSerializeDiffersOnBlockhashDrift(t *testing.T) {
	feePayer := fill(0x01)
	recipient := fill(0x02)

	a := NativeTransfer(feePayer, recipient, 1000, fill(0x03)).Serialize()
	b := NativeTransfer(feePayer, recipient, 1000, fill(0x04)).Serialize()
	if bytes.Equal(a, b) {
		t.Fatal("messages with different blockhashes must not serialize identically")
	}
}

func TestValidateFeePayerRejectsMismatch(t *testing.T) {
	feePayer := fill(0x01)
	recipient := fill(0x02)
	blockhash := fill(0x03)

	msg := NativeTransfer(feePayer, recipient, 1000, blockhash)
	if err := ValidateFeePayer(msg, fill(0x99)); err == nil {
		t.Fatal("expected ErrInvalidRequest for mismatched fee payer")
	}
	if err := ValidateFeePayer(msg, feePayer); err != nil {
		t.Fatalf("ValidateFeePayer: %v", err)
	}
}

func TestBuildTransactionPrependsSignatureCount(t *testing.T) {
	msg := NativeTransfer(fill(0x01), fill(0x02), 1000, fill(0x03))
	messageBytes := msg.Serialize()
	sig := bytes.Repeat([]byte{0x42}, 64)

	tx := BuildTransaction(sig, messageBytes)
	if tx[0] != 1 {
		t.Fatalf("signature count byte = %d, want 1", tx[0])
	}
	if !bytes.Equal(tx[1:65], sig) {
		t.Fatal("signature bytes not found at expected offset")
	}
	if !bytes.Equal(tx[65:], messageBytes) {
		t.Fatal("message bytes not found after signature")
	}
}

func TestCompactU16LargeAccountList(t *testing.T) {
	var buf bytes.Buffer
	writeCompactU16(&buf, 300)
	r := bytes.NewReader(buf.Bytes())
	n, err := readCompactU16(r)
	if err != nil {
		t.Fatalf("readCompactU16: %v", err)
	}
	if n != 300 {
		t.Fatalf("readCompactU16 = %d, want 300", n)
	}
}
