// Package protocol holds the wire-level types shared between the session
// store, the signer node service, and the HTTP transport: the round-1
// broadcast message and the tagged signing-intent sum type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/solace-custody/musig-signerd/internal/curve"
	"github.com/solace-custody/musig-signerd/internal/musig2"
)

// AggMessage1 is the message each signer broadcasts in round 1: its static
// public key and its round-1 public nonces.
type AggMessage1 struct {
	Sender       *curve.Point
	PublicNonces musig2.PublicNonces
}

// aggMessage1Wire is the base58-at-the-boundary JSON encoding of AggMessage1.
type aggMessage1Wire struct {
	Sender string `json:"sender"`
	R1     string `json:"r1"`
	R2     string `json:"r2"`
}

// MarshalJSON encodes Sender, R1, R2 as base58 strings.
func (m AggMessage1) MarshalJSON() ([]byte, error) {
	return json.Marshal(aggMessage1Wire{
		Sender: EncodeBase58(m.Sender.Bytes()),
		R1:     EncodeBase58(m.PublicNonces.R1.Bytes()),
		R2:     EncodeBase58(m.PublicNonces.R2.Bytes()),
	})
}

// UnmarshalJSON decodes an AggMessage1 from its base58-string wire form,
// rejecting non-canonical or small-order points at the boundary.
func (m *AggMessage1) UnmarshalJSON(b []byte) error {
	var w aggMessage1Wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	senderBytes, err := DecodeBase58(w.Sender)
	if err != nil {
		return fmt.Errorf("protocol: sender: %w", err)
	}
	sender, err := curve.DecodePoint(senderBytes)
	if err != nil {
		return fmt.Errorf("protocol: sender: %w", err)
	}
	r1Bytes, err := DecodeBase58(w.R1)
	if err != nil {
		return fmt.Errorf("protocol: r1: %w", err)
	}
	r2Bytes, err := DecodeBase58(w.R2)
	if err != nil {
		return fmt.Errorf("protocol: r2: %w", err)
	}
	nonces, err := musig2.DecodePublicNonces(append(append([]byte{}, r1Bytes...), r2Bytes...))
	if err != nil {
		return fmt.Errorf("protocol: public nonces: %w", err)
	}

	m.Sender = sender
	m.PublicNonces = nonces
	return nil
}

// IntentKind discriminates the two SigningIntent variants.
type IntentKind string

const (
	IntentNativeTransfer    IntentKind = "native_transfer"
	IntentPrebuiltTransaction IntentKind = "prebuilt_transaction"
)

// SigningIntent is the caller-provided description of what is to be signed,
// fixed at step1 and immutable thereafter. Exactly one of the payload fields
// is populated, selected by Kind.
type SigningIntent struct {
	Kind IntentKind `json:"kind"`

	// Populated when Kind == IntentNativeTransfer.
	To      string `json:"to,omitempty"`
	Lamports uint64 `json:"lamports,omitempty"`
	Memo    string `json:"memo,omitempty"`

	// Populated when Kind == IntentPrebuiltTransaction.
	RawTransaction []byte `json:"raw_transaction,omitempty"`
}
