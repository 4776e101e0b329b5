package protocol

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// EncodeBase58 encodes raw bytes (a curve point or signature) for the JSON
// wire boundary.
func EncodeBase58(b []byte) string {
	return base58.Encode(b)
}

// DecodeBase58 decodes a base58 wire string back to raw bytes.
func DecodeBase58(s string) ([]byte, error) {
	decoded := base58.Decode(s)
	if len(decoded) == 0 && s != "" {
		return nil, fmt.Errorf("protocol: invalid base58 string %q", s)
	}
	return decoded, nil
}
