package sessionstore

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by the session and key-share stores, mapped onto
// HTTP status codes at the RPC boundary.
var (
	ErrKeyNotFound             = errors.New("sessionstore: key share not found")
	ErrKeyAlreadyExists        = errors.New("sessionstore: key share already exists")
	ErrSessionNotFound         = errors.New("sessionstore: session not found or expired")
	ErrSessionAlreadyFinalized = errors.New("sessionstore: session already finalized")
	ErrSessionAlreadyExists    = errors.New("sessionstore: session id already exists")
)

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
