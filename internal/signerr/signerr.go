// Package signerr defines the typed error kinds the signer node service
// returns, and the HTTP status each maps to at the transport boundary. No
// caller should inspect error strings; match on Kind via errors.As.
package signerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the error categories the signer node service can
// return. Each maps to a fixed HTTP status and retry/security posture.
type Kind string

const (
	KeyNotFound             Kind = "KeyNotFound"
	SessionNotFound         Kind = "SessionNotFound"
	SessionAlreadyFinalized Kind = "SessionAlreadyFinalized"
	InvalidRequest          Kind = "InvalidRequest"
	MismatchMessages        Kind = "MismatchMessages"
	InvalidSignature        Kind = "InvalidSignature"
	DatabaseError           Kind = "DatabaseError"
	LedgerRpcError          Kind = "LedgerRpcError"
	IoError                 Kind = "IoError"
)

// Error is the typed error all signer node operations return on failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with a static message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, chaining cause for %w-style
// inspection. Message stays as given; Error() appends the cause's text.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsSecurityEvent reports whether kind indicates a peer-impersonation or
// corrupted-signature condition that must be logged as a security event and
// closes the session immediately, per the error handling design.
func IsSecurityEvent(kind Kind) bool {
	return kind == MismatchMessages || kind == InvalidSignature
}

// HTTPStatus maps an error returned anywhere in the signer node service to
// the HTTP status the transport layer should respond with. Errors that are
// not a *signerr.Error are treated as internal.
func HTTPStatus(err error) int {
	var se *Error
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Kind {
	case KeyNotFound, SessionNotFound:
		return http.StatusNotFound
	case SessionAlreadyFinalized:
		return http.StatusConflict
	case InvalidRequest, MismatchMessages:
		return http.StatusBadRequest
	case InvalidSignature:
		return http.StatusInternalServerError
	case DatabaseError, LedgerRpcError, IoError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
