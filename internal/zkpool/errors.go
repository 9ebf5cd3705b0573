package zkpool

import (
	"errors"
	"fmt"
)

// ErrorKind tags a transfer failure so the escrow engine can decide whether
// to retry. The client itself never retries.
type ErrorKind string

const (
	ErrKindNetwork             ErrorKind = "network"
	ErrKindRateLimit           ErrorKind = "rate-limit"
	ErrKindInsufficientBalance ErrorKind = "insufficient-balance"
	ErrKindBelowMinimum        ErrorKind = "below-minimum"
	ErrKindInvalidProof        ErrorKind = "invalid-proof"
)

// TransferError is the tagged result of a failed backend operation.
type TransferError struct {
	Kind    ErrorKind
	Message string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("zkpool %s: %s", e.Kind, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *TransferError) Transient() bool {
	return e.Kind == ErrKindNetwork || e.Kind == ErrKindRateLimit
}

// IsTransient reports whether err is a transfer error worth retrying.
// Unknown errors are treated as transient; a lost response must not be
// mistaken for a permanent rejection.
func IsTransient(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Transient()
	}
	return true
}
