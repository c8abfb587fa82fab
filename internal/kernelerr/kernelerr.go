// Package kernelerr defines the error-kind taxonomy shared across the
// vault, logger, license and server packages so the access server can map
// any kernel error to a wire response without a per-package type switch.
package kernelerr

import "errors"

// Kind names a category of expected failure. It is not an exhaustive Go
// error type hierarchy, just a label attached to sentinel errors via
// New and recovered later with KindOf.
type Kind string

const (
	KindNotInitialized Kind = "NotInitialized"
	KindAlreadyExists  Kind = "AlreadyExists"
	KindLocked         Kind = "Locked"
	KindInvalidPass    Kind = "InvalidPassword"
	KindNotFound       Kind = "NotFound"
	KindConflict       Kind = "Conflict"
	KindOutOfRange     Kind = "OutOfRange"
	KindCrypto         Kind = "CryptoError"
	KindLicense        Kind = "LicenseError"
	KindApprovalDenied Kind = "ApprovalDenied"
	KindTransport      Kind = "TransportError"
	KindIO             Kind = "IOError"
)

// kernelError pairs a sentinel error with its kind so callers can recover
// the kind after wrapping with fmt.Errorf("...: %w", err).
type kernelError struct {
	kind Kind
	err  error
}

func (e *kernelError) Error() string { return e.err.Error() }
func (e *kernelError) Unwrap() error { return e.err }

// New builds a sentinel error tagged with kind.
func New(kind Kind, message string) error {
	return &kernelError{kind: kind, err: errors.New(message)}
}

// KindOf walks err's Unwrap chain and returns the first kernelerr Kind
// found, or "" if none is present.
func KindOf(err error) Kind {
	var ke *kernelError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}
