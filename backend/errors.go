package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when caller-supplied parameters are
	// malformed. It is raised before any external call is made.
	ErrInvalidInput = errors.New("invalid input")

	// ErrExternal is returned when the toolkit process or the secrets engine
	// could not be invoked or returned a non-data error.
	ErrExternal = errors.New("external backend failure")

	// ErrInvalidEntity is returned when the toolkit ran but rejected the PEM
	// material as structurally invalid.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrToolMisuse is returned when the verify tool exits with code 1, which
	// means it was mis-invoked rather than that verification failed.
	ErrToolMisuse = errors.New("verification tool error")

	// ErrUnparsableOutput is returned when the toolkit's text output lacks a
	// line the engine depends on.
	ErrUnparsableOutput = errors.New("unparsable toolkit output")

	// ErrNoPassphrase is returned by key encryption helpers when no
	// passphrase has been configured.
	ErrNoPassphrase = errors.New("no key passphrase configured")

	// ErrNoCA is returned by Sign when no CA has been created or loaded.
	ErrNoCA = errors.New("no CA configured")

	// ErrUnsupported is returned for operations a backend does not offer.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// InputError describes a malformed input field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidInput, e.Field, e.Reason)
}

// Is makes InputError match ErrInvalidInput.
func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func inputErrorf(field, format string, args ...any) error {
	return &InputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
