package envelope

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrMissingRequiredFields  = errors.New("missing required fields")
	ErrOutOfSequence          = errors.New("signer is out of sequence")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrSignerDeclined         = errors.New("a signer declined")

	// ErrVersionConflict is returned by repositories when the stored
	// version differs from the expected one.
	ErrVersionConflict = errors.New("version conflict")
)

// MissingRequiredFieldsError is returned when a signer asks to finish
// before every required field has an artifact.
type MissingRequiredFieldsError struct {
	SignerID      string
	MissingLabels []string
}

func (e *MissingRequiredFieldsError) Error() string {
	return fmt.Sprintf("signer %s is missing required fields: %s", e.SignerID, strings.Join(e.MissingLabels, ", "))
}

func (e *MissingRequiredFieldsError) Is(target error) bool { return target == ErrMissingRequiredFields }

func (e *MissingRequiredFieldsError) UserMessage() string {
	return "Please complete the remaining fields: " + strings.Join(e.MissingLabels, ", ") + "."
}

// OutOfSequenceError is returned when a signer of an ordered envelope acts
// before an earlier signer has signed.
type OutOfSequenceError struct {
	SignerID  string
	WaitingOn string
}

func (e *OutOfSequenceError) Error() string {
	return fmt.Sprintf("signer %s must wait for signer %s", e.SignerID, e.WaitingOn)
}

func (e *OutOfSequenceError) Is(target error) bool { return target == ErrOutOfSequence }

func (e *OutOfSequenceError) UserMessage() string {
	return "It is not your turn to sign yet. You will be notified when the document is ready for you."
}

// ConcurrentModificationError is returned when another operation on the
// same envelope is in flight or committed first. The caller should retry
// against the current state.
type ConcurrentModificationError struct {
	EnvelopeID string
	Err        error
}

func (e *ConcurrentModificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope %s was modified concurrently: %v", e.EnvelopeID, e.Err)
	}
	return fmt.Sprintf("envelope %s was modified concurrently", e.EnvelopeID)
}

func (e *ConcurrentModificationError) Unwrap() error { return e.Err }

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

func (e *ConcurrentModificationError) UserMessage() string {
	return "This document was updated by someone else at the same time. Please try again."
}

// UserMessage returns the signer-facing text for err, or a generic message
// when no error in the chain provides one.
func UserMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "The requested envelope or signer does not exist."
	case errors.Is(err, ErrInvalidTransition):
		return "This action is not available in the envelope's current state."
	case errors.Is(err, ErrInvalidRequest):
		return "The request is not valid: " + err.Error()
	}
	return "Something went wrong. Please try again later."
}

func invalidTransition(from, to any) error {
	if s, ok := from.(Status); ok {
		if s.Terminal() {
			return fmt.Errorf("%w: %v -> %v, %v is final", ErrInvalidTransition, from, to, s)
		}
		return fmt.Errorf("%w: %v -> %v, allowed: %v", ErrInvalidTransition, from, to, AllowedTransitions(s))
	}
	return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
}
