package inject

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentLoad = errors.New("document could not be loaded")
	ErrImageDecode  = errors.New("signature image could not be decoded")
	ErrEmptyItem    = errors.New("placement item has neither image nor text")
)

// DocumentLoadError wraps a failure to parse the source document.
type DocumentLoadError struct {
	Err error
}

func (e *DocumentLoadError) Error() string {
	return fmt.Sprintf("failed to load document: %v", e.Err)
}

func (e *DocumentLoadError) Unwrap() error { return e.Err }

func (e *DocumentLoadError) Is(target error) bool { return target == ErrDocumentLoad }

// UserMessage is the text shown to a signer.
func (e *DocumentLoadError) UserMessage() string {
	return "We could not open the document. Please try again later."
}

// ImageDecodeError identifies the artifact that failed to decode.
type ImageDecodeError struct {
	Label string
	Index int
	Err   error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("failed to decode image for field %q (item %d): %v", e.Label, e.Index, e.Err)
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }

func (e *ImageDecodeError) Is(target error) bool { return target == ErrImageDecode }

func (e *ImageDecodeError) UserMessage() string {
	return "Your signature could not be read. Please draw it again."
}
