package locator

import "fmt"

// LocatorError means the locator endpoint could not be reached or answered
// with a non-2xx status.
type LocatorError struct {
	Source   string
	SourceID string
	StreamNo string
	Err      error
}

func (e *LocatorError) Error() string {
	return fmt.Sprintf("locator request for %s/%s/%s failed: %v", e.Source, e.SourceID, e.StreamNo, e.Err)
}

func (e *LocatorError) Unwrap() error {
	return e.Err
}

// MissingKeyHeaderError means the locator answered but without the cipher key.
type MissingKeyHeaderError struct {
	Header string
}

func (e *MissingKeyHeaderError) Error() string {
	return fmt.Sprintf("Missing %s header", e.Header)
}

// DecodeError is a failure inside the decode pipeline. It is deterministic for
// a given input and never retried.
type DecodeError struct {
	Version string
	Stage   string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("decode (%s): %v", e.Version, e.Err)
	}
	return fmt.Sprintf("decode (%s) stage %s: %v", e.Version, e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
