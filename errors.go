package mirror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Common errors
var (
	ErrBackendUnavailable    = errors.New("capture backend unavailable")
	ErrSourceNotFound        = errors.New("source not found")
	ErrCaptureClosed         = errors.New("capture closed")
	ErrSessionClosed         = errors.New("codec session closed")
	ErrSessionFlushed        = errors.New("codec session flushed")
	ErrCodecNotSupported     = errors.New("codec not supported")
	ErrUnsupportedInput      = errors.New("unsupported input frame")
	ErrUnsupportedConversion = errors.New("unsupported pixel format conversion")
	ErrDimensionChanged      = errors.New("frame dimensions changed")
	ErrInvalidDimensions     = errors.New("invalid frame dimensions")
)

// EnumerationError reports a failed platform call while listing sources.
type EnumerationError struct {
	Kind SourceKind
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s sources: %v", e.Kind, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// CaptureError reports a failed capture transition. The capture is Idle
// after a CaptureError from SetInput.
type CaptureError struct {
	Op       string
	Backend  BackendKind
	SourceID string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Backend, e.SourceID, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ConversionError reports a Format Bridge failure.
type ConversionError struct {
	From, To      PixelFormat
	Width, Height int
	Err           error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s -> %s (%dx%d): %v", e.From, e.To, e.Width, e.Height, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// combineErrors aggregates teardown errors. A single error is returned as is.
func combineErrors(errs ...error) error {
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	result.ErrorFormat = listErrorFormat
	return result
}

func listErrorFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
