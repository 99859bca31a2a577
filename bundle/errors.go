// Package bundle runs the per-invocation aggregation pipeline: claim
// survivors, fetch their bodies in parallel, stream them into one archive
// under the budget governor, upload it, and translate record outcomes back
// into per-envelope retry decisions.
package bundle

import (
	"errors"
	"fmt"
)

// Stable error codes carried on Error. Codes, not messages, drive the
// caller's retry decision.
const (
	CodeBatchTooLarge        = "BATCH_TOO_LARGE"
	CodeBackpressureOverflow = "BACKPRESSURE_OVERFLOW"
	CodeArchiveFailed        = "ARCHIVE_FAILED"
	CodeUploadFailed         = "UPLOAD_FAILED"
	CodeDirectInvokeRefused  = "DIRECT_INVOKE_REFUSED"
)

// Error is the typed failure surfaced by the orchestrator. Context holds
// redacted diagnostic fields only; never payload bytes or credentials.
type Error struct {
	Code          string
	Retryable     bool
	CorrelationID string
	Context       map[string]string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (invocation %s): %v", e.Code, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("%s (invocation %s)", e.Code, e.CorrelationID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a bundle error the caller may retry.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

func newError(code string, retryable bool, correlationID string, err error, ctx map[string]string) *Error {
	return &Error{
		Code:          code,
		Retryable:     retryable,
		CorrelationID: correlationID,
		Context:       ctx,
		Err:           err,
	}
}
