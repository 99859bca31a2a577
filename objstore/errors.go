package objstore

import (
	"context"
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for the fetch-side failure taxonomy. Callers settle,
// defer, or abort a record based on which sentinel the error wraps.
var (
	// ErrObjectNotFound reports a key that no longer exists; the record is
	// settled as skipped, never retried.
	ErrObjectNotFound = errors.New("object not found")

	// ErrAccessDenied reports a permission failure; retrying cannot fix it.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled reports store-side rate limiting; the record is deferred
	// for redelivery.
	ErrThrottled = errors.New("store throttled")

	// ErrChecksumMismatch reports that a verified upload read back with a
	// digest other than the one recorded at write time.
	ErrChecksumMismatch = errors.New("uploaded checksum mismatch")
)

// throttleCodes are API error codes that mean "slow down", not "give up".
var throttleCodes = map[string]struct{}{
	"SlowDown":                               {},
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"TooManyRequestsException":               {},
	"ServiceUnavailable":                     {},
	"RequestThrottled":                       {},
	"ProvisionedThroughputExceededException": {},
}

// classify maps a raw SDK error onto the package sentinels. Errors that fit
// no sentinel pass through unchanged and are treated as transient by callers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var notFound *s3types.NoSuchKey
	if errors.As(err, &notFound) {
		return errors.Join(ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "NoSuchKey" || code == "NotFound":
			return errors.Join(ErrObjectNotFound, err)
		case code == "AccessDenied" || code == "AccessDeniedException":
			return errors.Join(ErrAccessDenied, err)
		default:
			if _, ok := throttleCodes[code]; ok {
				return errors.Join(ErrThrottled, err)
			}
		}
	}

	// HeadObject failures surface as bare response errors without a typed
	// API error, so fall back to the status code.
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return errors.Join(ErrObjectNotFound, err)
		case http.StatusForbidden:
			return errors.Join(ErrAccessDenied, err)
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return errors.Join(ErrThrottled, err)
		}
	}

	return err
}
