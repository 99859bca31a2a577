package objstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "simulated"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no such key code", apiError("NoSuchKey"), ErrObjectNotFound},
		{"not found code", apiError("NotFound"), ErrObjectNotFound},
		{"typed no such key", &s3types.NoSuchKey{}, ErrObjectNotFound},
		{"access denied", apiError("AccessDenied"), ErrAccessDenied},
		{"access denied exception", apiError("AccessDeniedException"), ErrAccessDenied},
		{"slow down", apiError("SlowDown"), ErrThrottled},
		{"throttling", apiError("Throttling"), ErrThrottled},
		{"request limit", apiError("RequestLimitExceeded"), ErrThrottled},
		{"service unavailable", apiError("ServiceUnavailable"), ErrThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.in)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.in, got, tt.want)
			}
			// The raw SDK error stays reachable for logging.
			if !errors.Is(got, tt.in) {
				var apiErr smithy.APIError
				if !errors.As(got, &apiErr) {
					t.Errorf("classify(%v) lost the underlying error", tt.in)
				}
			}
		})
	}
}

func TestClassify_Passthrough(t *testing.T) {
	plain := fmt.Errorf("connection reset")
	if got := classify(plain); got != plain {
		t.Errorf("classify(%v) = %v, want passthrough", plain, got)
	}

	if got := classify(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("classify(context.Canceled) = %v", got)
	}

	if classify(nil) != nil {
		t.Error("classify(nil) must be nil")
	}

	unknown := apiError("SomethingNovel")
	got := classify(unknown)
	for _, sentinel := range []error{ErrObjectNotFound, ErrAccessDenied, ErrThrottled} {
		if errors.Is(got, sentinel) {
			t.Errorf("unknown code classified as %v", sentinel)
		}
	}
}
