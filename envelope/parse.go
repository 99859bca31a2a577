// Package envelope parses queue envelopes into typed object records.
//
// Parsing is strict: a payload that decodes but is missing a container name,
// object key, or sequence token, or that carries a negative or non-integer
// size, fails the whole envelope. One envelope may carry several records; a
// single bad record poisons the envelope so the transport redelivers it
// intact.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/justapithecus/bale/idempotency"
	"github.com/justapithecus/bale/types"
)

// ErrMalformed is the sentinel for strict-parse failures.
// Malformed envelopes are non-retryable: redelivery cannot fix the payload,
// but the caller still reports them failed so the transport dead-letters them.
var ErrMalformed = errors.New("malformed envelope")

// MalformedError carries the envelope id and the first validation failure.
type MalformedError struct {
	// EnvelopeID is the transport identifier of the rejected envelope.
	EnvelopeID string
	// Reason is a short operator-facing description of the failure.
	Reason string
	// Err is the underlying decode error, if any.
	Err error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope %s: %s: %v", e.EnvelopeID, e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope %s: %s", e.EnvelopeID, e.Reason)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// Wire shapes of the object-store notification payload.
// Size is a json.Number so a fractional value is detected rather than
// silently truncated.

type notificationJSON struct {
	Records []recordJSON `json:"Records"`
}

type recordJSON struct {
	S3 s3JSON `json:"s3"`
}

type s3JSON struct {
	Bucket bucketJSON `json:"bucket"`
	Object objectJSON `json:"object"`
}

type bucketJSON struct {
	Name string `json:"name"`
}

type objectJSON struct {
	Key       string      `json:"key"`
	Size      json.Number `json:"size"`
	VersionID string      `json:"versionId"`
	Sequencer string      `json:"sequencer"`
}

// Parse decodes one envelope payload into its object records.
//
// Keys arrive percent-encoded with '+' for spaces (the notification wire
// encoding); they are decoded here, once, before becoming OriginalKey.
// The returned records carry their deterministic RecordID, which doubles as
// the idempotency key so record-level failure attribution and the
// de-duplication guard can never disagree about identity.
func Parse(env types.EventEnvelope) ([]types.ObjectRef, error) {
	var payload notificationJSON
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, &MalformedError{EnvelopeID: env.ID, Reason: "payload is not valid JSON", Err: err}
	}

	refs := make([]types.ObjectRef, 0, len(payload.Records))
	for i, rec := range payload.Records {
		ref, err := recordToRef(rec)
		if err != nil {
			return nil, &MalformedError{
				EnvelopeID: env.ID,
				Reason:     fmt.Sprintf("record %d: %v", i, err),
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ParseRecord decodes a single bare record (direct-invoke harness input)
// with the same strict validation as Parse.
func ParseRecord(raw json.RawMessage) (types.ObjectRef, error) {
	var rec recordJSON
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.ObjectRef{}, fmt.Errorf("record is not valid JSON: %w", err)
	}
	return recordToRef(rec)
}

func recordToRef(rec recordJSON) (types.ObjectRef, error) {
	if rec.S3.Bucket.Name == "" {
		return types.ObjectRef{}, errors.New("missing bucket name")
	}
	if rec.S3.Object.Key == "" {
		return types.ObjectRef{}, errors.New("missing object key")
	}
	if rec.S3.Object.Sequencer == "" {
		return types.ObjectRef{}, errors.New("missing sequencer")
	}

	size, err := parseSize(rec.S3.Object.Size)
	if err != nil {
		return types.ObjectRef{}, err
	}

	// Notification keys are percent-encoded with '+' for spaces.
	originalKey, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return types.ObjectRef{}, fmt.Errorf("undecodable object key: %w", err)
	}

	ref := types.ObjectRef{
		Container:     rec.S3.Bucket.Name,
		OriginalKey:   originalKey,
		DeclaredSize:  uint64(size),
		VersionToken:  rec.S3.Object.VersionID,
		SequenceToken: rec.S3.Object.Sequencer,
	}
	ref.RecordID = idempotency.Key(ref.OriginalKey, ref.VersionToken, ref.SequenceToken)
	return ref, nil
}

// parseSize validates the advisory size. Absent size defaults to zero; a
// negative or fractional value is a strict-parse failure.
func parseSize(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	size, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("non-integer size %q", n)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}
