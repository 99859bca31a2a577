// Package types defines the shared data model for the bundling pipeline.
//
// Types here are leaf definitions with no internal dependencies so that
// every other package can import them without cycles.
package types

// Version is the canonical project version (lockstep across all components).
const Version = "0.2.0"

// EventEnvelope is one transport-level unit from the queue. The payload is
// opaque at this layer; the envelope parser decodes it into ObjectRefs.
type EventEnvelope struct {
	// ID is the transport-assigned envelope identifier (e.g. SQS message id).
	ID string
	// Payload is the raw envelope body.
	Payload []byte
}

// ObjectRef is a single object-change notification inside an envelope.
type ObjectRef struct {
	// Container is the source bucket holding the object.
	Container string
	// OriginalKey is the percent-decoded object key as delivered by the
	// notification. It has NOT passed sanitization; archive-safe paths are
	// derived at write time.
	OriginalKey string
	// DeclaredSize is the advisory object size from the notification.
	// The writer verifies it against the streamed byte count for buffered
	// entries before committing.
	DeclaredSize uint64
	// VersionToken is the object version for versioned containers, if any.
	VersionToken string
	// SequenceToken is the notification sequencer. Always present.
	SequenceToken string
	// RecordID is the deterministic record identity, equal to the
	// idempotency key derived from (OriginalKey, VersionToken|SequenceToken).
	RecordID string
}

// BundleArtifact describes a finalized archive ready for upload.
type BundleArtifact struct {
	// SHA256Hex is the hex digest of the compressed archive bytes.
	SHA256Hex string
	// Size is the compressed archive size in bytes.
	Size int64
	// Entries is the number of entries committed into the archive.
	Entries int
	// DestinationKey is the time-partitioned upload key.
	DestinationKey string
}

// BatchResult is the outcome of one orchestrator invocation.
type BatchResult struct {
	// FailedEnvelopeIDs lists every envelope that must be redelivered,
	// in first-failure order with no duplicates.
	FailedEnvelopeIDs []string
	// Processed are the survivor records that reached a terminal decision
	// (committed to the archive or terminally skipped).
	Processed []ObjectRef
	// Remaining are the survivor records left unsettled when the pipeline
	// stopped; their envelopes are retried.
	Remaining []ObjectRef
	// Artifact describes the uploaded bundle, if one was produced.
	Artifact *BundleArtifact
}

// ItemFailure identifies a single failed envelope in the batch response.
type ItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// Response is the transport-facing partial-failure report. Envelope ids
// absent from BatchItemFailures are treated by the caller as processed.
type Response struct {
	BatchItemFailures []ItemFailure `json:"batchItemFailures"`
}

// Response converts the result into the transport partial-failure shape.
func (r *BatchResult) Response() Response {
	failures := make([]ItemFailure, 0, len(r.FailedEnvelopeIDs))
	for _, id := range r.FailedEnvelopeIDs {
		failures = append(failures, ItemFailure{ItemIdentifier: id})
	}
	return Response{BatchItemFailures: failures}
}
