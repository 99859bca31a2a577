// Package metrics provides per-invocation metrics collection.
//
// The Collector accumulates counters during a single batch invocation. It is
// a leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so callers never need to guard against a missing collector.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Stage 1: parsing + idempotency
	NewObjectsProcessed int64
	DuplicatesSkipped   int64
	MalformedEnvelopes  int64
	ClaimErrors         int64

	// Bundling
	ObjectsSkippedNotFound     int64
	ObjectsSkippedAccessDenied int64
	ObjectsSkippedUnsafeKey    int64
	ObjectsSkippedSizeMismatch int64
	ObjectsDeferredThrottled   int64
	QueuePutStalled            int64
	ArchiveSpilledToDisk       int64
	BudgetStopsTime            int64
	BudgetStopsDisk            int64

	// Output
	BundlesCreated     int64
	RecordsInBundle    int64
	ArchiveSizeBytes   int64
	DuplicateOnlyBatch int64
	BatchesFailed      int64

	// Dimensions (informational, set at construction)
	Service     string
	Environment string
}

// Collector accumulates metrics during a single invocation.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	newObjectsProcessed int64
	duplicatesSkipped   int64
	malformedEnvelopes  int64
	claimErrors         int64

	objectsSkippedNotFound     int64
	objectsSkippedAccessDenied int64
	objectsSkippedUnsafeKey    int64
	objectsSkippedSizeMismatch int64
	objectsDeferredThrottled   int64
	queuePutStalled            int64
	archiveSpilledToDisk       int64
	budgetStopsTime            int64
	budgetStopsDisk            int64

	bundlesCreated     int64
	recordsInBundle    int64
	archiveSizeBytes   int64
	duplicateOnlyBatch int64
	batchesFailed      int64

	service     string
	environment string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(service, environment string) *Collector {
	return &Collector{
		service:     service,
		environment: environment,
	}
}

func (c *Collector) inc(field *int64, delta int64) {
	c.mu.Lock()
	*field += delta
	c.mu.Unlock()
}

// --- Stage 1 ---

// IncNewObjectsProcessed records an idempotency claim that returned NEW.
func (c *Collector) IncNewObjectsProcessed() {
	if c == nil {
		return
	}
	c.inc(&c.newObjectsProcessed, 1)
}

// IncDuplicatesSkipped records an idempotency claim that returned DUPLICATE.
func (c *Collector) IncDuplicatesSkipped() {
	if c == nil {
		return
	}
	c.inc(&c.duplicatesSkipped, 1)
}

// IncMalformedEnvelopes records an envelope that failed strict parsing.
func (c *Collector) IncMalformedEnvelopes() {
	if c == nil {
		return
	}
	c.inc(&c.malformedEnvelopes, 1)
}

// IncClaimErrors records a transient idempotency-store failure.
func (c *Collector) IncClaimErrors() {
	if c == nil {
		return
	}
	c.inc(&c.claimErrors, 1)
}

// --- Bundling ---

// IncObjectsSkippedNotFound records a record dropped because the object is gone.
func (c *Collector) IncObjectsSkippedNotFound() {
	if c == nil {
		return
	}
	c.inc(&c.objectsSkippedNotFound, 1)
}

// IncObjectsSkippedAccessDenied records a record dropped on a store 403.
func (c *Collector) IncObjectsSkippedAccessDenied() {
	if c == nil {
		return
	}
	c.inc(&c.objectsSkippedAccessDenied, 1)
}

// IncObjectsSkippedUnsafeKey records a record dropped by the key sanitizer.
func (c *Collector) IncObjectsSkippedUnsafeKey() {
	if c == nil {
		return
	}
	c.inc(&c.objectsSkippedUnsafeKey, 1)
}

// IncObjectsSkippedSizeMismatch records a buffered entry whose streamed byte
// count disagreed with the declared size.
func (c *Collector) IncObjectsSkippedSizeMismatch() {
	if c == nil {
		return
	}
	c.inc(&c.objectsSkippedSizeMismatch, 1)
}

// IncObjectsDeferredThrottled records a record deferred to retry after a
// throttling or timeout response from the object store.
func (c *Collector) IncObjectsDeferredThrottled() {
	if c == nil {
		return
	}
	c.inc(&c.objectsDeferredThrottled, 1)
}

// IncQueuePutStalled records a fetcher that timed out on the handoff channel.
func (c *Collector) IncQueuePutStalled() {
	if c == nil {
		return
	}
	c.inc(&c.queuePutStalled, 1)
}

// IncArchiveSpilledToDisk records the spool crossing its memory threshold.
func (c *Collector) IncArchiveSpilledToDisk() {
	if c == nil {
		return
	}
	c.inc(&c.archiveSpilledToDisk, 1)
}

// IncBudgetStopTime records a graceful stop triggered by the time guard.
func (c *Collector) IncBudgetStopTime() {
	if c == nil {
		return
	}
	c.inc(&c.budgetStopsTime, 1)
}

// IncBudgetStopDisk records a graceful stop triggered by the disk guard.
func (c *Collector) IncBudgetStopDisk() {
	if c == nil {
		return
	}
	c.inc(&c.budgetStopsDisk, 1)
}

// --- Output ---

// IncBundlesCreated records a successfully uploaded bundle.
func (c *Collector) IncBundlesCreated() {
	if c == nil {
		return
	}
	c.inc(&c.bundlesCreated, 1)
}

// AddRecordsInBundle adds the number of records committed into a bundle.
func (c *Collector) AddRecordsInBundle(n int64) {
	if c == nil {
		return
	}
	c.inc(&c.recordsInBundle, n)
}

// SetArchiveSizeBytes records the finalized compressed archive size.
func (c *Collector) SetArchiveSizeBytes(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.archiveSizeBytes = n
	c.mu.Unlock()
}

// IncDuplicateOnlyBatch records a batch consisting entirely of duplicates.
func (c *Collector) IncDuplicateOnlyBatch() {
	if c == nil {
		return
	}
	c.inc(&c.duplicateOnlyBatch, 1)
}

// IncBatchesFailed records an orchestrator-level bundling failure.
func (c *Collector) IncBatchesFailed() {
	if c == nil {
		return
	}
	c.inc(&c.batchesFailed, 1)
}

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		NewObjectsProcessed: c.newObjectsProcessed,
		DuplicatesSkipped:   c.duplicatesSkipped,
		MalformedEnvelopes:  c.malformedEnvelopes,
		ClaimErrors:         c.claimErrors,

		ObjectsSkippedNotFound:     c.objectsSkippedNotFound,
		ObjectsSkippedAccessDenied: c.objectsSkippedAccessDenied,
		ObjectsSkippedUnsafeKey:    c.objectsSkippedUnsafeKey,
		ObjectsSkippedSizeMismatch: c.objectsSkippedSizeMismatch,
		ObjectsDeferredThrottled:   c.objectsDeferredThrottled,
		QueuePutStalled:            c.queuePutStalled,
		ArchiveSpilledToDisk:       c.archiveSpilledToDisk,
		BudgetStopsTime:            c.budgetStopsTime,
		BudgetStopsDisk:            c.budgetStopsDisk,

		BundlesCreated:     c.bundlesCreated,
		RecordsInBundle:    c.recordsInBundle,
		ArchiveSizeBytes:   c.archiveSizeBytes,
		DuplicateOnlyBatch: c.duplicateOnlyBatch,
		BatchesFailed:      c.batchesFailed,

		Service:     c.service,
		Environment: c.environment,
	}
}
