package bundle

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justapithecus/bale/archive"
	"github.com/justapithecus/bale/budget"
	"github.com/justapithecus/bale/iox"
	"github.com/justapithecus/bale/log"
	"github.com/justapithecus/bale/metrics"
	"github.com/justapithecus/bale/objstore"
	"github.com/justapithecus/bale/sanitize"
	"github.com/justapithecus/bale/types"
)

const (
	// DefaultFetchWorkers is the parallel fetcher count.
	DefaultFetchWorkers = 8

	// DefaultPutTimeout bounds a fetcher's wait on the handoff channel.
	// Exceeding it means the writer is stalled and the batch fails.
	DefaultPutTimeout = 5 * time.Second

	// pollTick is how often blocked loops re-check the cancel signal.
	pollTick = 100 * time.Millisecond

	// drainLimit caps how much of an unused body is drained before close,
	// so the transport connection can be reused without reading huge tails.
	drainLimit = 1 << 20
)

// errBackpressureOverflow marks a handoff send that timed out.
var errBackpressureOverflow = errors.New("handoff channel stalled")

// fetched is one open object body waiting for the writer.
type fetched struct {
	ref  types.ObjectRef
	body io.ReadCloser
	size int64
}

// pipeline couples N fetch workers to the single archive writer through a
// bounded handoff channel. Records end in one of three ways: settled
// (entry emitted, or terminally skipped), deferred (left for redelivery),
// or aborted with the pipeline's first fatal error.
type pipeline struct {
	fetcher    objstore.Fetcher
	writer     *archive.Writer
	gov        *budget.Governor
	collector  *metrics.Collector
	logger     *log.Logger
	workers    int
	putTimeout time.Duration

	committed atomic.Int64

	mu        sync.Mutex
	settled   map[string]struct{}
	firstErr  error
	spillSeen bool
	stopSeen  bool

	cancel context.CancelFunc
}

func newPipeline(
	fetcher objstore.Fetcher,
	writer *archive.Writer,
	gov *budget.Governor,
	collector *metrics.Collector,
	logger *log.Logger,
	workers int,
	putTimeout time.Duration,
) *pipeline {
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}
	if putTimeout <= 0 {
		putTimeout = DefaultPutTimeout
	}
	return &pipeline{
		fetcher:    fetcher,
		writer:     writer,
		gov:        gov,
		collector:  collector,
		logger:     logger,
		workers:    workers,
		putTimeout: putTimeout,
		settled:    make(map[string]struct{}),
	}
}

// run drives the fetch/write loop to completion and returns the first fatal
// error, if any. Budget stops are not errors.
func (p *pipeline) run(ctx context.Context, refs []types.ObjectRef) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	// A budget trip cancels in-flight fetches too, so a slow store call
	// cannot eat the remaining headroom before the partial archive ships.
	go func() {
		select {
		case <-p.gov.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	work := make(chan types.ObjectRef)
	handoff := make(chan fetched, p.workers)

	go p.feed(ctx, work, refs)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.fetchWorker(ctx, work, handoff)
		}()
	}
	go func() {
		wg.Wait()
		close(handoff)
	}()

	p.consume(ctx, handoff)

	// Release any fetchers still blocked on the handoff, then close the
	// bodies they managed to open.
	cancel()
	for it := range handoff {
		iox.DrainClose(it.body, drainLimit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

// feed dispatches refs in arrival order, stopping at cancellation or a
// budget trip. Records never dispatched stay unsettled, so they land in the
// remaining set.
func (p *pipeline) feed(ctx context.Context, work chan<- types.ObjectRef, refs []types.ObjectRef) {
	defer close(work)
	for _, ref := range refs {
		if reason := p.gov.Admit(p.committed.Load(), int64(ref.DeclaredSize)); reason != budget.StopNone {
			p.noteStop(reason)
			return
		}
		select {
		case work <- ref:
		case <-ctx.Done():
			return
		}
	}
}

func (p *pipeline) fetchWorker(ctx context.Context, work <-chan types.ObjectRef, handoff chan<- fetched) {
	for ref := range work {
		if ctx.Err() != nil {
			return
		}

		body, length, err := p.fetcher.Fetch(ctx, ref)
		if err != nil {
			if !p.classifyFetchError(ctx, ref, err) {
				return
			}
			continue
		}

		// The notification's declared size is the verification baseline;
		// the store-reported length only substitutes when the notification
		// carried none. Handing the store's own length to the writer would
		// make the mismatch check compare the store against itself.
		size := int64(ref.DeclaredSize)
		if size == 0 && length > 0 {
			size = length
		}

		timer := time.NewTimer(p.putTimeout)
		select {
		case handoff <- fetched{ref: ref, body: body, size: size}:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			iox.DrainClose(body, drainLimit)
			return
		case <-timer.C:
			iox.DrainClose(body, drainLimit)
			p.collector.IncQueuePutStalled()
			p.fail(errBackpressureOverflow)
			return
		}
	}
}

// classifyFetchError settles or defers per-record failures and reports
// whether the worker should keep going. Unknown errors are fatal.
func (p *pipeline) classifyFetchError(ctx context.Context, ref types.ObjectRef, err error) bool {
	switch {
	case errors.Is(err, objstore.ErrObjectNotFound):
		p.settle(ref.RecordID)
		p.collector.IncObjectsSkippedNotFound()
		p.logger.Info("object missing, skipping record", map[string]any{
			"key": ref.OriginalKey,
		})
		return true
	case errors.Is(err, objstore.ErrAccessDenied):
		p.settle(ref.RecordID)
		p.collector.IncObjectsSkippedAccessDenied()
		p.logger.Warn("access denied, skipping record", map[string]any{
			"key": ref.OriginalKey,
		})
		return true
	case errors.Is(err, objstore.ErrThrottled):
		// Deferred, not settled: the record stays in remaining and its
		// envelope is redelivered.
		p.collector.IncObjectsDeferredThrottled()
		p.logger.Warn("store throttled, deferring record", map[string]any{
			"key": ref.OriginalKey,
		})
		return true
	case ctx.Err() != nil:
		return false
	default:
		p.fail(err)
		return false
	}
}

// consume is the single writer loop. Its only blocking operation is a
// channel receive with a short poll so a cancel is observed within one tick.
func (p *pipeline) consume(ctx context.Context, handoff <-chan fetched) {
	for {
		select {
		case it, ok := <-handoff:
			if !ok {
				return
			}
			p.handle(it)
		case <-time.After(pollTick):
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *pipeline) handle(it fetched) {
	defer iox.DrainClose(it.body, drainLimit)

	if p.fatal() {
		return
	}

	safePath, err := sanitize.Key(it.ref.OriginalKey)
	if err != nil {
		p.settle(it.ref.RecordID)
		p.collector.IncObjectsSkippedUnsafeKey()
		p.logger.Warn("unsafe key rejected", map[string]any{
			"key":    it.ref.OriginalKey,
			"reason": err.Error(),
		})
		return
	}

	if reason := p.gov.Admit(p.committed.Load(), it.size); reason != budget.StopNone {
		p.noteStop(reason)
		return
	}

	switch err := p.writer.Add(safePath, it.body, it.size); {
	case err == nil:
		p.settle(it.ref.RecordID)
		p.committed.Add(it.size)
		p.checkSpill()
	case errors.Is(err, archive.ErrWriterClosed):
		p.fail(err)
	case errors.Is(err, archive.ErrEntrySizeMismatch):
		p.settle(it.ref.RecordID)
		p.collector.IncObjectsSkippedSizeMismatch()
		p.logger.Warn("entry size mismatch, skipping record", map[string]any{
			"key": it.ref.OriginalKey,
		})
	default:
		p.fail(err)
	}
}

func (p *pipeline) checkSpill() {
	if !p.writer.Spilled() {
		return
	}
	p.mu.Lock()
	seen := p.spillSeen
	p.spillSeen = true
	p.mu.Unlock()
	if !seen {
		p.collector.IncArchiveSpilledToDisk()
		p.logger.Warn("archive spilled to disk", map[string]any{
			"compressed_bytes": p.writer.BytesWritten(),
		})
	}
}

// noteStop records the budget trip once, for metrics and the stop log line.
func (p *pipeline) noteStop(reason budget.StopReason) {
	p.mu.Lock()
	seen := p.stopSeen
	p.stopSeen = true
	p.mu.Unlock()
	if seen {
		return
	}
	switch reason {
	case budget.StopTime:
		p.collector.IncBudgetStopTime()
	case budget.StopDisk:
		p.collector.IncBudgetStopDisk()
	}
	p.logger.Info("budget stop, finalizing partial bundle", map[string]any{
		"reason": reason.String(),
	})
}

func (p *pipeline) settle(recordID string) {
	p.mu.Lock()
	p.settled[recordID] = struct{}{}
	p.mu.Unlock()
}

func (p *pipeline) settledSet() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{}, len(p.settled))
	for id := range p.settled {
		out[id] = struct{}{}
	}
	return out
}

// fail records the first fatal error and cancels everything downstream.
func (p *pipeline) fail(err error) {
	p.mu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *pipeline) fatal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr != nil
}
