package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/bale/archive"
	"github.com/justapithecus/bale/budget"
	"github.com/justapithecus/bale/envelope"
	"github.com/justapithecus/bale/idempotency"
	"github.com/justapithecus/bale/log"
	"github.com/justapithecus/bale/metrics"
	"github.com/justapithecus/bale/objstore"
	"github.com/justapithecus/bale/types"
)

// DefaultMaxInputBytes caps the summed declared sizes of a batch before any
// object I/O begins.
const DefaultMaxInputBytes = 100 * 1024 * 1024

// destKeyTimeLayout partitions bundles by hour.
const destKeyTimeLayout = "2006/01/02/15"

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	FetchWorkers        int
	PutTimeout          time.Duration
	TimeoutGuard        time.Duration
	MaxOnDiskBytes      int64
	MaxInputBytes       int64
	SpoolThresholdBytes int64
	SpoolDir            string

	// Environment gates the direct-invoke harness; prod-prefixed
	// environments refuse it.
	Environment string

	// Clock supplies remaining wall time. Nil derives it from the context
	// deadline.
	Clock budget.Clock

	// Now is the bundle timestamp source, for tests.
	Now func() time.Time
}

// Orchestrator runs one batch end to end and owns no cross-invocation
// state beyond its injected clients.
type Orchestrator struct {
	guard     *idempotency.Guard
	fetcher   objstore.Fetcher
	uploader  objstore.Uploader
	collector *metrics.Collector
	logger    *log.Logger
	opts      Options
}

// New builds an orchestrator around the injected collaborators.
func New(
	guard *idempotency.Guard,
	fetcher objstore.Fetcher,
	uploader objstore.Uploader,
	collector *metrics.Collector,
	logger *log.Logger,
	opts Options,
) *Orchestrator {
	if opts.MaxInputBytes <= 0 {
		opts.MaxInputBytes = DefaultMaxInputBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		guard:     guard,
		fetcher:   fetcher,
		uploader:  uploader,
		collector: collector,
		logger:    logger,
		opts:      opts,
	}
}

// batchState accumulates per-invocation bookkeeping: which envelopes have
// failed and which envelopes each record came from.
type batchState struct {
	failed     map[string]struct{}
	failedIDs  []string
	recordEnvs map[string]map[string]struct{}
}

func newBatchState() *batchState {
	return &batchState{
		failed:     make(map[string]struct{}),
		recordEnvs: make(map[string]map[string]struct{}),
	}
}

func (b *batchState) failEnvelope(id string) {
	if _, ok := b.failed[id]; ok {
		return
	}
	b.failed[id] = struct{}{}
	b.failedIDs = append(b.failedIDs, id)
}

func (b *batchState) bind(recordID, envelopeID string) {
	envs, ok := b.recordEnvs[recordID]
	if !ok {
		envs = make(map[string]struct{})
		b.recordEnvs[recordID] = envs
	}
	envs[envelopeID] = struct{}{}
}

func (b *batchState) failRecordEnvelopes(recordID string) {
	for envID := range b.recordEnvs[recordID] {
		b.failEnvelope(envID)
	}
}

// Process handles one batch of queue envelopes and returns the retry
// decision for each. A non-nil error is an orchestrator-level failure; the
// returned result is still valid and already attributes the failure to
// every contributing envelope.
func (o *Orchestrator) Process(ctx context.Context, invocationID string, envelopes []types.EventEnvelope) (*types.BatchResult, error) {
	if len(envelopes) == 0 {
		return &types.BatchResult{}, nil
	}
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	logger := o.logger.WithInvocation(invocationID)

	state := newBatchState()
	survivors, duplicates := o.claimSurvivors(ctx, logger, envelopes, state)

	if len(survivors) == 0 {
		if duplicates > 0 && len(state.failedIDs) == 0 {
			o.collector.IncDuplicateOnlyBatch()
			logger.Info("batch contained only duplicates", map[string]any{
				"duplicates": duplicates,
			})
		}
		return &types.BatchResult{FailedEnvelopeIDs: state.failedIDs}, nil
	}

	if err := o.preflight(survivors); err != nil {
		result := o.failSurvivors(state, survivors)
		o.collector.IncBatchesFailed()
		return result, newError(CodeBatchTooLarge, true, invocationID, err, map[string]string{
			"survivors": fmt.Sprintf("%d", len(survivors)),
		})
	}

	destKey := fmt.Sprintf("%s/bundle-%s.tar.gz",
		o.opts.Now().UTC().Format(destKeyTimeLayout), invocationID)

	result, err := o.bundle(ctx, logger, invocationID, destKey, survivors, state)
	if err != nil {
		o.collector.IncBatchesFailed()
		return result, err
	}
	return result, nil
}

// claimSurvivors parses every envelope and claims each record against the
// idempotency guard, sequentially so the record-to-envelope map stays
// consistent with claim order.
func (o *Orchestrator) claimSurvivors(ctx context.Context, logger *log.Logger, envelopes []types.EventEnvelope, state *batchState) (survivors []types.ObjectRef, duplicates int) {
	for _, env := range envelopes {
		refs, err := envelope.Parse(env)
		if err != nil {
			o.collector.IncMalformedEnvelopes()
			state.failEnvelope(env.ID)
			logger.Warn("malformed envelope", map[string]any{
				"envelope_id": env.ID,
				"error":       err.Error(),
			})
			continue
		}

		for _, ref := range refs {
			state.bind(ref.RecordID, env.ID)

			res, err := o.guard.Claim(ctx, ref.RecordID, ref.OriginalKey)
			if err != nil {
				o.collector.IncClaimErrors()
				state.failEnvelope(env.ID)
				logger.Error("idempotency claim failed", map[string]any{
					"envelope_id": env.ID,
					"key":         ref.OriginalKey,
					"error":       err.Error(),
				})
				continue
			}
			switch res {
			case idempotency.ResultNew:
				o.collector.IncNewObjectsProcessed()
				survivors = append(survivors, ref)
			case idempotency.ResultDuplicate:
				o.collector.IncDuplicatesSkipped()
				duplicates++
				logger.Debug("duplicate record skipped", map[string]any{
					"key": ref.OriginalKey,
				})
			}
		}
	}
	return survivors, duplicates
}

func (o *Orchestrator) preflight(survivors []types.ObjectRef) error {
	var total int64
	for _, ref := range survivors {
		total += int64(ref.DeclaredSize)
	}
	if total > o.opts.MaxInputBytes {
		return fmt.Errorf("declared input %d bytes exceeds cap %d", total, o.opts.MaxInputBytes)
	}
	return nil
}

// bundle runs the fetch/write pipeline, finalizes the archive, uploads it,
// and splits survivors into processed and remaining.
func (o *Orchestrator) bundle(ctx context.Context, logger *log.Logger, invocationID, destKey string, survivors []types.ObjectRef, state *batchState) (*types.BatchResult, error) {
	clock := o.opts.Clock
	if clock == nil {
		clock = budget.ContextClock(ctx)
	}
	gov := budget.NewGovernor(clock, o.opts.TimeoutGuard, o.opts.MaxOnDiskBytes)

	spool := archive.NewSpool(o.opts.SpoolThresholdBytes, o.opts.SpoolDir)
	writer := archive.NewWriter(spool)
	defer writer.Close()

	pipe := newPipeline(o.fetcher, writer, gov, o.collector, logger,
		o.opts.FetchWorkers, o.opts.PutTimeout)

	if err := pipe.run(ctx, survivors); err != nil {
		return o.failSurvivors(state, survivors),
			o.wrapError(invocationID, err, map[string]string{"dest_key": destKey})
	}

	settled := pipe.settledSet()
	result := &types.BatchResult{}
	for _, ref := range survivors {
		if _, ok := settled[ref.RecordID]; ok {
			result.Processed = append(result.Processed, ref)
		} else {
			result.Remaining = append(result.Remaining, ref)
		}
	}

	art, err := writer.Finalize()
	if err != nil {
		res := o.failSurvivors(state, survivors)
		return res, o.wrapError(invocationID, err, map[string]string{"dest_key": destKey})
	}

	if art.Entries > 0 {
		if err := o.uploader.Upload(ctx, destKey, art.Body, art.Size, art.SHA256Hex); err != nil {
			res := o.failSurvivors(state, survivors)
			return res, newError(CodeUploadFailed, true, invocationID, err,
				map[string]string{"dest_key": destKey})
		}
		o.collector.IncBundlesCreated()
		o.collector.AddRecordsInBundle(int64(art.Entries))
		o.collector.SetArchiveSizeBytes(art.Size)
		result.Artifact = &types.BundleArtifact{
			SHA256Hex:      art.SHA256Hex,
			Size:           art.Size,
			Entries:        art.Entries,
			DestinationKey: destKey,
		}
		logger.Info("bundle uploaded", map[string]any{
			"dest_key": destKey,
			"entries":  art.Entries,
			"bytes":    art.Size,
			"sha256":   art.SHA256Hex,
		})
	} else {
		logger.Info("empty bundle, upload skipped", map[string]any{
			"survivors": len(survivors),
		})
	}

	for _, ref := range result.Remaining {
		state.failRecordEnvelopes(ref.RecordID)
	}
	result.FailedEnvelopeIDs = state.failedIDs
	return result, nil
}

// failSurvivors attributes an orchestrator-level failure to every envelope
// that contributed a survivor.
func (o *Orchestrator) failSurvivors(state *batchState, survivors []types.ObjectRef) *types.BatchResult {
	for _, ref := range survivors {
		state.failRecordEnvelopes(ref.RecordID)
	}
	return &types.BatchResult{
		FailedEnvelopeIDs: state.failedIDs,
		Remaining:         survivors,
	}
}

// wrapError tags a pipeline failure with its stable code.
func (o *Orchestrator) wrapError(invocationID string, err error, ctx map[string]string) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	code := CodeArchiveFailed
	if errors.Is(err, errBackpressureOverflow) {
		code = CodeBackpressureOverflow
	}
	return newError(code, true, invocationID, err, ctx)
}

// ProcessDirect runs the pipeline on bare records, bypassing envelope
// parsing and idempotency. It exists for test harnesses only and refuses to
// run in production environments.
func (o *Orchestrator) ProcessDirect(ctx context.Context, invocationID string, records []json.RawMessage) (*types.BatchResult, error) {
	if strings.HasPrefix(strings.ToLower(o.opts.Environment), "prod") {
		return nil, newError(CodeDirectInvokeRefused, false, invocationID, nil,
			map[string]string{"environment": o.opts.Environment})
	}
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	logger := o.logger.WithInvocation(invocationID)

	refs := make([]types.ObjectRef, 0, len(records))
	for i, raw := range records {
		ref, err := envelope.ParseRecord(raw)
		if err != nil {
			return nil, newError(CodeArchiveFailed, false, invocationID,
				fmt.Errorf("record %d: %w", i, err), nil)
		}
		refs = append(refs, ref)
	}

	destKey := fmt.Sprintf("%s/bundle-%s.tar.gz",
		o.opts.Now().UTC().Format(destKeyTimeLayout), invocationID)

	state := newBatchState()
	result, err := o.bundle(ctx, logger, invocationID, destKey, refs, state)
	if err != nil {
		o.collector.IncBatchesFailed()
		return result, err
	}
	// Direct invocations have no envelopes to retry.
	result.FailedEnvelopeIDs = nil
	return result, nil
}
