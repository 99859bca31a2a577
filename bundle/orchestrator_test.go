package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/bale/budget"
	"github.com/justapithecus/bale/idempotency"
	"github.com/justapithecus/bale/log"
	"github.com/justapithecus/bale/metrics"
	"github.com/justapithecus/bale/objstore"
	"github.com/justapithecus/bale/types"
)

// --- fakes ---

type fakeObject struct {
	content []byte
	err     error

	// wait blocks the fetch until the context is canceled.
	wait bool
	// readGap delays every body read, simulating a slow stream.
	readGap time.Duration
}

type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref types.ObjectRef) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	obj, ok := f.objects[ref.OriginalKey]
	f.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("get %s: %w", ref.OriginalKey, objstore.ErrObjectNotFound)
	}
	if obj.err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", ref.OriginalKey, obj.err)
	}
	if obj.wait {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if obj.readGap > 0 {
		return io.NopCloser(&slowReader{data: obj.content, gap: obj.readGap}),
			int64(len(obj.content)), nil
	}
	return io.NopCloser(bytes.NewReader(obj.content)), int64(len(obj.content)), nil
}

// slowReader yields one byte per read after a fixed pause.
type slowReader struct {
	data []byte
	gap  time.Duration
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	time.Sleep(r.gap)
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	err   error
	calls int
	key   string
	body  []byte
	size  int64
	sha   string
}

func (u *fakeUploader) Upload(_ context.Context, key string, body io.Reader, size int64, sha256Hex string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return u.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	u.key, u.body, u.size, u.sha = key, data, size, sha256Hex
	return nil
}

// memStore is an in-memory conditional-put store. failFor injects a
// transient error for specific original keys.
type memStore struct {
	mu      sync.Mutex
	claimed map[string]struct{}
	failFor map[string]error
}

func newMemStore() *memStore {
	return &memStore{claimed: make(map[string]struct{}), failFor: make(map[string]error)}
}

func (m *memStore) ConditionalPut(_ context.Context, partitionKey, originalKey string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failFor[originalKey]; ok {
		return err
	}
	if _, ok := m.claimed[partitionKey]; ok {
		return idempotency.ErrConditionFailed
	}
	m.claimed[partitionKey] = struct{}{}
	return nil
}

// --- harness ---

type harness struct {
	fetcher   *fakeFetcher
	uploader  *fakeUploader
	store     *memStore
	collector *metrics.Collector
	orch      *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		fetcher:   &fakeFetcher{objects: make(map[string]fakeObject)},
		uploader:  &fakeUploader{},
		store:     newMemStore(),
		collector: metrics.NewCollector("bale", "test"),
	}
	if opts.Clock == nil {
		opts.Clock = budget.ClockFunc(func() time.Duration { return time.Minute })
	}
	if opts.Now == nil {
		opts.Now = func() time.Time {
			return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
		}
	}
	if opts.Environment == "" {
		opts.Environment = "test"
	}
	opts.SpoolDir = t.TempDir()

	guard := idempotency.NewGuard(h.store, 7*24*time.Hour, log.Nop())
	h.orch = New(guard, h.fetcher, h.uploader, h.collector, log.Nop(), opts)
	return h
}

func (h *harness) put(key, content string) {
	h.fetcher.objects[key] = fakeObject{content: []byte(content)}
}

// envelopeFor builds a one-record notification envelope. The key goes into
// the payload verbatim, so pre-encode it the way the event source would.
func envelopeFor(envID, key string, size int, seq string) types.EventEnvelope {
	payload := fmt.Sprintf(`{"Records":[{"s3":{
		"bucket":{"name":"ingest"},
		"object":{"key":"%s","size":%d,"sequencer":"%s"}
	}}]}`, key, size, seq)
	return types.EventEnvelope{ID: envID, Payload: []byte(payload)}
}

func extractBundle(t *testing.T, raw []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("uploaded bundle is not valid gzip: %v", err)
	}
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		data, _ := io.ReadAll(tr)
		entries[hdr.Name] = data
	}
	return entries
}

// --- scenarios ---

func TestProcess_HappyPath(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("a.bin", "alpha content")
	h.put("d/b.log", "bravo log line")

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "a.bin", 13, "s1"),
		envelopeFor("e2", "d%2Fb.log", 14, "s2"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 0 {
		t.Errorf("failed = %v, want none", result.FailedEnvelopeIDs)
	}
	if len(result.Processed) != 2 || len(result.Remaining) != 0 {
		t.Errorf("processed/remaining = %d/%d, want 2/0", len(result.Processed), len(result.Remaining))
	}

	if h.uploader.calls != 1 {
		t.Fatalf("upload calls = %d, want 1", h.uploader.calls)
	}
	if h.uploader.key != "2026/03/01/12/bundle-inv-1.tar.gz" {
		t.Errorf("dest key = %q", h.uploader.key)
	}

	sum := sha256.Sum256(h.uploader.body)
	if hex.EncodeToString(sum[:]) != h.uploader.sha {
		t.Error("uploaded digest does not match uploaded bytes")
	}
	if int64(len(h.uploader.body)) != h.uploader.size {
		t.Error("uploaded size does not match uploaded bytes")
	}

	entries := extractBundle(t, h.uploader.body)
	if string(entries["a.bin"]) != "alpha content" || string(entries["d/b.log"]) != "bravo log line" {
		t.Errorf("bundle entries wrong: %v", entryNames(entries))
	}

	if result.Artifact == nil || result.Artifact.Entries != 2 {
		t.Errorf("artifact = %+v", result.Artifact)
	}
}

func TestProcess_DuplicateOnlySecondBatch(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("a.bin", "content")
	envelopes := []types.EventEnvelope{envelopeFor("e1", "a.bin", 7, "s1")}

	if _, err := h.orch.Process(context.Background(), "inv-1", envelopes); err != nil {
		t.Fatalf("first Process failed: %v", err)
	}

	result, err := h.orch.Process(context.Background(), "inv-2", envelopes)
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 0 {
		t.Errorf("failed = %v, want none", result.FailedEnvelopeIDs)
	}
	if h.uploader.calls != 1 {
		t.Errorf("upload calls = %d, want 1 (no second bundle)", h.uploader.calls)
	}

	snap := h.collector.Snapshot()
	if snap.DuplicatesSkipped != 1 {
		t.Errorf("DuplicatesSkipped = %d, want 1", snap.DuplicatesSkipped)
	}
	if snap.DuplicateOnlyBatch != 1 {
		t.Errorf("DuplicateOnlyBatch = %d, want 1", snap.DuplicateOnlyBatch)
	}
}

func TestProcess_PoisonKeyDropsRecordSilently(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("folder/../../etc/passwd", "secret bytes")

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "folder/../../etc/passwd", 12, "s1"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 0 {
		t.Errorf("failed = %v, want none (sanitize reject is a drop, not a retry)", result.FailedEnvelopeIDs)
	}
	if h.uploader.calls != 0 {
		t.Error("empty bundle must not be uploaded")
	}
	if h.collector.Snapshot().ObjectsSkippedUnsafeKey != 1 {
		t.Error("ObjectsSkippedUnsafeKey not incremented")
	}
}

func TestProcess_DiskBudgetGracefulStop(t *testing.T) {
	h := newHarness(t, Options{
		MaxOnDiskBytes: 400,
		FetchWorkers:   1,
	})
	h.put("big.bin", strings.Repeat("a", 399))
	h.put("small.bin", strings.Repeat("b", 10))

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "big.bin", 399, "s1"),
		envelopeFor("e2", "small.bin", 10, "s2"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.Processed) != 1 || result.Processed[0].OriginalKey != "big.bin" {
		t.Errorf("processed = %+v, want only big.bin", result.Processed)
	}
	if len(result.Remaining) != 1 || result.Remaining[0].OriginalKey != "small.bin" {
		t.Errorf("remaining = %+v, want only small.bin", result.Remaining)
	}
	if len(result.FailedEnvelopeIDs) != 1 || result.FailedEnvelopeIDs[0] != "e2" {
		t.Errorf("failed = %v, want [e2]", result.FailedEnvelopeIDs)
	}

	// Partial bundle still ships.
	if h.uploader.calls != 1 {
		t.Fatalf("upload calls = %d, want 1", h.uploader.calls)
	}
	entries := extractBundle(t, h.uploader.body)
	if len(entries) != 1 {
		t.Errorf("bundle entries = %v, want only big.bin", entryNames(entries))
	}
	if h.collector.Snapshot().BudgetStopsDisk != 1 {
		t.Error("BudgetStopsDisk not incremented")
	}
}

// The mismatch check must compare the streamed bytes against the size the
// notification declared, not against whatever length the store reports for
// its own body.
func TestProcess_DeclaredSizeMismatchSkipsRecord(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("grown.bin", strings.Repeat("x", 20))
	h.put("ok.bin", "four")

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "grown.bin", 11, "s1"),
		envelopeFor("e2", "ok.bin", 4, "s2"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 0 {
		t.Errorf("failed = %v, want none (mismatch is a terminal skip)", result.FailedEnvelopeIDs)
	}
	if len(result.Processed) != 2 || len(result.Remaining) != 0 {
		t.Errorf("processed/remaining = %d/%d, want 2/0", len(result.Processed), len(result.Remaining))
	}

	entries := extractBundle(t, h.uploader.body)
	if len(entries) != 1 || string(entries["ok.bin"]) != "four" {
		t.Errorf("bundle entries = %v, want only ok.bin", entryNames(entries))
	}
	if _, ok := entries["grown.bin"]; ok {
		t.Error("mismatched entry must be absent from the archive")
	}
	if h.collector.Snapshot().ObjectsSkippedSizeMismatch != 1 {
		t.Error("ObjectsSkippedSizeMismatch not incremented")
	}
}

// A budget trip has to cancel in-flight fetches, not just stop dispatch,
// so a store call that never returns cannot wedge the teardown.
func TestProcess_BudgetStopCancelsInflightFetch(t *testing.T) {
	h := newHarness(t, Options{
		MaxOnDiskBytes: 400,
		FetchWorkers:   2,
	})
	h.put("big.bin", strings.Repeat("a", 399))
	h.fetcher.objects["stuck.bin"] = fakeObject{wait: true}
	h.put("tip.bin", strings.Repeat("b", 10))

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "big.bin", 399, "s1"),
		envelopeFor("e2", "stuck.bin", 10, "s2"),
		envelopeFor("e3", "tip.bin", 10, "s3"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.Processed) != 1 || result.Processed[0].OriginalKey != "big.bin" {
		t.Errorf("processed = %+v, want only big.bin", result.Processed)
	}
	if len(result.Remaining) != 2 {
		t.Errorf("remaining = %+v, want stuck.bin and tip.bin", result.Remaining)
	}
	if len(result.FailedEnvelopeIDs) != 2 {
		t.Errorf("failed = %v, want [e2 e3]", result.FailedEnvelopeIDs)
	}

	if h.uploader.calls != 1 {
		t.Fatalf("upload calls = %d, want 1 (partial bundle still ships)", h.uploader.calls)
	}
	entries := extractBundle(t, h.uploader.body)
	if len(entries) != 1 {
		t.Errorf("bundle entries = %v, want only big.bin", entryNames(entries))
	}
	if h.collector.Snapshot().BudgetStopsDisk != 1 {
		t.Error("BudgetStopsDisk not incremented")
	}
}

// When the writer cannot keep up, a fetcher's handoff times out and the
// whole batch fails retryably with nothing uploaded.
func TestProcess_BackpressureOverflowFailsBatch(t *testing.T) {
	h := newHarness(t, Options{
		FetchWorkers: 2,
		PutTimeout:   40 * time.Millisecond,
	})
	h.fetcher.objects["slow.bin"] = fakeObject{
		content: []byte(strings.Repeat("s", 8)),
		readGap: 30 * time.Millisecond,
	}
	envelopes := []types.EventEnvelope{envelopeFor("e1", "slow.bin", 8, "s1")}
	for i := 2; i <= 5; i++ {
		key := fmt.Sprintf("f%d.bin", i)
		h.put(key, "data")
		envelopes = append(envelopes, envelopeFor(fmt.Sprintf("e%d", i), key, 4, fmt.Sprintf("s%d", i)))
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeBackpressureOverflow {
		t.Fatalf("error = %v, want code %s", err, CodeBackpressureOverflow)
	}
	if !IsRetryable(err) {
		t.Error("backpressure overflow must be retryable")
	}

	if len(result.FailedEnvelopeIDs) != 5 {
		t.Errorf("failed = %v, want all five envelopes", result.FailedEnvelopeIDs)
	}
	if len(result.Remaining) != 5 {
		t.Errorf("remaining = %d records, want 5", len(result.Remaining))
	}
	if h.uploader.calls != 0 {
		t.Error("no bundle should be uploaded after an overflow")
	}

	snap := h.collector.Snapshot()
	if snap.QueuePutStalled == 0 {
		t.Error("QueuePutStalled not incremented")
	}
	if snap.BatchesFailed != 1 {
		t.Errorf("BatchesFailed = %d, want 1", snap.BatchesFailed)
	}
}

func TestProcess_ObjectNotFoundIsTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("present.bin", "here")
	// "gone.bin" is never stored, so the fetch raises not-found.

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "present.bin", 4, "s1"),
		envelopeFor("e2", "gone.bin", 9, "s2"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 0 {
		t.Errorf("failed = %v, want none (missing object is terminal)", result.FailedEnvelopeIDs)
	}
	if len(result.Remaining) != 0 {
		t.Errorf("remaining = %+v, want none", result.Remaining)
	}

	entries := extractBundle(t, h.uploader.body)
	if len(entries) != 1 || string(entries["present.bin"]) != "here" {
		t.Errorf("bundle entries = %v", entryNames(entries))
	}
	if h.collector.Snapshot().ObjectsSkippedNotFound != 1 {
		t.Error("ObjectsSkippedNotFound not incremented")
	}
}

func TestProcess_ThrottledRecordIsDeferred(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("ok.bin", "fine")
	h.fetcher.objects["slow.bin"] = fakeObject{err: objstore.ErrThrottled}

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "ok.bin", 4, "s1"),
		envelopeFor("e2", "slow.bin", 4, "s2"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.Remaining) != 1 || result.Remaining[0].OriginalKey != "slow.bin" {
		t.Errorf("remaining = %+v, want slow.bin", result.Remaining)
	}
	if len(result.FailedEnvelopeIDs) != 1 || result.FailedEnvelopeIDs[0] != "e2" {
		t.Errorf("failed = %v, want [e2]", result.FailedEnvelopeIDs)
	}
	if h.collector.Snapshot().ObjectsDeferredThrottled != 1 {
		t.Error("ObjectsDeferredThrottled not incremented")
	}
}

func TestProcess_TransientClaimErrorFailsEnvelope(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("good.bin", "payload")
	h.put("flaky.bin", "payload")
	h.store.failFor["flaky.bin"] = errors.New("kv store unavailable")

	envelopes := []types.EventEnvelope{
		envelopeFor("e1", "good.bin", 7, "s1"),
		envelopeFor("e2", "flaky.bin", 7, "s2"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 1 || result.FailedEnvelopeIDs[0] != "e2" {
		t.Errorf("failed = %v, want [e2]", result.FailedEnvelopeIDs)
	}

	entries := extractBundle(t, h.uploader.body)
	if len(entries) != 1 || string(entries["good.bin"]) != "payload" {
		t.Errorf("bundle entries = %v", entryNames(entries))
	}
	if h.collector.Snapshot().ClaimErrors != 1 {
		t.Error("ClaimErrors not incremented")
	}
}

func TestProcess_MalformedEnvelope(t *testing.T) {
	h := newHarness(t, Options{})
	h.put("a.bin", "x")

	envelopes := []types.EventEnvelope{
		{ID: "bad", Payload: []byte(`{{not json`)},
		envelopeFor("e1", "a.bin", 1, "s1"),
	}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 1 || result.FailedEnvelopeIDs[0] != "bad" {
		t.Errorf("failed = %v, want [bad]", result.FailedEnvelopeIDs)
	}
	if h.collector.Snapshot().MalformedEnvelopes != 1 {
		t.Error("MalformedEnvelopes not incremented")
	}
}

func TestProcess_EmptyBatch(t *testing.T) {
	h := newHarness(t, Options{})
	result, err := h.orch.Process(context.Background(), "inv-1", nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.FailedEnvelopeIDs) != 0 || result.Artifact != nil {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestProcess_BatchTooLarge(t *testing.T) {
	h := newHarness(t, Options{MaxInputBytes: 100})
	h.put("huge.bin", "irrelevant")

	envelopes := []types.EventEnvelope{envelopeFor("e1", "huge.bin", 5000, "s1")}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	if err == nil {
		t.Fatal("expected BatchTooLarge error")
	}
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeBatchTooLarge {
		t.Errorf("error = %v, want code %s", err, CodeBatchTooLarge)
	}
	if !IsRetryable(err) {
		t.Error("BatchTooLarge must be retryable")
	}
	if len(result.FailedEnvelopeIDs) != 1 || result.FailedEnvelopeIDs[0] != "e1" {
		t.Errorf("failed = %v, want [e1]", result.FailedEnvelopeIDs)
	}
	if h.uploader.calls != 0 {
		t.Error("no bundle should be attempted past a failed pre-flight")
	}
}

func TestProcess_UploadFailureFailsSurvivors(t *testing.T) {
	h := newHarness(t, Options{})
	h.uploader.err = errors.New("store unavailable")
	h.put("a.bin", "content")

	envelopes := []types.EventEnvelope{envelopeFor("e1", "a.bin", 7, "s1")}

	result, err := h.orch.Process(context.Background(), "inv-1", envelopes)
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeUploadFailed {
		t.Fatalf("error = %v, want code %s", err, CodeUploadFailed)
	}
	if !be.Retryable {
		t.Error("upload failure must be retryable")
	}
	if len(result.FailedEnvelopeIDs) != 1 || result.FailedEnvelopeIDs[0] != "e1" {
		t.Errorf("failed = %v, want [e1]", result.FailedEnvelopeIDs)
	}
	if h.collector.Snapshot().BatchesFailed != 1 {
		t.Error("BatchesFailed not incremented")
	}
}

func TestProcessDirect_RefusedInProduction(t *testing.T) {
	h := newHarness(t, Options{Environment: "production"})

	_, err := h.orch.ProcessDirect(context.Background(), "inv-1", nil)
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeDirectInvokeRefused {
		t.Fatalf("error = %v, want code %s", err, CodeDirectInvokeRefused)
	}
	if be.Retryable {
		t.Error("direct-invoke refusal must not be retryable")
	}
}

func TestProcessDirect_BypassesIdempotency(t *testing.T) {
	h := newHarness(t, Options{Environment: "dev"})
	h.put("a.bin", "direct content")

	record := json.RawMessage(`{"s3":{"bucket":{"name":"ingest"},"object":{"key":"a.bin","size":14,"sequencer":"s1"}}}`)

	for run := 0; run < 2; run++ {
		result, err := h.orch.ProcessDirect(context.Background(), fmt.Sprintf("inv-%d", run), []json.RawMessage{record})
		if err != nil {
			t.Fatalf("ProcessDirect run %d failed: %v", run, err)
		}
		if len(result.FailedEnvelopeIDs) != 0 {
			t.Errorf("run %d: failed = %v", run, result.FailedEnvelopeIDs)
		}
	}

	// No claims, so the second run bundles the same object again.
	if h.uploader.calls != 2 {
		t.Errorf("upload calls = %d, want 2", h.uploader.calls)
	}
}

func entryNames(entries map[string][]byte) []string {
	out := make([]string, 0, len(entries))
	for name := range entries {
		out = append(out, name)
	}
	return out
}
