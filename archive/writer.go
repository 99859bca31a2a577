package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ErrEntrySizeMismatch reports a buffered entry whose streamed byte count
// did not match its declared size. The entry is absent from the archive and
// the writer remains usable.
var ErrEntrySizeMismatch = errors.New("entry size mismatch")

// ErrWriterClosed reports an operation on a writer that has already failed
// or finalized.
var ErrWriterClosed = errors.New("archive writer closed")

type writerState int

const (
	stateIdle writerState = iota
	stateWriting
	stateFinalizing
	stateClosed
)

// epoch is the fixed modification time stamped on every entry so two
// archives with the same contents compress to the same bytes.
var epoch = time.Unix(0, 0)

// Result describes a finalized archive, rewound and ready to upload.
type Result struct {
	SHA256Hex string
	Size      int64
	Entries   int
	Body      io.Reader
}

// Writer is the single-threaded tar + gzip builder. All entries flow
// through one goroutine; concurrency lives upstream in the fetch pool.
type Writer struct {
	spool      *Spool
	hw         *HashingWriter
	gz         *gzip.Writer
	tw         *tar.Writer
	names      map[string]struct{}
	collisions map[string]int
	entries    int
	state      writerState
	smallLimit int64
}

// NewWriter builds a writer over spool. Entries smaller than the spool
// threshold are fully buffered and size-verified before being committed.
func NewWriter(spool *Spool) *Writer {
	hw := NewHashingWriter(spool)
	gz := gzip.NewWriter(hw)
	return &Writer{
		spool:      spool,
		hw:         hw,
		gz:         gz,
		tw:         tar.NewWriter(gz),
		names:      make(map[string]struct{}),
		collisions: make(map[string]int),
		state:      stateIdle,
		smallLimit: spool.threshold,
	}
}

// Entries returns the number of entries committed so far.
func (w *Writer) Entries() int {
	return w.entries
}

// Add streams one object body into the archive under safePath.
//
// Small bodies are buffered and their byte count checked against size; a
// mismatch returns ErrEntrySizeMismatch and leaves the archive untouched.
// Large bodies are streamed through trusting size, so a short read there is
// fatal: the tar stream is already committed to the declared length.
func (w *Writer) Add(safePath string, body io.Reader, size int64) error {
	switch w.state {
	case stateIdle:
		w.state = stateWriting
	case stateWriting:
	default:
		return ErrWriterClosed
	}

	name := w.resolveName(safePath)

	if size < w.smallLimit {
		return w.addBuffered(name, body, size)
	}
	return w.addStreamed(name, body, size)
}

func (w *Writer) addBuffered(name string, body io.Reader, size int64) error {
	var buf bytes.Buffer
	// Read one byte past the declared size so an oversized body is caught.
	n, err := io.Copy(&buf, io.LimitReader(body, size+1))
	if err != nil {
		return fmt.Errorf("buffer %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("%s: declared %d bytes, streamed %d: %w",
			name, size, n, ErrEntrySizeMismatch)
	}

	if err := w.writeHeader(name, size); err != nil {
		return err
	}
	if _, err := io.Copy(w.tw, &buf); err != nil {
		return w.fail(fmt.Errorf("write entry %s: %w", name, err))
	}
	w.entries++
	return nil
}

func (w *Writer) addStreamed(name string, body io.Reader, size int64) error {
	if err := w.writeHeader(name, size); err != nil {
		return err
	}
	n, err := io.Copy(w.tw, io.LimitReader(body, size))
	if err != nil {
		return w.fail(fmt.Errorf("stream entry %s: %w", name, err))
	}
	if n != size {
		// The header already promised size bytes; the archive is torn and
		// this is not a skippable mismatch.
		return w.fail(fmt.Errorf("stream entry %s: declared %d bytes, streamed %d: %w",
			name, size, n, ErrWriterClosed))
	}
	w.entries++
	return nil
}

func (w *Writer) writeHeader(name string, size int64) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    size,
		Mode:    0o644,
		ModTime: epoch,
		Uid:     0,
		Gid:     0,
		Uname:   "root",
		Gname:   "root",
		Format:  tar.FormatPAX,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return w.fail(fmt.Errorf("write header %s: %w", name, err))
	}
	return nil
}

// resolveName applies the collision rule: the Nth repeat of a path gets
// "(N)" inserted before the extension, in arrival order.
func (w *Writer) resolveName(safePath string) string {
	name := safePath
	for {
		if _, taken := w.names[name]; !taken {
			w.names[name] = struct{}{}
			return name
		}
		w.collisions[safePath]++
		ext := path.Ext(safePath)
		name = safePath[:len(safePath)-len(ext)] +
			fmt.Sprintf("(%d)", w.collisions[safePath]) + ext
	}
}

// Finalize flushes the tar and gzip streams, seals the spool, and returns
// the finished artifact. The digest covers the compressed bytes exactly as
// they will be uploaded.
func (w *Writer) Finalize() (*Result, error) {
	switch w.state {
	case stateIdle, stateWriting:
		w.state = stateFinalizing
	default:
		return nil, ErrWriterClosed
	}

	if err := w.tw.Close(); err != nil {
		return nil, w.fail(fmt.Errorf("close tar stream: %w", err))
	}
	if err := w.gz.Close(); err != nil {
		return nil, w.fail(fmt.Errorf("close gzip stream: %w", err))
	}

	body, err := w.spool.Seal()
	if err != nil {
		return nil, w.fail(err)
	}
	w.state = stateClosed

	return &Result{
		SHA256Hex: w.hw.SumHex(),
		Size:      w.hw.Count(),
		Entries:   w.entries,
		Body:      body,
	}, nil
}

// BytesWritten returns the compressed bytes emitted so far, used for the
// on-disk budget check.
func (w *Writer) BytesWritten() int64 {
	return w.hw.Count()
}

// Spilled reports whether the archive has overflowed to disk.
func (w *Writer) Spilled() bool {
	return w.spool.Spilled()
}

func (w *Writer) fail(err error) error {
	w.state = stateClosed
	return err
}

// Close releases the spool. Call it once the upload has consumed the body,
// or on any abort path.
func (w *Writer) Close() error {
	w.state = stateClosed
	return w.spool.Close()
}
