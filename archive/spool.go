// Package archive builds the compressed, hash-stamped tar bundle.
//
// The bundle is written through a spill-capable spool: bytes stay in memory
// up to a threshold and overflow to a temporary file beyond it, so a large
// batch never holds the whole compressed archive in memory. A tee hash
// wrapper sits in front of the spool, which is why the digest of the
// finished artifact never requires a second read.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultSpoolThreshold is the in-memory ceiling before spilling to disk.
const DefaultSpoolThreshold = 64 * 1024 * 1024

// Spool is a write-then-read buffer that overflows from memory to a
// temporary file once the threshold is crossed. It is not safe for
// concurrent use; the archive writer is its only producer.
type Spool struct {
	threshold int64
	dir       string

	buf     bytes.Buffer
	file    *os.File
	written int64
	sealed  bool
}

// NewSpool returns a spool that holds up to threshold bytes in memory.
// Overflow files are created in dir, or the system temp dir when empty.
func NewSpool(threshold int64, dir string) *Spool {
	if threshold <= 0 {
		threshold = DefaultSpoolThreshold
	}
	return &Spool{threshold: threshold, dir: dir}
}

// Write appends p, spilling to disk when the in-memory portion would exceed
// the threshold.
func (s *Spool) Write(p []byte) (int, error) {
	if s.sealed {
		return 0, fmt.Errorf("spool: write after seal")
	}

	if s.file == nil && int64(s.buf.Len())+int64(len(p)) > s.threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.written += int64(n)
	return n, err
}

func (s *Spool) spill() error {
	f, err := os.CreateTemp(s.dir, "bale-spool-*.tar.gz")
	if err != nil {
		return fmt.Errorf("spool: create overflow file: %w", err)
	}
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool: spill buffer: %w", err)
	}
	s.buf.Reset()
	s.file = f
	return nil
}

// Size returns the number of bytes written so far.
func (s *Spool) Size() int64 {
	return s.written
}

// Spilled reports whether the spool has overflowed to disk.
func (s *Spool) Spilled() bool {
	return s.file != nil
}

// Seal ends the write phase and returns a reader positioned at the start of
// the accumulated bytes. After Seal, Write fails.
func (s *Spool) Seal() (io.Reader, error) {
	s.sealed = true
	if s.file == nil {
		return bytes.NewReader(s.buf.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("spool: rewind overflow file: %w", err)
	}
	return s.file, nil
}

// Close releases the overflow file, if any. Safe to call more than once.
func (s *Spool) Close() error {
	s.buf.Reset()
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	s.file = nil
	return err
}
