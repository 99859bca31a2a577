package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HashingWriter tees every byte through a SHA-256 digest on its way to the
// underlying writer, keeping a running count. Reading the digest after the
// stream is flushed yields the hash of exactly the bytes that reached w.
type HashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewHashingWriter wraps w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// SumHex returns the lowercase hex digest of the bytes written so far.
func (hw *HashingWriter) SumHex() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// Count returns the number of bytes written so far.
func (hw *HashingWriter) Count() int64 {
	return hw.n
}
