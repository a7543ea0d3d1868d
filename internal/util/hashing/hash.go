package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// ComputeSHA256 reads from r and returns the hex-encoded SHA256 hash and bytes read.
func ComputeSHA256(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("computing hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumHex returns the hex-encoded SHA256 of data.
func SumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StringHex returns the hex-encoded SHA256 of s.
func StringHex(s string) string {
	return SumHex([]byte(s))
}

// Writer wraps a writer and computes SHA256 as data passes through.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
		h: sha256.New(),
	}
}

func (hw *Writer) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Hash returns the hex digest of everything written so far.
func (hw *Writer) Hash() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// Written returns the number of bytes passed through.
func (hw *Writer) Written() int64 {
	return hw.n
}
