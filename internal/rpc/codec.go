package rpc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// BodyWriter builds an RPC message body field-by-field, length-prefixing
// variable-size fields the same way WriteMessage length-prefixes bodies.
type BodyWriter struct{ buf bytes.Buffer }

// Bytes returns the bytes written so far.
func (w *BodyWriter) Bytes() []byte { return w.buf.Bytes() }

// PutUint64 appends n as a varint.
func (w *BodyWriter) PutUint64(n uint64) { w.buf.Write(varint.ToUvarint(n)) }

// PutBlob appends a length-prefixed byte slice.
func (w *BodyWriter) PutBlob(b []byte) {
	w.buf.Write(varint.ToUvarint(uint64(len(b))))
	w.buf.Write(b)
}

// PutString appends a length-prefixed string.
func (w *BodyWriter) PutString(s string) { w.PutBlob([]byte(s)) }

// BodyReader parses a BodyWriter-encoded body back out.
type BodyReader struct {
	r   *bytes.Reader
}

// NewBodyReader wraps body for sequential field reads.
func NewBodyReader(body []byte) *BodyReader {
	return &BodyReader{r: bytes.NewReader(body)}
}

// Uint64 reads a varint field.
func (r *BodyReader) Uint64() (uint64, error) {
	n, err := varint.ReadUvarint(r.r)
	if err != nil {
		return 0, fmt.Errorf("rpc: codec: read uint64: %w", err)
	}
	return n, nil
}

// Blob reads a length-prefixed byte slice.
func (r *BodyReader) Blob() ([]byte, error) {
	n, err := varint.ReadUvarint(r.r)
	if err != nil {
		return nil, fmt.Errorf("rpc: codec: read blob length: %w", err)
	}
	if n > MaxBodySize {
		return nil, fmt.Errorf("rpc: codec: blob length %d exceeds max", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r.r, out); err != nil {
		return nil, fmt.Errorf("rpc: codec: read blob: %w", err)
	}
	return out, nil
}

// String reads a length-prefixed string.
func (r *BodyReader) String() (string, error) {
	b, err := r.Blob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
