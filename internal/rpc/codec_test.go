package rpc

import "testing"

func TestBodyWriterReaderRoundTrip(t *testing.T) {
	var w BodyWriter
	w.PutString("general")
	w.PutUint64(42)
	w.PutBlob([]byte("payload bytes"))

	r := NewBodyReader(w.Bytes())
	name, err := r.String()
	if err != nil || name != "general" {
		t.Fatalf("name = %q, %v", name, err)
	}
	n, err := r.Uint64()
	if err != nil || n != 42 {
		t.Fatalf("n = %d, %v", n, err)
	}
	blob, err := r.Blob()
	if err != nil || string(blob) != "payload bytes" {
		t.Fatalf("blob = %q, %v", blob, err)
	}
}

func TestBodyReaderRejectsTruncatedBlob(t *testing.T) {
	var w BodyWriter
	w.PutBlob([]byte("short"))
	truncated := w.Bytes()[:len(w.Bytes())-2]
	r := NewBodyReader(truncated)
	if _, err := r.Blob(); err == nil {
		t.Fatalf("expected error reading truncated blob")
	}
}
