package rpc

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	msg := Message{Op: OpSendMessage, RequestID: 12345, Body: []byte("hello")}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Op != msg.Op || got.RequestID != msg.RequestID || !bytes.Equal(got.Body, msg.Body) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestWriteReadEmptyBody(t *testing.T) {
	msg := Message{Op: OpPing, RequestID: 1}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(got.Body))
	}
}

func TestClassOf(t *testing.T) {
	cases := []struct {
		op   OpCode
		want Class
	}{
		{OpExtend, ClassOnion},
		{OpClose, ClassOnion},
		{OpCreateChat, ClassChat},
		{OpUnsubscribe, ClassChat},
		{OpReplicate, ClassReplication},
		{OpAckReplicate, ClassReplication},
		{OpError, ClassDiagnostic},
		{0x90, ClassUnknown},
	}
	for _, c := range cases {
		if got := ClassOf(c.op); got != c.want {
			t.Errorf("ClassOf(0x%02x) = %v, want %v", c.op, got, c.want)
		}
	}
}

func TestReadMessageRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpData))
	buf.Write(toUvarintForTest(1))
	buf.Write(toUvarintForTest(MaxBodySize + 1))
	if _, err := ReadMessage(&buf); err == nil {
		t.Fatalf("expected error for oversized body length")
	}
}

func toUvarintForTest(x uint64) []byte {
	buf := make([]byte, 0, 10)
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	buf = append(buf, byte(x))
	return buf
}
