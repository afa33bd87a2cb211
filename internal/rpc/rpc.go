// Package rpc implements the request/response/stream framing duskmesh runs
// over a libp2p stream once the onion layer has peeled to the terminal hop
// (spec §6): {op-code (1 byte), request-id (varint), body}.
package rpc

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// OpCode identifies the RPC message type. The ranges mirror spec §6.
type OpCode byte

// Onion control, 0x00-0x1F.
const (
	OpExtend    OpCode = 0x00
	OpExtendAck OpCode = 0x01
	OpData      OpCode = 0x02
	OpClose     OpCode = 0x03
)

// Chat ops, 0x20-0x3F.
const (
	OpCreateChat     OpCode = 0x20
	OpInvite         OpCode = 0x21
	OpRemove         OpCode = 0x22
	OpSetPermission  OpCode = 0x23
	OpSendMessage    OpCode = 0x24
	OpFetchMessages  OpCode = 0x25
	OpSubscribe      OpCode = 0x26
	OpUnsubscribe    OpCode = 0x27
)

// Replication, 0x40-0x5F.
const (
	OpReplicate    OpCode = 0x40
	OpGetHash      OpCode = 0x41
	OpGetState     OpCode = 0x42
	OpAckReplicate OpCode = 0x43
)

// Errors and diagnostics, 0xF0-0xFF.
const (
	OpError OpCode = 0xF0
	OpPing  OpCode = 0xF1
	OpPong  OpCode = 0xF2
)

// Class reports which op-code range a code falls in.
type Class int

const (
	ClassOnion Class = iota
	ClassChat
	ClassReplication
	ClassDiagnostic
	ClassUnknown
)

// ClassOf classifies an op-code.
func ClassOf(op OpCode) Class {
	switch {
	case op <= 0x1F:
		return ClassOnion
	case op >= 0x20 && op <= 0x3F:
		return ClassChat
	case op >= 0x40 && op <= 0x5F:
		return ClassReplication
	case op >= 0xF0:
		return ClassDiagnostic
	default:
		return ClassUnknown
	}
}

// Message is a single RPC frame.
type Message struct {
	Op        OpCode
	RequestID uint64
	Body      []byte
}

// MaxBodySize bounds a single frame's body to guard against a malformed
// length field exhausting memory.
const MaxBodySize = 16 << 20

// WriteMessage encodes m onto w as {op(1) | request-id(varint) | len(varint) | body}.
func WriteMessage(w io.Writer, m Message) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write([]byte{byte(m.Op)}); err != nil {
		return fmt.Errorf("rpc: write op: %w", err)
	}
	idBuf := varint.ToUvarint(m.RequestID)
	if _, err := bw.Write(idBuf); err != nil {
		return fmt.Errorf("rpc: write request-id: %w", err)
	}
	lenBuf := varint.ToUvarint(uint64(len(m.Body)))
	if _, err := bw.Write(lenBuf); err != nil {
		return fmt.Errorf("rpc: write body length: %w", err)
	}
	if len(m.Body) > 0 {
		if _, err := bw.Write(m.Body); err != nil {
			return fmt.Errorf("rpc: write body: %w", err)
		}
	}
	return bw.Flush()
}

// ReadMessage decodes one frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	br, ok := r.(interface {
		io.Reader
		io.ByteReader
	})
	if !ok {
		br = bufio.NewReader(r)
	}
	opByte, err := br.ReadByte()
	if err != nil {
		return Message{}, err // EOF propagates as-is for callers' loop exit
	}
	reqID, err := varint.ReadUvarint(br)
	if err != nil {
		return Message{}, fmt.Errorf("rpc: read request-id: %w", err)
	}
	bodyLen, err := varint.ReadUvarint(br)
	if err != nil {
		return Message{}, fmt.Errorf("rpc: read body length: %w", err)
	}
	if bodyLen > MaxBodySize {
		return Message{}, fmt.Errorf("rpc: body length %d exceeds max %d", bodyLen, MaxBodySize)
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(br, body); err != nil {
			return Message{}, fmt.Errorf("rpc: read body: %w", err)
		}
	}
	return Message{Op: OpCode(opByte), RequestID: reqID, Body: body}, nil
}
