// Package rpc implements the single-threaded message processor described
// in the vasum design: method calls with typed return futures, one-way
// signals, peer add/remove, and a framed wire format over a stream
// transport. See Processor for the event-loop core.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// MethodID identifies an RPC method or signal. Three values are reserved
// by the protocol itself (see the constants below); applications may use
// any other value.
type MethodID uint64

const (
	// MethodReturn carries a reply payload for the message_id in its header.
	MethodReturn MethodID = ^MethodID(0)
	// MethodRegisterSignal announces, on peer add, which signal ids the
	// sender handles.
	MethodRegisterSignal MethodID = ^MethodID(0) - 1
	// MethodError carries {message_id, code, message} for a failed call.
	MethodError MethodID = ^MethodID(0) - 2
)

// IsReserved reports whether m is one of the protocol-reserved method ids.
func (m MethodID) IsReserved() bool {
	return m == MethodReturn || m == MethodRegisterSignal || m == MethodError
}

// UniqueID is {CLOCK_REALTIME timespec, 128-bit UUID}; wall-clock
// non-monotonicity is fine because ids are only ever compared by
// equality, never ordered (spec.md §9 Open Questions).
type UniqueID struct {
	Sec  int64
	Nsec int64
	UUID [16]byte
}

// NewUniqueID mints a fresh message id from the current wall clock and a
// random UUID.
func NewUniqueID() UniqueID {
	now := time.Now()
	return UniqueID{
		Sec:  now.Unix(),
		Nsec: int64(now.Nanosecond()),
		UUID: uuid.New(),
	}
}

// uniqueIDWireLen is the encoded size of a UniqueID: two int64s plus 16 raw bytes.
const uniqueIDWireLen = 8 + 8 + 16

// headerWireLen is the encoded size of a Header: method_id (u64) plus a UniqueID.
const headerWireLen = 8 + uniqueIDWireLen

// Header is the fixed-size frame prefix placed before every codec-defined
// payload on the wire: method_id then message_id, all little-endian.
type Header struct {
	MethodID  MethodID
	MessageID UniqueID
}

// EncodeHeader writes h's wire representation to w.
func EncodeHeader(w io.Writer, h Header) error {
	var buf [headerWireLen]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.MethodID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.MessageID.Sec))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.MessageID.Nsec))
	copy(buf[24:40], h.MessageID.UUID[:])

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("rpc: write header: %w", err)
	}

	return nil
}

// DecodeHeader reads a Header's wire representation from r.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [headerWireLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("rpc: read header: %w", err)
	}

	var h Header
	h.MethodID = MethodID(binary.LittleEndian.Uint64(buf[0:8]))
	h.MessageID.Sec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	h.MessageID.Nsec = int64(binary.LittleEndian.Uint64(buf[16:24]))
	copy(h.MessageID.UUID[:], buf[24:40])

	return h, nil
}
