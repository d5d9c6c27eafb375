package rpc

import "fmt"

// PeerID is the opaque identifier a Processor assigns to a peer on AddPeer.
type PeerID uint64

// UserError is an application-level error returned via an ERROR frame; it
// propagates to the caller as-is rather than being translated.
type UserError struct {
	Code    int32
	Message string
}

func (e *UserError) Error() string {
	return fmt.Sprintf("rpc: user error %d: %s", e.Code, e.Message)
}

// Sentinel transport-level errors, matching spec.md §7's taxonomy. These
// are distinct from UserError: they describe the channel, not the
// application.
var (
	// ErrPeerDisconnected is delivered to pending calls when the
	// transport closes while a call is outstanding.
	ErrPeerDisconnected = transportError("peer disconnected")
	// ErrRemovedPeer is delivered when the local side removed the peer.
	ErrRemovedPeer = transportError("peer removed locally")
	// ErrClosing is delivered to all outstanding pending calls when the
	// Processor is shutting down.
	ErrClosing = transportError("processor is closing")
	// ErrSerialization is delivered when an outbound payload could not be encoded.
	ErrSerialization = transportError("serialization failed")
	// ErrParsing is delivered when an inbound payload could not be decoded.
	ErrParsing = transportError("parsing failed")
	// ErrNaughtyPeer marks a protocol violation (unknown method, malformed frame).
	ErrNaughtyPeer = transportError("peer violated protocol")
	// ErrMaxPeers is returned by AddPeer when the peer table is full.
	ErrMaxPeers = transportError("peer table is full")
)

// transportError is a comparable string-based error type so callers can
// use == / errors.Is against the sentinels above.
type transportError string

func (e transportError) Error() string { return string(e) }
