package rpc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vasum/vasum/internal/transport"
)

type reqAddPeer struct {
	sock *transport.Socket
	done chan PeerID
}

type reqRemovePeer struct {
	peer PeerID
	done chan struct{}
}

type reqMethodCall struct {
	peer       PeerID
	methodID   MethodID
	messageID  UniqueID
	payload    []byte
	parseReply func([]byte) (any, error)
	onReply    func(value any, err error)
}

type reqSignalSend struct {
	peer     PeerID // 0 means broadcast to every peer
	methodID MethodID
	payload  []byte
}

type reqSendResult struct {
	peer      PeerID
	methodID  MethodID
	messageID UniqueID
	value     any
}

type reqSendError struct {
	peer      PeerID
	messageID UniqueID
	code      int32
	message   string
}

type reqFinish struct {
	done chan struct{}
}

// AddPeer registers sock as a new peer, enforcing MaxPeers, and returns
// its assigned id. It blocks until the processor goroutine has processed
// the addition.
func (p *Processor) AddPeer(sock *transport.Socket) (PeerID, error) {
	done := make(chan PeerID, 1)
	p.enqueue(&reqAddPeer{sock: sock, done: done})
	id := <-done
	if id == 0 {
		return 0, ErrMaxPeers
	}

	return id, nil
}

func (p *Processor) handleAddPeer(r *reqAddPeer) {
	if p.maxPeers > 0 && len(p.peers) >= p.maxPeers {
		r.done <- 0
		return
	}

	p.nextPeerID++
	id := p.nextPeerID

	fd, err := r.sock.Fd()
	if err != nil {
		r.done <- 0
		return
	}

	ps := &peerState{id: id, sock: r.sock, fd: fd}
	p.peers[id] = ps
	p.registerPeerReader(ps)

	// Announce locally-handled signals before anything else can be sent
	// to this peer, per spec.md §5's ordering guarantee.
	ids := p.LocalSignalIDs()
	payload := encodeIDList(ids)
	_ = p.writeFrame(ps, Header{MethodID: MethodRegisterSignal, MessageID: NewUniqueID()}, payload)

	if p.NewPeerCallback != nil {
		p.NewPeerCallback(id, fd)
	}

	r.done <- id
}

// RemovePeer synchronously removes peer, failing its pending calls with
// ErrRemovedPeer, and blocks until complete.
func (p *Processor) RemovePeer(peer PeerID) {
	done := make(chan struct{})
	p.enqueue(&reqRemovePeer{peer: peer, done: done})
	<-done
}

func (p *Processor) handleRemovePeer(peer PeerID, cause error) {
	ps, ok := p.peers[peer]
	if !ok {
		return
	}

	delete(p.peers, peer)
	_ = p.poller.RemoveFD(ps.fd)
	_ = ps.sock.Close()

	for m, addressees := range p.signalAddressees {
		filtered := addressees[:0]
		for _, id := range addressees {
			if id != peer {
				filtered = append(filtered, id)
			}
		}

		p.signalAddressees[m] = filtered
	}

	for id, pc := range p.pending {
		if pc.peerID == peer {
			delete(p.pending, id)
			pc.onReply(nil, cause)
		}
	}

	if p.RemovedPeerCallback != nil {
		p.RemovedPeerCallback(peer, ps.fd)
	}
}

// Call sends a method request to peer and arranges for onReply to be
// invoked from the processor goroutine when a RETURN/ERROR frame for it
// arrives, or when the peer disconnects or the processor closes.
func (p *Processor) Call(peer PeerID, methodID MethodID, payload []byte, parseReply func([]byte) (any, error), onReply func(value any, err error)) {
	p.enqueue(&reqMethodCall{
		peer:       peer,
		methodID:   methodID,
		messageID:  NewUniqueID(),
		payload:    payload,
		parseReply: parseReply,
		onReply:    onReply,
	})
}

func (p *Processor) handleMethodCall(r *reqMethodCall) {
	ps, ok := p.peers[r.peer]
	if !ok {
		r.onReply(nil, ErrPeerDisconnected)
		return
	}

	p.pending[r.messageID] = &pendingCall{peerID: r.peer, parseReply: r.parseReply, onReply: r.onReply}

	err := p.writeFrame(ps, Header{MethodID: r.methodID, MessageID: r.messageID}, r.payload)
	if err != nil {
		delete(p.pending, r.messageID)
		r.onReply(nil, ErrSerialization)
		p.handleRemovePeer(r.peer, ErrNaughtyPeer)
	}
}

// Signal sends a fire-and-forget message to peer (or, if peer is 0, to
// every connected peer).
func (p *Processor) Signal(peer PeerID, methodID MethodID, payload []byte) {
	p.enqueue(&reqSignalSend{peer: peer, methodID: methodID, payload: payload})
}

func (p *Processor) handleSignalSend(r *reqSignalSend) {
	targets := []PeerID{r.peer}
	if r.peer == 0 {
		// Broadcast: route only to peers that announced interest in
		// this signal via REGISTER_SIGNAL (spec.md §4.7's
		// signal_addressees table), not to every connected peer.
		targets = append([]PeerID(nil), p.signalAddressees[r.methodID]...)
	}

	for _, id := range targets {
		ps, ok := p.peers[id]
		if !ok {
			continue
		}

		err := p.writeFrame(ps, Header{MethodID: r.methodID, MessageID: NewUniqueID()}, r.payload)
		if err != nil {
			p.handleRemovePeer(id, ErrNaughtyPeer)
		}
	}
}

func (p *Processor) handleSendResult(r *reqSendResult) {
	ps, ok := p.peers[r.peer]
	if !ok {
		return
	}

	mh, ok := p.methods[r.methodID]
	if !ok {
		return
	}

	payload, err := mh.SerializeResponse(r.value)
	if err != nil {
		p.handleRemovePeer(r.peer, ErrNaughtyPeer)
		return
	}

	err = p.writeFrame(ps, Header{MethodID: MethodReturn, MessageID: r.messageID}, payload)
	if err != nil {
		p.handleRemovePeer(r.peer, ErrNaughtyPeer)
	}
}

func (p *Processor) handleSendError(r *reqSendError) {
	ps, ok := p.peers[r.peer]
	if !ok {
		return
	}

	payload := encodeWireError(wireError{MessageID: r.messageID, Code: r.code, Message: r.message})
	err := p.writeFrame(ps, Header{MethodID: MethodError, MessageID: r.messageID}, payload)
	if err != nil {
		p.handleRemovePeer(r.peer, ErrNaughtyPeer)
	}
}

// Stop drains the request queue, fails all outstanding pending calls with
// ErrClosing, removes every peer, and stops the dispatcher loop. If wait
// is true it blocks until shutdown is complete.
func (p *Processor) Stop(wait bool) {
	p.stopOnce.Do(func() {
		done := make(chan struct{})
		p.enqueue(&reqFinish{done: done})
		if wait {
			<-done
			<-p.doneCh
		}
	})
}

func (p *Processor) handleFinish(r *reqFinish) {
	for id, pc := range p.pending {
		delete(p.pending, id)
		pc.onReply(nil, ErrClosing)
	}

	for id := range p.peers {
		p.handleRemovePeer(id, ErrClosing)
	}

	_ = p.poller.RemoveFD(p.eventFD)
	_ = unix.Close(p.eventFD)
	_ = p.poller.Close()
	p.running = false

	close(r.done)
}

func (p *Processor) writeFrame(ps *peerState, h Header, payload []byte) error {
	var hdrBuf writeBuf
	if err := EncodeHeader(&hdrBuf, h); err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	frame := make([]byte, 0, len(hdrBuf.b)+4+len(payload))
	frame = append(frame, hdrBuf.b...)
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, payload...)

	return ps.sock.WriteAll(frame)
}

// writeBuf is a tiny io.Writer adapter so EncodeHeader can target a byte slice.
type writeBuf struct{ b []byte }

func (w *writeBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func encodeIDList(ids []MethodID) []byte {
	buf := make([]byte, 4+8*len(ids))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[4+8*i:4+8*i+8], uint64(id))
	}

	return buf
}

func decodeIDList(buf []byte) ([]MethodID, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("rpc: short id list")
	}

	n := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]
	if uint64(len(rest)) < uint64(n)*8 {
		return nil, fmt.Errorf("rpc: truncated id list")
	}

	ids := make([]MethodID, n)
	for i := range ids {
		ids[i] = MethodID(binary.LittleEndian.Uint64(rest[8*i : 8*i+8]))
	}

	return ids, nil
}

func encodeWireError(e wireError) []byte {
	msg := []byte(e.Message)
	buf := make([]byte, uniqueIDWireLen+4+4+len(msg))
	putUniqueID(buf[0:uniqueIDWireLen], e.MessageID)
	binary.LittleEndian.PutUint32(buf[uniqueIDWireLen:uniqueIDWireLen+4], uint32(e.Code))
	binary.LittleEndian.PutUint32(buf[uniqueIDWireLen+4:uniqueIDWireLen+8], uint32(len(msg)))
	copy(buf[uniqueIDWireLen+8:], msg)

	return buf
}

func decodeWireError(buf []byte) (wireError, error) {
	if len(buf) < uniqueIDWireLen+8 {
		return wireError{}, fmt.Errorf("rpc: short error frame")
	}

	id := getUniqueID(buf[0:uniqueIDWireLen])
	code := int32(binary.LittleEndian.Uint32(buf[uniqueIDWireLen : uniqueIDWireLen+4]))
	msgLen := binary.LittleEndian.Uint32(buf[uniqueIDWireLen+4 : uniqueIDWireLen+8])
	rest := buf[uniqueIDWireLen+8:]
	if uint32(len(rest)) < msgLen {
		return wireError{}, fmt.Errorf("rpc: truncated error message")
	}

	return wireError{MessageID: id, Code: code, Message: string(rest[:msgLen])}, nil
}

func putUniqueID(buf []byte, id UniqueID) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(id.Sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(id.Nsec))
	copy(buf[16:32], id.UUID[:])
}

func getUniqueID(buf []byte) UniqueID {
	var id UniqueID
	id.Sec = int64(binary.LittleEndian.Uint64(buf[0:8]))
	id.Nsec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	copy(id.UUID[:], buf[16:32])

	return id
}
