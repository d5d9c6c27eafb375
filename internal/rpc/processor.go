package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vasum/vasum/internal/epoll"
	"github.com/vasum/vasum/internal/transport"
)

// MethodHandler describes how the Processor handles calls to one method id.
type MethodHandler struct {
	// ParseRequest decodes the raw request payload.
	ParseRequest func(payload []byte) (any, error)
	// SerializeResponse encodes a successful result for the RETURN frame.
	SerializeResponse func(v any) ([]byte, error)
	// Run executes the method. It may resolve result synchronously, or
	// hold onto result and resolve later from another goroutine (in
	// which case the deferred resolution is carried back to the
	// Processor through SendResult).
	Run func(peer PeerID, req any, result *MethodResult)
}

// SignalHandler describes how the Processor handles an inbound signal.
type SignalHandler struct {
	Parse func(payload []byte) (any, error)
	Run   func(peer PeerID, data any)
}

// MethodResult is the facade a MethodHandler.Run uses to resolve a call.
type MethodResult struct {
	proc      *Processor
	peer      PeerID
	methodID  MethodID
	messageID UniqueID
	resolved  bool
	mu        sync.Mutex
}

// Set resolves the call with a successful value.
func (r *MethodResult) Set(v any) {
	r.resolveOnce(func() {
		r.proc.enqueue(&reqSendResult{peer: r.peer, methodID: r.methodID, messageID: r.messageID, value: v})
	})
}

// SetVoid resolves the call with no payload.
func (r *MethodResult) SetVoid() {
	r.Set(nil)
}

// SetError resolves the call with an application-level error, delivered
// to the caller via an ERROR frame; the peer is not removed.
func (r *MethodResult) SetError(code int32, message string) {
	r.resolveOnce(func() {
		r.proc.enqueue(&reqSendError{peer: r.peer, messageID: r.messageID, code: code, message: message})
	})
}

func (r *MethodResult) resolveOnce(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return
	}

	r.resolved = true
	f()
}

// pendingCall is the client-side record for an outstanding call.
type pendingCall struct {
	peerID     PeerID
	parseReply func([]byte) (any, error)
	onReply    func(value any, err error)
}

type peerState struct {
	id   PeerID
	sock *transport.Socket
	fd   int
}

// Processor is the single-threaded message router. All mutation of its
// internal maps happens on the dispatcher goroutine; application code
// communicates with it only through the request channel (enqueue).
type Processor struct {
	maxPeers int

	methods map[MethodID]*MethodHandler
	signals map[MethodID]*SignalHandler

	poller *epoll.Poller

	reqCh    chan any
	eventFD  int
	stopOnce sync.Once
	doneCh   chan struct{}

	// processor-goroutine-only state
	peers            map[PeerID]*peerState
	pending          map[UniqueID]*pendingCall
	signalAddressees map[MethodID][]PeerID
	nextPeerID       PeerID
	running          bool

	// NewPeerCallback/RemovedPeerCallback fire from the processor
	// goroutine only, per spec.md §4.8.
	NewPeerCallback     func(id PeerID, fd int)
	RemovedPeerCallback func(id PeerID, fd int)
}

// NewProcessor creates a Processor with the given max peer count (0 means
// unlimited).
func NewProcessor(maxPeers int) (*Processor, error) {
	poller, err := epoll.New()
	if err != nil {
		return nil, fmt.Errorf("rpc: new poller: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("rpc: eventfd: %w", err)
	}

	p := &Processor{
		maxPeers:         maxPeers,
		methods:          make(map[MethodID]*MethodHandler),
		signals:          make(map[MethodID]*SignalHandler),
		poller:           poller,
		reqCh:            make(chan any, 256),
		eventFD:          efd,
		doneCh:           make(chan struct{}),
		peers:            make(map[PeerID]*peerState),
		pending:          make(map[UniqueID]*pendingCall),
		signalAddressees: make(map[MethodID][]PeerID),
	}

	return p, nil
}

// RegisterMethod installs a handler for method id m. Must be called
// before Start.
func (p *Processor) RegisterMethod(m MethodID, h *MethodHandler) {
	p.methods[m] = h
}

// RegisterSignal installs a handler for signal id s. Must be called
// before Start.
func (p *Processor) RegisterSignal(s MethodID, h *SignalHandler) {
	p.signals[s] = h
}

// LocalSignalIDs returns the signal ids this Processor handles, for the
// REGISTER_SIGNAL announcement sent to newly-added peers.
func (p *Processor) LocalSignalIDs() []MethodID {
	ids := make([]MethodID, 0, len(p.signals))
	for id := range p.signals {
		ids = append(ids, id)
	}

	return ids
}

// Start runs the dispatcher loop on a new goroutine.
func (p *Processor) Start() {
	p.running = true
	go p.loop()
}

func (p *Processor) loop() {
	_ = p.poller.AddFD(p.eventFD, epoll.Readable, p.handleEventFD)

	for p.running {
		_, err := p.poller.DispatchIteration(-1)
		if err != nil {
			continue
		}
	}

	close(p.doneCh)
}

func (p *Processor) handleEventFD(fd int, observed epoll.Event) bool {
	var drain [8]byte
	_, _ = unix.Read(p.eventFD, drain[:])

	for {
		select {
		case req := <-p.reqCh:
			p.handle(req)
		default:
			return true
		}
	}
}

func (p *Processor) enqueue(req any) {
	p.reqCh <- req
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(p.eventFD, one[:])
}

func (p *Processor) handle(req any) {
	switch r := req.(type) {
	case *reqAddPeer:
		p.handleAddPeer(r)
	case *reqRemovePeer:
		p.handleRemovePeer(r.peer, ErrRemovedPeer)
		if r.done != nil {
			close(r.done)
		}
	case *reqMethodCall:
		p.handleMethodCall(r)
	case *reqSignalSend:
		p.handleSignalSend(r)
	case *reqSendResult:
		p.handleSendResult(r)
	case *reqSendError:
		p.handleSendError(r)
	case *reqFinish:
		p.handleFinish(r)
	}
}

// registerPeerReader wires a peer's socket fd into the poller; on
// readable it parses exactly one frame per dispatch tick, matching the
// level-triggered, one-iteration-at-a-time contract of epoll.Poller.
func (p *Processor) registerPeerReader(ps *peerState) {
	_ = p.poller.AddFD(ps.fd, epoll.Readable|epoll.Hangup|epoll.RemoteHangup, func(fd int, observed epoll.Event) bool {
		if observed&(epoll.Hangup|epoll.RemoteHangup) != 0 {
			p.handleRemovePeer(ps.id, ErrPeerDisconnected)
			return false
		}

		if err := p.readOneFrame(ps); err != nil {
			p.handleRemovePeer(ps.id, ErrPeerDisconnected)
			return false
		}

		return true
	})
}

func (p *Processor) readOneFrame(ps *peerState) error {
	h, err := DecodeHeader(ps.sock.Conn())
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(ps.sock.Conn(), lenBuf[:]); err != nil {
		return err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(ps.sock.Conn(), payload); err != nil {
			return err
		}
	}

	p.dispatchFrame(ps.id, h, payload)
	return nil
}

func (p *Processor) dispatchFrame(peer PeerID, h Header, payload []byte) {
	switch h.MethodID {
	case MethodReturn:
		p.onReturn(peer, h.MessageID, payload)
	case MethodError:
		p.onError(payload)
	case MethodRegisterSignal:
		p.onRegisterSignal(peer, payload)
	default:
		if mh, ok := p.methods[h.MethodID]; ok {
			p.runMethod(peer, h, mh, payload)
			return
		}

		if sh, ok := p.signals[h.MethodID]; ok {
			p.runSignal(peer, sh, payload)
			return
		}

		// Unknown method id: protocol violation, remove the peer.
		p.handleRemovePeer(peer, ErrNaughtyPeer)
	}
}

func (p *Processor) runMethod(peer PeerID, h Header, mh *MethodHandler, payload []byte) {
	req, err := mh.ParseRequest(payload)
	if err != nil {
		p.handleRemovePeer(peer, ErrParsing)
		return
	}

	result := &MethodResult{proc: p, peer: peer, methodID: h.MethodID, messageID: h.MessageID}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.handleRemovePeer(peer, ErrNaughtyPeer)
			}
		}()

		mh.Run(peer, req, result)
	}()
}

func (p *Processor) runSignal(peer PeerID, sh *SignalHandler, payload []byte) {
	data, err := sh.Parse(payload)
	if err != nil {
		p.handleRemovePeer(peer, ErrParsing)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.handleRemovePeer(peer, ErrNaughtyPeer)
		}
	}()

	sh.Run(peer, data)
}

func (p *Processor) onReturn(peer PeerID, id UniqueID, payload []byte) {
	pc, ok := p.pending[id]
	if !ok {
		return
	}

	delete(p.pending, id)

	v, err := pc.parseReply(payload)
	if err != nil {
		// A RETURN frame that fails to parse is a protocol violation
		// (spec.md §4.7 point 2): fail the call and remove the peer.
		pc.onReply(nil, ErrParsing)
		p.handleRemovePeer(peer, ErrParsing)
		return
	}

	pc.onReply(v, nil)
}

// onRegisterSignal records peer's announced interest in the signal ids
// carried by payload, so broadcast signal sends (peer == 0) route only
// to addressees that asked for them (spec.md §4.7's signal_addressees
// table).
func (p *Processor) onRegisterSignal(peer PeerID, payload []byte) {
	ids, err := decodeIDList(payload)
	if err != nil {
		p.handleRemovePeer(peer, ErrParsing)
		return
	}

	for _, id := range ids {
		p.signalAddressees[id] = append(p.signalAddressees[id], peer)
	}
}

// wireError is the decoded payload of a MethodError frame.
type wireError struct {
	MessageID UniqueID
	Code      int32
	Message   string
}

func (p *Processor) onError(payload []byte) {
	we, err := decodeWireError(payload)
	if err != nil {
		return
	}

	pc, ok := p.pending[we.MessageID]
	if !ok {
		return
	}

	delete(p.pending, we.MessageID)
	pc.onReply(nil, &UserError{Code: we.Code, Message: we.Message})
}
