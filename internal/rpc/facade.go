package rpc

import (
	"net"
	"sync"

	"github.com/vasum/vasum/internal/transport"
)

// Service pairs a listener with a Processor: every accepted connection
// becomes a peer.
type Service struct {
	Processor *Processor

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewService starts accepting connections on l and routing them into a
// freshly created Processor with the given max peer count.
func NewService(l net.Listener, maxPeers int) (*Service, error) {
	proc, err := NewProcessor(maxPeers)
	if err != nil {
		return nil, err
	}

	proc.Start()

	s := &Service{Processor: proc, listener: l, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	for {
		sock, err := transport.Accept(s.listener)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if _, err := s.Processor.AddPeer(sock); err != nil {
			_ = sock.Close()
		}
	}
}

// Stop stops accepting new connections and shuts down the Processor.
// Errors during shutdown are swallowed, per spec.md §5's destructor
// guarantee; they are neither returned nor logged.
func (s *Service) Stop() {
	close(s.stopCh)
	_ = s.listener.Close()
	s.wg.Wait()
	s.Processor.Stop(true)
}

// Client connects once to a Service and exposes typed call/signal helpers
// over the single resulting peer.
type Client struct {
	Processor *Processor
	peer      PeerID
}

// NewClient connects sock as the sole peer of a freshly created Processor.
func NewClient(sock *transport.Socket) (*Client, error) {
	proc, err := NewProcessor(1)
	if err != nil {
		return nil, err
	}

	proc.Start()

	peer, err := proc.AddPeer(sock)
	if err != nil {
		proc.Stop(true)
		return nil, err
	}

	return &Client{Processor: proc, peer: peer}, nil
}

// CallSync sends a method request and blocks for its reply.
func (c *Client) CallSync(methodID MethodID, payload []byte, parseReply func([]byte) (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}

	ch := make(chan result, 1)
	c.Processor.Call(c.peer, methodID, payload, parseReply, func(v any, err error) {
		ch <- result{v, err}
	})

	r := <-ch
	return r.v, r.err
}

// CallAsync sends a method request and invokes cb from the processor
// goroutine once a reply arrives.
func (c *Client) CallAsync(methodID MethodID, payload []byte, parseReply func([]byte) (any, error), cb func(v any, err error)) {
	c.Processor.Call(c.peer, methodID, payload, parseReply, cb)
}

// SignalOut sends a fire-and-forget message to the server peer.
func (c *Client) SignalOut(methodID MethodID, payload []byte) {
	c.Processor.Signal(c.peer, methodID, payload)
}

// Close stops the client's Processor, which closes its sole peer socket.
func (c *Client) Close() {
	c.Processor.Stop(true)
}
