package rpc

import (
	"strings"
	"testing"
	"time"

	"github.com/vasum/vasum/internal/transport"
)

const methodUppercase MethodID = 1

func stringCodec() (func([]byte) (any, error), func(any) ([]byte, error)) {
	parse := func(b []byte) (any, error) { return string(b), nil }
	serialize := func(v any) ([]byte, error) { return []byte(v.(string)), nil }
	return parse, serialize
}

func newLoopback(t *testing.T) (*transport.Socket, *transport.Socket) {
	t.Helper()

	sockPath := t.TempDir() + "/rpc.sock"
	l, err := transport.ListenUnix(sockPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer l.Close()

	acceptCh := make(chan *transport.Socket, 1)
	go func() {
		s, _ := transport.Accept(l)
		acceptCh <- s
	}()

	client, err := transport.ConnectUnix(sockPath)
	if err != nil {
		t.Fatalf("ConnectUnix: %v", err)
	}

	server := <-acceptCh
	return server, client
}

func TestEchoRoundTrip(t *testing.T) {
	serverSock, clientSock := newLoopback(t)
	parse, serialize := stringCodec()

	serverProc, err := NewProcessor(0)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	serverProc.RegisterMethod(methodUppercase, &MethodHandler{
		ParseRequest:      parse,
		SerializeResponse: serialize,
		Run: func(peer PeerID, req any, result *MethodResult) {
			result.Set(strings.ToUpper(req.(string)))
		},
	})
	serverProc.Start()
	defer serverProc.Stop(true)

	if _, err := serverProc.AddPeer(serverSock); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	client, err := NewClient(clientSock)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	v, err := client.CallSync(methodUppercase, []byte("hi"), parse)
	if err != nil {
		t.Fatalf("CallSync: %v", err)
	}

	if v.(string) != "HI" {
		t.Fatalf("got %q, want HI", v)
	}
}

func TestPeerDisconnectCancelsPending(t *testing.T) {
	serverSock, clientSock := newLoopback(t)
	parse, _ := stringCodec()

	serverProc, err := NewProcessor(0)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	neverReplies := MethodID(2)
	serverProc.RegisterMethod(neverReplies, &MethodHandler{
		ParseRequest:      parse,
		SerializeResponse: func(v any) ([]byte, error) { return nil, nil },
		Run:               func(peer PeerID, req any, result *MethodResult) {},
	})
	serverProc.Start()

	if _, err := serverProc.AddPeer(serverSock); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	client, err := NewClient(clientSock)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	resultCh := make(chan error, 1)
	client.Processor.Call(client.peer, neverReplies, []byte("hi"), parse, func(v any, err error) {
		resultCh <- err
	})

	// Kill the server mid-call.
	serverProc.Stop(true)

	select {
	case err := <-resultCh:
		if err != ErrPeerDisconnected {
			t.Fatalf("expected ErrPeerDisconnected, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for pending call to resolve")
	}
}

func TestSignalBroadcast(t *testing.T) {
	const signalID MethodID = 3

	sockPath := t.TempDir() + "/signal.sock"
	l, err := transport.ListenUnix(sockPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer l.Close()

	serverProc, err := NewProcessor(0)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	serverProc.Start()
	defer serverProc.Stop(true)

	acceptCh := make(chan *transport.Socket, 2)
	go func() {
		for i := 0; i < 2; i++ {
			s, _ := transport.Accept(l)
			acceptCh <- s
			if _, err := serverProc.AddPeer(s); err != nil {
				t.Errorf("AddPeer: %v", err)
			}
		}
	}()

	parse, _ := stringCodec()

	fired := make(chan struct{}, 2)
	newSubscriber := func() *Client {
		sock, err := transport.ConnectUnix(sockPath)
		if err != nil {
			t.Fatalf("ConnectUnix: %v", err)
		}

		proc, err := NewProcessor(1)
		if err != nil {
			t.Fatalf("NewProcessor: %v", err)
		}
		proc.RegisterSignal(signalID, &SignalHandler{
			Parse: parse,
			Run:   func(peer PeerID, data any) { fired <- struct{}{} },
		})
		proc.Start()

		peer, err := proc.AddPeer(sock)
		if err != nil {
			t.Fatalf("AddPeer: %v", err)
		}

		return &Client{Processor: proc, peer: peer}
	}

	c1 := newSubscriber()
	defer c1.Close()
	c2 := newSubscriber()
	defer c2.Close()

	time.Sleep(50 * time.Millisecond) // let both peers register with the server

	serverProc.Signal(0, signalID, []byte("go"))

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for signal delivery %d", i)
		}
	}
}
