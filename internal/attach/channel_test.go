package attach

import "testing"

func TestChannelSendRecvConfig(t *testing.T) {
	local, remote, err := NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer local.Close()
	defer remote.Close()

	cfg := AttachConfig{
		Argv:    []string{"/bin/echo", "hi"},
		InitPID: 42,
		UID:     1000,
		GID:     1000,
	}

	done := make(chan error, 1)
	go func() { done <- local.SendConfig(cfg) }()

	got, err := remote.RecvConfig()
	if err != nil {
		t.Fatalf("RecvConfig: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	if got.InitPID != cfg.InitPID || got.Argv[0] != cfg.Argv[0] {
		t.Fatalf("got %+v", got)
	}
}

func TestChannelSendRecvTTY(t *testing.T) {
	local, remote, err := NewChannelPair()
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer local.Close()
	defer remote.Close()

	r, w, err := pipeFDs(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- local.SendTTY(int(r.Fd())) }()

	fd, err := remote.RecvTTY()
	if err != nil {
		t.Fatalf("RecvTTY: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendTTY: %v", err)
	}
	if fd < 0 {
		t.Fatalf("expected a valid fd, got %d", fd)
	}
}
