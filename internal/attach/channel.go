package attach

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Channel is the socket-pair used to stream an AttachConfig from the
// caller to the intermediate process, and to ship the controlling TTY
// fd via SCM_RIGHTS when one is present.
type Channel struct {
	conn *net.UnixConn
	file *os.File
}

// NewChannelPair creates a connected pair of channel endpoints.
func NewChannelPair() (local, remote *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("attach: socketpair: %w", err)
	}

	local, err = channelFromFD(fds[0], "attach-local")
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}

	remote, err = channelFromFD(fds[1], "attach-remote")
	if err != nil {
		local.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}

	return local, remote, nil
}

func channelFromFD(fd int, name string) (*Channel, error) {
	f := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("attach: wrap channel fd: %w", err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("attach: channel fd did not wrap as a unix socket")
	}

	return &Channel{conn: uc, file: f}, nil
}

// ChannelFromFile wraps an inherited channel fd, e.g. one received
// through exec.Cmd.ExtraFiles by a re-exec'd stage.
func ChannelFromFile(f *os.File) (*Channel, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("attach: wrap inherited channel fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("attach: inherited channel fd is not a unix socket")
	}
	return &Channel{conn: uc, file: f}, nil
}

// File returns the underlying *os.File, e.g. to hand to exec.Cmd.ExtraFiles.
func (c *Channel) File() *os.File { return c.file }

// Close closes the channel endpoint.
func (c *Channel) Close() error { return c.conn.Close() }

// SendConfig writes a length-prefixed AttachConfig.
func (c *Channel) SendConfig(cfg AttachConfig) error {
	b, err := cfg.Marshal()
	if err != nil {
		return err
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))

	if _, err := c.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("attach: write config length: %w", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("attach: write config: %w", err)
	}

	return nil
}

// RecvConfig reads back a config written by SendConfig.
func (c *Channel) RecvConfig() (AttachConfig, error) {
	var hdr [4]byte
	if _, err := readFull(c.conn, hdr[:]); err != nil {
		return AttachConfig{}, fmt.Errorf("attach: read config length: %w", err)
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := readFull(c.conn, buf); err != nil {
		return AttachConfig{}, fmt.Errorf("attach: read config: %w", err)
	}

	return UnmarshalAttachConfig(buf)
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("attach: short read on channel")
		}
	}
	return total, nil
}

// SendTTY ships an open fd (the controlling TTY) via SCM_RIGHTS,
// alongside a one-byte marker payload.
func (c *Channel) SendTTY(fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := c.conn.WriteMsgUnix([]byte{1}, rights, nil)
	if err != nil {
		return fmt.Errorf("attach: send tty fd: %w", err)
	}
	return nil
}

// RecvTTY reads back an fd shipped by SendTTY.
func (c *Channel) RecvTTY() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("attach: recv tty fd: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("attach: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return -1, fmt.Errorf("attach: no control message received")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return -1, fmt.Errorf("attach: parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return -1, fmt.Errorf("attach: no fd in control message")
	}

	return fds[0], nil
}
