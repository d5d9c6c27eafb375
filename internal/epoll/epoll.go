// Package epoll implements a level-triggered epoll reactor that can be
// driven by a dedicated goroutine or embedded as a file descriptor inside
// another reactor.
package epoll

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vasum/vasum/internal/daemonlog"
)

// Event is a bitset over the conditions a Poller can wait on.
type Event uint32

const (
	Readable Event = 1 << iota
	Writable
	Hangup
	RemoteHangup
	Error
)

func (e Event) toEpoll() uint32 {
	var m uint32
	if e&Readable != 0 {
		m |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	if e&Hangup != 0 {
		m |= unix.EPOLLHUP
	}
	if e&RemoteHangup != 0 {
		m |= unix.EPOLLRDHUP
	}
	if e&Error != 0 {
		m |= unix.EPOLLERR
	}

	return m
}

func fromEpoll(m uint32) Event {
	var e Event
	if m&unix.EPOLLIN != 0 {
		e |= Readable
	}
	if m&unix.EPOLLOUT != 0 {
		e |= Writable
	}
	if m&unix.EPOLLHUP != 0 {
		e |= Hangup
	}
	if m&unix.EPOLLRDHUP != 0 {
		e |= RemoteHangup
	}
	if m&unix.EPOLLERR != 0 {
		e |= Error
	}

	return e
}

// ErrFdAlreadyRegistered is returned by AddFD for an fd already known to the Poller.
var ErrFdAlreadyRegistered = errors.New("epoll: fd already registered")

// ErrFdNotFound is returned by ModifyFD for an fd the Poller does not track.
var ErrFdNotFound = errors.New("epoll: fd not found")

// Handler is invoked for a ready fd with the events actually observed.
// Returning false removes the fd from the Poller.
type Handler func(fd int, observed Event) bool

type registration struct {
	mask    Event
	handler Handler
}

// Poller is an epoll-backed reactor. The zero value is not usable; use New.
// A Poller must not be driven concurrently with itself (DispatchIteration
// is not reentrant), but registration methods may be called from any
// thread — mutations made from within a handler take effect starting the
// next iteration.
type Poller struct {
	epfd int

	mu      sync.Mutex
	regs    map[int]*registration
	pending []pendingOp // mutations requested during dispatch, applied after
	inLoop  bool
}

type opKind int

const (
	opAdd opKind = iota
	opModify
	opRemove
)

type pendingOp struct {
	kind opKind
	fd   int
	reg  *registration
}

// New creates a new Poller backed by a fresh kernel epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &Poller{epfd: fd, regs: make(map[int]*registration)}, nil
}

// PollHandle returns the Poller's own kernel fd. It becomes readable
// exactly when a subsequent DispatchIteration(0) would run a handler,
// which lets one Poller be nested as a member fd of another.
func (p *Poller) PollHandle() int {
	return p.epfd
}

// AddFD registers fd for the given event mask. Adding an fd twice fails
// with ErrFdAlreadyRegistered.
func (p *Poller) AddFD(fd int, mask Event, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.regs[fd]; ok {
		return ErrFdAlreadyRegistered
	}

	reg := &registration{mask: mask, handler: h}
	if p.inLoop {
		// Defer both the regs-map mutation and the kernel ctl call: a
		// handler running during this dispatch must not see its own
		// (or a sibling handler's) registration changes take effect
		// until the next iteration.
		p.pending = append(p.pending, pendingOp{kind: opAdd, fd: fd, reg: reg})
		return nil
	}

	p.regs[fd] = reg
	return p.ctl(unix.EPOLL_CTL_ADD, fd, mask)
}

// ModifyFD changes the event mask for a registered fd.
func (p *Poller) ModifyFD(fd int, mask Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ok := p.regs[fd]
	if !ok {
		return ErrFdNotFound
	}

	if p.inLoop {
		updated := &registration{mask: mask, handler: reg.handler}
		p.pending = append(p.pending, pendingOp{kind: opModify, fd: fd, reg: updated})
		return nil
	}

	reg.mask = mask
	return p.ctl(unix.EPOLL_CTL_MOD, fd, mask)
}

// RemoveFD unregisters fd. Removing an fd that is not registered is a no-op.
func (p *Poller) RemoveFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.regs[fd]; !ok {
		return nil
	}

	if p.inLoop {
		p.pending = append(p.pending, pendingOp{kind: opRemove, fd: fd})
		return nil
	}

	delete(p.regs, fd)
	return p.ctlRemove(fd)
}

func (p *Poller) ctl(op int, fd int, mask Event) error {
	ev := unix.EpollEvent{Events: mask.toEpoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}

	return nil
}

func (p *Poller) ctlRemove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}

	return nil
}

// DispatchIteration waits up to timeoutMs (negative blocks indefinitely,
// zero returns immediately) for ready fds and runs their handlers. It
// returns true if at least one handler ran.
func (p *Poller) DispatchIteration(timeoutMs int) (bool, error) {
	p.mu.Lock()
	p.inLoop = true
	n := len(p.regs)
	p.mu.Unlock()

	events := make([]unix.EpollEvent, max(n, 1))

	var (
		count int
		err   error
	)
	for {
		count, err = unix.EpollWait(p.epfd, events, timeoutMs)
		if err == nil || !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		p.mu.Lock()
		p.inLoop = false
		p.applyPendingLocked()
		p.mu.Unlock()
		return false, fmt.Errorf("epoll_wait: %w", err)
	}

	ran := false
	for i := 0; i < count; i++ {
		fd := int(events[i].Fd)

		p.mu.Lock()
		reg, ok := p.regs[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}

		ran = true
		observed := fromEpoll(events[i].Events)

		keep := p.runHandler(reg.handler, fd, observed)
		if !keep {
			_ = p.RemoveFD(fd)
		}
	}

	// Mutations requested by handlers during this iteration (AddFD,
	// ModifyFD, RemoveFD, including the keep==false path above) take
	// effect only now, at the start of the next iteration's wait set —
	// never mid-iteration.
	p.mu.Lock()
	p.inLoop = false
	p.applyPendingLocked()
	p.mu.Unlock()

	return ran, nil
}

// runHandler invokes h, recovering from panics the same way the original
// treats handler exceptions: log-and-continue rather than crash the loop.
func (p *Poller) runHandler(h Handler, fd int, observed Event) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			daemonlog.Logger().Warnf("epoll: handler for fd %d panicked: %v", fd, r)
			keep = true
		}
	}()

	return h(fd, observed)
}

func (p *Poller) applyPendingLocked() {
	ops := p.pending
	p.pending = nil
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			p.regs[op.fd] = op.reg
			_ = p.ctl(unix.EPOLL_CTL_ADD, op.fd, op.reg.mask)
		case opModify:
			p.regs[op.fd] = op.reg
			_ = p.ctl(unix.EPOLL_CTL_MOD, op.fd, op.reg.mask)
		case opRemove:
			delete(p.regs, op.fd)
			_ = p.ctlRemove(op.fd)
		}
	}
}

// Close releases the kernel epoll handle. Registered fds are not closed;
// their lifetime belongs to the registrant.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
