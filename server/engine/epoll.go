// file with epoll settings and socket creating
// only low level epoll and socket functional
package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Events is a set of readiness conditions for a descriptor.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

var (
	ErrPollerClosed = errors.New("engine: poller closed")
	ErrFDOutOfRange = errors.New("engine: fd out of range")
)

// Poller is a thin wrapper over an epoll instance.
// Client descriptors are always registered edge-triggered and one-shot,
// so after every event the fd stays silent until Mod re-arms it.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Ready
	closed atomic.Bool
}

// NewPoller creates an epoll instance reporting at most maxEvents per Wait.
func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		return nil, fmt.Errorf("epoll create: max events %d", maxEvents)
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Ready, maxEvents),
	}, nil
}

// Add registers fd for ev. oneshot selects the client mode
// (EPOLLET|EPOLLONESHOT|EPOLLRDHUP); otherwise the fd is level-triggered,
// which is what the listener and the bridge pipe use.
func (p *Poller) Add(fd int, ev Events, oneshot bool) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	flags := toEpoll(ev)
	if oneshot {
		flags |= unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: flags,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	return nil
}

// Mod re-arms a one-shot fd for ev.
func (p *Poller) Mod(fd int, ev Events) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpoll(ev) | unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("epoll ctl mod %d: %w", fd, err)
	}
	return nil
}

// Del removes fd from the interest list. It does not close fd.
func (p *Poller) Del(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}
	return nil
}

// Ready is one readiness report.
type Ready struct {
	Fd     int
	Events Events
}

// Wait blocks up to msec (-1 forever) and returns the ready descriptors.
// The returned slice is reused by the next call; only one goroutine may wait.
// An interrupted wait returns no events and no error.
func (p *Poller) Wait(msec int) ([]Ready, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	for i := range n {
		p.ready[i] = Ready{Fd: int(p.events[i].Fd), Events: fromEpoll(p.events[i].Events)}
	}
	return p.ready[:n], nil
}

func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func toEpoll(ev Events) uint32 {
	var e uint32
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var ev Events
	if e&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	// peer half-close is treated like a hangup
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventHangup
	}
	return ev
}

// Listen creates a TCP socket with SO_REUSEADDR, binds it to addr:port and starts listening.
// The socket is non-blocking so a spurious readiness never parks the reactor in accept.
// Port 0 picks an ephemeral port, see LocalPort.
func Listen(addr [4]byte, port, backlog int) (int, error) {
	// SOCK_STREAM = TCP
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{ // bind socket to addr:port
		Port: port,
		Addr: addr,
	}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil { // start listening on addr:port
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// LocalPort reports the port a listening socket is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port, nil
	}
	return 0, fmt.Errorf("unexpected sockaddr %T", sa)
}

// Accept takes one pending connection, already non-blocking.
// ok is false when nothing was pending.
func Accept(lfd int) (fd int, peer unix.Sockaddr, ok bool, err error) {
	fd, peer, err = unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return -1, nil, false, nil
		}
		return -1, nil, false, fmt.Errorf("accept: %w", err)
	}
	return fd, peer, true, nil
}
