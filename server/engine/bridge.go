package engine

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Bridge turns asynchronous wake-ups (an alarm, OS signals) into bytes on a
// non-blocking pipe whose read end sits in the reactor's epoll set.
// Nothing but the write happens off the reactor goroutine.
type Bridge struct {
	r, w int

	mu    sync.Mutex
	alarm *time.Timer
	sigs  chan os.Signal
	done  chan struct{}
}

func NewBridge() (*Bridge, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	return &Bridge{r: p[0], w: p[1], done: make(chan struct{})}, nil
}

// Fd is the read end to register with the poller.
func (b *Bridge) Fd() int { return b.r }

// Notify writes one byte. A full pipe already carries a pending wake-up, so EAGAIN is dropped.
// After Close it does nothing.
func (b *Bridge) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.w < 0 {
		return
	}
	var one = [1]byte{1}
	_, _ = unix.Write(b.w, one[:])
}

// Arm schedules a single Notify after d, replacing any pending alarm.
// Like alarm(2) it fires once; the reactor re-arms after each tick.
func (b *Bridge) Arm(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.alarm != nil {
		b.alarm.Stop()
	}
	b.alarm = time.AfterFunc(d, b.Notify)
}

// Relay forwards the given OS signals into the pipe until Close.
func (b *Bridge) Relay(sig ...os.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sigs != nil || len(sig) == 0 {
		return
	}
	b.sigs = make(chan os.Signal, 1)
	signal.Notify(b.sigs, sig...)

	go func(ch <-chan os.Signal) {
		for {
			select {
			case <-ch:
				b.Notify()
			case <-b.done:
				return
			}
		}
	}(b.sigs)
}

// Drain empties the pipe and reports how many bytes were pending.
func (b *Bridge) Drain() int {
	var buf [1024]byte
	total := 0
	for {
		n, err := unix.Read(b.r, buf[:])
		if n > 0 {
			total += n
		}
		if err != nil || n < len(buf) {
			return total
		}
	}
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.w < 0 {
		return nil
	}
	if b.alarm != nil {
		b.alarm.Stop()
	}
	if b.sigs != nil {
		signal.Stop(b.sigs)
	}
	close(b.done)

	errW := unix.Close(b.w)
	errR := unix.Close(b.r)
	b.w, b.r = -1, -1
	if errW != nil {
		return errW
	}
	return errR
}
