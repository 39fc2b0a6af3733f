package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/s00inx/filesrv/server/engine"
	"github.com/s00inx/filesrv/server/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// upper bound for the descriptor slot table, whatever RLIMIT_NOFILE says
const maxSlots = 1 << 20

// Server is the context every component works through: the listener, the
// epoll instance, the connection slots, the timer list and the worker pool.
// Only the goroutine running Serve touches the timer list and tears down
// connections.
type Server struct {
	cfg Config
	log logrus.FieldLogger

	lfd    int
	port   int
	poller *engine.Poller
	bridge *engine.Bridge
	pool   *engine.Pool
	timers *engine.TimerList
	conns  *engine.Slots[Conn]

	idle     time.Duration
	timeout  bool // tick due after the current batch
	stopping atomic.Bool
	once     sync.Once

	live, accepted, closed, evicted, busy, inline atomic.Int64
}

// Stats is a snapshot of connection counters.
type Stats struct {
	Live     int64 // connections currently open
	Accepted int64
	Closed   int64 // full teardowns
	Evicted  int64 // idle timeouts
	Busy     int64 // turned away at the connection limit
	Inline   int64 // processed on the reactor because the queue was full
}

// New sets everything up and starts the workers. Any failure is a startup failure.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		lfd:    -1,
		timers: engine.NewTimerList(),
		conns:  engine.NewSlots[Conn](slotCount()),
		idle:   3 * cfg.TickInterval,
	}

	var err error
	if s.lfd, err = engine.Listen(cfg.Addr, cfg.Port, cfg.Backlog); err != nil {
		return nil, err
	}
	if s.port, err = engine.LocalPort(s.lfd); err != nil {
		s.release()
		return nil, fmt.Errorf("local port: %w", err)
	}
	if s.poller, err = engine.NewPoller(cfg.MaxEvents); err != nil {
		s.release()
		return nil, err
	}
	if err = s.poller.Add(s.lfd, engine.EventRead, false); err != nil {
		s.release()
		return nil, err
	}
	if s.bridge, err = engine.NewBridge(); err != nil {
		s.release()
		return nil, err
	}
	if err = s.poller.Add(s.bridge.Fd(), engine.EventRead, false); err != nil {
		s.release()
		return nil, err
	}
	if s.pool, err = engine.NewPool(cfg.Workers, cfg.QueueSize, s.log); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// get r limit (means max count of descriptors)
func slotCount() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil || rlim.Cur > maxSlots {
		return maxSlots
	}
	return int(rlim.Cur)
}

// Port is the TCP port the server listens on.
func (s *Server) Port() int { return s.port }

func (s *Server) Stats() Stats {
	return Stats{
		Live:     s.live.Load(),
		Accepted: s.accepted.Load(),
		Closed:   s.closed.Load(),
		Evicted:  s.evicted.Load(),
		Busy:     s.busy.Load(),
		Inline:   s.inline.Load(),
	}
}

// Relay forwards OS signals (SIGALRM in the binary) into the reactor as an early tick.
func (s *Server) Relay(sig ...os.Signal) {
	s.bridge.Relay(sig...)
}

// Serve runs the reactor until ctx is cancelled or waiting fails, then releases
// every resource.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() {
		s.stopping.Store(true)
		s.bridge.Notify()
	})
	defer stop()

	s.log.Infof("serving %s on port %d with %d workers", s.cfg.DocRoot, s.port, s.cfg.Workers)
	s.bridge.Arm(s.cfg.TickInterval)

	for {
		ready, err := s.poller.Wait(-1)
		if err != nil {
			if errors.Is(err, engine.ErrPollerClosed) {
				return nil
			}
			s.log.Errorf("epoll failed: %v", err)
			return err
		}

		for _, ev := range ready {
			s.handle(ev)
		}

		if s.stopping.Load() {
			return nil
		}
		// timers go last, I/O has priority
		if s.timeout {
			s.tick(time.Now())
			s.bridge.Arm(s.cfg.TickInterval)
			s.timeout = false
		}
	}
}

// Close stops the workers and closes every descriptor. Serve calls it on return;
// call it directly only when Serve was never started.
func (s *Server) Close() error {
	s.once.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
		s.conns.Each(func(_ int, c *Conn) {
			if c.fd >= 0 {
				s.closeConn(c, "shutdown")
			}
		})
		s.release()
		s.log.Infof("server on port %d stopped", s.port)
	})
	return nil
}

func (s *Server) release() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.poller != nil {
		s.poller.Close()
	}
	if s.lfd >= 0 {
		unix.Close(s.lfd)
		s.lfd = -1
	}
}

// closeConn fully tears c down: out of epoll, descriptor closed, timer removed,
// mapping released. Reactor goroutine only.
func (s *Server) closeConn(c *Conn, why string) {
	if c.fd < 0 {
		return
	}
	fd := c.fd
	if err := s.poller.Del(fd); err != nil && !errors.Is(err, engine.ErrPollerClosed) {
		s.log.WithField("fd", fd).Debugf("epoll del: %v", err)
	}
	unix.Close(fd)
	s.timers.Remove(c.timer)
	c.timer = engine.NilTimer
	c.file.Unmap()
	c.file = nil
	c.fd = -1

	s.live.Add(-1)
	s.closed.Add(1)
	s.log.WithFields(logrus.Fields{"fd": fd, "peer": c.peer}).Debugf("closed (%s), %d connections left", why, s.live.Load())
}

// turn away a connection over the limit
func (s *Server) reject(fd int) {
	var r protocol.Response
	if r.Busy() {
		_, _ = unix.Write(fd, r.Bytes())
	}
	unix.Close(fd)
	s.busy.Add(1)
	s.log.WithField("fd", fd).Warnf("connection limit %d reached, rejected", s.cfg.MaxConns)
}
