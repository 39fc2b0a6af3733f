package server

import (
	"errors"
	"time"

	"github.com/s00inx/filesrv/server/engine"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// handle dispatches one readiness report. Reactor goroutine only.
func (s *Server) handle(ev engine.Ready) {
	switch ev.Fd {
	case s.lfd:
		s.accept()
		return
	case s.bridge.Fd():
		// only flag it, the tick runs after the batch
		if s.bridge.Drain() > 0 {
			s.timeout = true
		}
		return
	}

	c := s.conns.Get(ev.Fd)
	if c == nil || c.fd != ev.Fd {
		s.log.WithField("fd", ev.Fd).Warn("event for unknown descriptor")
		return
	}
	// pairs with the store in rearm, so everything the worker wrote is visible here
	if c.owned.Load() {
		s.log.WithField("fd", ev.Fd).Error("event for a connection a worker still holds")
		return
	}

	switch {
	case ev.Events&(engine.EventHangup|engine.EventError) != 0:
		s.closeConn(c, "hangup")

	case ev.Events&engine.EventRead != 0:
		if !c.read() {
			s.closeConn(c, "read")
			return
		}
		s.renew(c)
		s.dispatch(c)

	case ev.Events&engine.EventWrite != 0:
		if !c.write() {
			s.closeConn(c, "write done")
			return
		}
		s.renew(c)
	}
}

func (s *Server) accept() {
	fd, peer, ok, err := engine.Accept(s.lfd)
	if err != nil {
		s.log.Errorf("accept: %v", err)
		return
	}
	if !ok {
		return
	}
	if s.live.Load() >= int64(s.cfg.MaxConns) || fd >= s.conns.Len() {
		s.reject(fd)
		return
	}

	c, err := s.conns.GetOrNew(fd, func() *Conn { return &Conn{srv: s, fd: -1} })
	if err != nil {
		s.reject(fd)
		return
	}
	if err := c.open(fd, peer, time.Now().Add(s.idle)); err != nil {
		s.log.WithField("fd", fd).Errorf("register: %v", err)
		s.closeConn(c, "register failed")
		return
	}
	s.accepted.Add(1)
	s.log.WithFields(logrus.Fields{"fd": fd, "peer": c.peer}).Debugf("accepted, %d connections", s.live.Load())
}

// dispatch hands a connection that has new bytes to a worker.
// A full queue does not drop the request: the reactor already owns the
// connection, so it processes it itself.
func (s *Server) dispatch(c *Conn) {
	c.owned.Store(true)
	err := s.pool.Submit(c)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull):
		s.inline.Add(1)
		s.log.WithField("fd", c.fd).Warnf("task queue full (%d pending), processing inline", s.pool.Pending())
		c.Process()
	default:
		c.owned.Store(false)
		s.closeConn(c, err.Error())
	}
}

func (s *Server) renew(c *Conn) {
	s.timers.Renew(c.timer, time.Now().Add(s.idle))
}

// tick evicts connections idle since before now - 3 intervals.
func (s *Server) tick(now time.Time) {
	if s.timers.Len() == 0 {
		s.log.Debugf("tick at %s: empty timer list", now.Format(time.TimeOnly))
		return
	}
	n := s.timers.Tick(now, s.evict)
	if n > 0 {
		s.log.Infof("tick: evicted %d idle connections, %d left", n, s.live.Load())
	}
}

// evict runs for each expired timer, which Tick has already discarded.
func (s *Server) evict(fd int) {
	c := s.conns.Get(fd)
	if c == nil || c.fd != fd {
		return
	}
	c.timer = engine.NilTimer
	s.evicted.Add(1)

	if c.owned.Load() {
		// a worker holds it; closing now could let accept hand the descriptor
		// to someone else under its feet. The hangup seen after the worker
		// re-arms finishes the teardown.
		s.log.WithField("fd", fd).Info("idle timeout while processing, shutting down")
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		return
	}
	s.log.WithField("fd", fd).Info("idle timeout")
	s.closeConn(c, "idle")
}
