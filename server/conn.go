package server

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/s00inx/filesrv/server/engine"
	"github.com/s00inx/filesrv/server/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Conn is the state of one client socket. It lives in the slot of its
// descriptor and is reinitialized, not reallocated, on every accept and after
// every keep-alive response.
//
// No lock guards it: the descriptor is registered one-shot, so after an event
// fires exactly one goroutine (the reactor or a worker) owns the Conn until it
// re-arms the descriptor, and it must not touch the Conn after that.
type Conn struct {
	srv   *Server
	fd    int
	peer  string
	timer engine.TimerID
	owned atomic.Bool // a worker holds it; read by the reactor when evicting

	parser protocol.Parser
	resp   protocol.Response
	file   *protocol.File

	// iov[0] is the header, iov[1] the mapped file; both shrink as bytes leave
	iov         [2][]byte
	bytesToSend int
	bytesSent   int
	keepAlive   bool // of the response in flight
}

// open initializes c for a freshly accepted descriptor and registers it.
func (c *Conn) open(fd int, peer unix.Sockaddr, expire time.Time) error {
	c.fd = fd
	c.peer = peerString(peer)
	c.owned.Store(false)
	c.reset()

	// both are undone by closeConn, which is how accept handles a failed register
	c.timer = c.srv.timers.Add(fd, expire)
	c.srv.live.Add(1)
	return c.srv.poller.Add(fd, engine.EventRead, true)
}

// reset clears all per-request state.
func (c *Conn) reset() {
	c.parser.Reset()
	c.resp.Reset()
	c.iov = [2][]byte{}
	c.bytesToSend = 0
	c.bytesSent = 0
	c.keepAlive = false
}

// read drains the socket into the parser buffer until it would block.
// false means the peer closed, the read failed or the request outgrew the buffer.
func (c *Conn) read() bool {
	if c.parser.Full() {
		return false
	}
	for {
		n, err := unix.Read(c.fd, c.parser.Space())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// edge-triggered: everything available has been read
			return err == unix.EAGAIN
		}
		if n == 0 {
			return false
		}
		c.parser.Fill(n)
		if c.parser.Full() {
			return true
		}
	}
}

// Process parses what has been read and prepares the response. It runs on a
// worker, or on the reactor when the queue is full, and always ends by
// re-arming the descriptor.
func (c *Conn) Process() {
	code := c.parser.Parse()
	if code == protocol.NoRequest {
		c.rearm(engine.EventRead)
		return
	}

	log := c.logger()
	c.keepAlive = c.parser.Req.KeepAlive
	if code == protocol.GetRequest {
		var err error
		code, c.file, err = protocol.Resolve(c.srv.cfg.DocRoot, c.parser.Req.Path)
		if err != nil {
			log.Debugf("GET %s: %v", c.parser.Req.Path, err)
			if errors.Is(err, protocol.ErrParse) {
				c.keepAlive = false
			}
		}
	} else {
		log.Debugf("bad request (%s) in state %s", code, c.parser.State())
		c.keepAlive = false
	}
	if code == protocol.InternalError {
		c.keepAlive = false
	}

	if !c.prepare(code) {
		log.Errorf("cannot build response for %s", code)
		c.file.Unmap()
		c.file = nil
		// the reactor sees the hangup and tears down
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	c.rearm(engine.EventWrite)
}

// prepare lays out the header buffer and, for a file, the mapped bytes as the two write segments.
func (c *Conn) prepare(code protocol.Code) bool {
	size := 0
	if c.file != nil {
		size = c.file.Size
	}
	if !c.resp.Build(code, c.keepAlive, size) {
		return false
	}

	c.iov[0] = c.resp.Bytes()
	c.iov[1] = nil
	if code == protocol.FileRequest && c.file != nil {
		c.iov[1] = c.file.Data
	}
	c.bytesToSend = len(c.iov[0]) + len(c.iov[1])
	c.bytesSent = 0
	return true
}

// write sends as much of the response as the socket takes. Reactor only.
// false tells the caller to close: either the send failed or the response is
// complete and the client did not ask for keep-alive.
func (c *Conn) write() bool {
	if c.bytesToSend == 0 {
		c.reset()
		c.rearm(engine.EventRead)
		return true
	}

	n, wouldBlock, err := engine.SendVec(c.fd, c.iov[:])
	c.bytesSent += n
	c.bytesToSend -= n
	if err != nil {
		c.logger().Debugf("writev: %v", err)
		c.file.Unmap()
		c.file = nil
		return false
	}
	if wouldBlock {
		c.rearm(engine.EventWrite)
		return true
	}

	// done
	c.file.Unmap()
	c.file = nil
	if !c.keepAlive {
		return false
	}
	c.reset()
	c.rearm(engine.EventRead)
	return true
}

// rearm gives the descriptor back to epoll for ev. After this the caller no
// longer owns c.
func (c *Conn) rearm(ev engine.Events) {
	fd := c.fd
	// released before the re-arm: once armed, the reactor may hand c to another
	// worker, which must not find the flag cleared under it
	c.owned.Store(false)
	if err := c.srv.poller.Mod(fd, ev); err != nil {
		c.srv.log.WithField("fd", fd).Debugf("re-arm: %v", err)
	}
}

func (c *Conn) logger() logrus.FieldLogger {
	return c.srv.log.WithFields(logrus.Fields{"fd": c.fd, "peer": c.peer})
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrUnix:
		return "unix:" + a.Name
	}
	return ""
}
