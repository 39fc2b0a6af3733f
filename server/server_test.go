package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func startServer(t *testing.T, modify func(*Config)) *Server {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	cfg := DefaultConfig()
	cfg.Addr = [4]byte{127, 0, 0, 1}
	cfg.DocRoot = writeDocRoot(t)
	cfg.Workers = 2
	cfg.QueueSize = 16
	cfg.MaxEvents = 64
	cfg.Logger = log
	if modify != nil {
		modify(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NotZero(t, srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()), time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { c.Close() })
	return c
}

type reply struct {
	status int
	close  bool
	header http.Header
	body   string
}

func roundTrip(t *testing.T, c net.Conn, br *bufio.Reader, req string) reply {
	t.Helper()
	_, err := io.WriteString(c, req)
	require.NoError(t, err)

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return reply{status: resp.StatusCode, close: resp.Close, header: resp.Header, body: string(body)}
}

func assertClosed(t *testing.T, br *bufio.Reader) {
	t.Helper()
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeFile(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	br := bufio.NewReader(c)

	r := roundTrip(t, c, br, "GET /index.html HTTP/1.1\r\nHost: a\r\n\r\n")
	assert.Equal(t, 200, r.status)
	assert.True(t, r.close)
	assert.Equal(t, "close", r.header.Get("Connection"))
	assert.Equal(t, "text/html", r.header.Get("Content-Type"))
	assert.Equal(t, indexHTML, r.body)
	assertClosed(t, br)

	require.Eventually(t, func() bool { return srv.Stats().Closed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, srv.Stats().Live)
}

func TestServeBadRequestCloses(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	br := bufio.NewReader(c)

	r := roundTrip(t, c, br, "GET /index.html\r\n\r\n")
	assert.Equal(t, 400, r.status)
	assert.True(t, r.close)
	assertClosed(t, br)
}

func TestServeDirectoryIsBadRequest(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	br := bufio.NewReader(c)

	r := roundTrip(t, c, br, "GET /sub HTTP/1.1\r\n\r\n")
	assert.Equal(t, 400, r.status)
}

func TestServeKeepAlive(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	br := bufio.NewReader(c)

	r := roundTrip(t, c, br, "GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, 200, r.status)
	assert.False(t, r.close)
	assert.Equal(t, indexHTML, r.body)

	r = roundTrip(t, c, br, "GET /missing.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, 404, r.status)
	assert.False(t, r.close)
	assert.Equal(t, "The requested file was not found on this server.\n", r.body)

	r = roundTrip(t, c, br, "GET /empty.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, r.status)
	assert.Empty(t, r.body)
	assertClosed(t, br)

	assert.Equal(t, int64(1), srv.Stats().Accepted)
}

func TestServeFragmentedRequest(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	br := bufio.NewReader(c)

	for _, part := range []string{"GET /index", ".html HTTP/1.1\r", "\nHost: a\r\n", "\r\n"} {
		_, err := io.WriteString(c, part)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServeManyClients(t *testing.T) {
	srv := startServer(t, nil)

	var g errgroup.Group
	for range 32 {
		g.Go(func() error {
			c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()), time.Second)
			if err != nil {
				return err
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			br := bufio.NewReader(c)
			for range 5 {
				if _, err := io.WriteString(c, "GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"); err != nil {
					return err
				}
				resp, err := http.ReadResponse(br, nil)
				if err != nil {
					return err
				}
				body, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err != nil {
					return err
				}
				if resp.StatusCode != 200 || string(body) != indexHTML {
					return io.ErrUnexpectedEOF
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(32), srv.Stats().Accepted)
}

func TestIdleConnectionEvicted(t *testing.T) {
	srv := startServer(t, func(c *Config) { c.TickInterval = 50 * time.Millisecond })
	c := dial(t, srv)
	require.Eventually(t, func() bool { return srv.Stats().Accepted == 1 }, time.Second, 5*time.Millisecond)

	// no bytes at all: only the timer can close it
	start := time.Now()
	_, err := bufio.NewReader(c).ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool { return srv.Stats().Closed == 1 }, time.Second, 5*time.Millisecond)
	st := srv.Stats()
	assert.Equal(t, int64(1), st.Evicted)
	assert.Zero(t, st.Live)

	// later ticks find nothing more to do
	time.Sleep(200 * time.Millisecond)
	st = srv.Stats()
	assert.Equal(t, int64(1), st.Evicted)
	assert.Equal(t, int64(1), st.Closed)
}

func TestActiveConnectionNotEvicted(t *testing.T) {
	srv := startServer(t, func(c *Config) { c.TickInterval = 50 * time.Millisecond })
	c := dial(t, srv)
	br := bufio.NewReader(c)

	// requests keep renewing the timer well past 3 intervals
	for range 6 {
		r := roundTrip(t, c, br, "GET /empty.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
		require.Equal(t, 200, r.status)
		time.Sleep(60 * time.Millisecond)
	}
	assert.Zero(t, srv.Stats().Evicted)
}

func TestConnectionLimit(t *testing.T) {
	srv := startServer(t, func(c *Config) { c.MaxConns = 1 })
	first := dial(t, srv)
	require.Eventually(t, func() bool { return srv.Stats().Accepted == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, srv)
	br := bufio.NewReader(second)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "Internal server busy\n", string(body))
	require.Eventually(t, func() bool { return srv.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)

	// the first one is unaffected
	r := roundTrip(t, first, bufio.NewReader(first), "GET /index.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, r.status)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewPortInUse(t *testing.T) {
	srv := startServer(t, nil)
	cfg := DefaultConfig()
	cfg.Addr = [4]byte{127, 0, 0, 1}
	cfg.Port = srv.Port()
	cfg.DocRoot = t.TempDir()
	_, err := New(cfg)
	require.Error(t, err)
}

type holdTask struct{ release <-chan struct{} }

func (h holdTask) Process() { <-h.release }

func TestQueueFullProcessesInline(t *testing.T) {
	srv := startServer(t, func(c *Config) {
		c.Workers = 1
		c.QueueSize = 1
	})

	// the only worker is stuck and the queue is full, so every request
	// has to be served by the reactor itself
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, srv.pool.Submit(holdTask{release}))
	require.Eventually(t, func() bool { return srv.pool.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, srv.pool.Submit(holdTask{release}))

	const clients, requests = 8, 3
	var g errgroup.Group
	for range clients {
		g.Go(func() error {
			c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(srv.Port()), time.Second)
			if err != nil {
				return err
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			br := bufio.NewReader(c)
			for range requests {
				if _, err := io.WriteString(c, "GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"); err != nil {
					return err
				}
				resp, err := http.ReadResponse(br, nil)
				if err != nil {
					return err
				}
				body, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err != nil {
					return err
				}
				if resp.StatusCode != 200 || string(body) != indexHTML {
					return io.ErrUnexpectedEOF
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := srv.Stats()
	assert.GreaterOrEqual(t, st.Inline, int64(clients*requests))
	assert.Equal(t, int64(clients), st.Accepted)
	assert.Equal(t, 1, srv.pool.Pending(), "nothing but the held task was queued")
}

func TestServeLargeFileKeepAlive(t *testing.T) {
	srv := startServer(t, nil)

	// well past the socket send buffer, so the send blocks and resumes
	big := bytes.Repeat([]byte("0123456789abcdefghijklmnopqrstu\n"), 256*1024)
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.DocRoot, "big.html"), big, 0o644))

	c := dial(t, srv)
	require.NoError(t, c.SetDeadline(time.Now().Add(20*time.Second)))
	br := bufio.NewReader(c)

	for i := range 2 {
		_, err := io.WriteString(c, "GET /big.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
		require.NoError(t, err)
		// let the server fill the socket before anything is read
		time.Sleep(50 * time.Millisecond)

		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, 200, resp.StatusCode, "request %d", i)
		assert.False(t, resp.Close, "request %d", i)
		assert.Equal(t, int64(len(big)), resp.ContentLength, "request %d", i)
		require.True(t, bytes.Equal(big, body), "request %d: body differs", i)
	}

	// a small response after the big ones starts clean
	r := roundTrip(t, c, br, "GET /index.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, 200, r.status)
	assert.Equal(t, indexHTML, r.body)
	assertClosed(t, br)
}
