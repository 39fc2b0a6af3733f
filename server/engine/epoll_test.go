package engine

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := NewPoller(16)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPollerOneShotNeedsRearm(t *testing.T) {
	p := newPoller(t)
	r, w := pipe(t)
	require.NoError(t, p.Add(r, EventRead, true))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	ready, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, r, ready[0].Fd)
	assert.NotZero(t, ready[0].Events&EventRead)

	// more data, but the fd is disarmed until Mod
	_, err = unix.Write(w, []byte("y"))
	require.NoError(t, err)
	ready, err = p.Wait(50)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, p.Mod(r, EventRead))
	ready, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, r, ready[0].Fd)
}

func TestPollerLevelTriggeredRepeats(t *testing.T) {
	p := newPoller(t)
	r, w := pipe(t)
	require.NoError(t, p.Add(r, EventRead, false))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	for range 2 {
		ready, err := p.Wait(1000)
		require.NoError(t, err)
		require.Len(t, ready, 1)
	}
}

func TestPollerHangup(t *testing.T) {
	p := newPoller(t)
	r, w := pipe(t)
	require.NoError(t, p.Add(r, EventRead, true))
	require.NoError(t, unix.Close(w))

	ready, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.NotZero(t, ready[0].Events&EventHangup)
}

func TestPollerDelAndClose(t *testing.T) {
	p, err := NewPoller(4)
	require.NoError(t, err)
	r, w := pipe(t)

	require.NoError(t, p.Add(r, EventRead, true))
	require.NoError(t, p.Del(r))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	ready, err := p.Wait(20)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.Error(t, p.Del(r), "already removed")
	require.ErrorIs(t, p.Add(-1, EventRead, true), ErrFDOutOfRange)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.Wait(0)
	require.ErrorIs(t, err, ErrPollerClosed)
	require.ErrorIs(t, p.Mod(r, EventRead), ErrPollerClosed)
}

func TestNewPollerBadSize(t *testing.T) {
	_, err := NewPoller(0)
	require.Error(t, err)
}

func TestListenAcceptEphemeral(t *testing.T) {
	lfd, err := Listen([4]byte{127, 0, 0, 1}, 0, 5)
	require.NoError(t, err)
	defer unix.Close(lfd)

	port, err := LocalPort(lfd)
	require.NoError(t, err)
	require.NotZero(t, port)

	// nothing pending yet
	_, _, ok, err := Accept(lfd)
	require.NoError(t, err)
	require.False(t, ok)

	p := newPoller(t)
	require.NoError(t, p.Add(lfd, EventRead, false))

	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	defer c.Close()

	ready, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, lfd, ready[0].Fd)

	fd, peer, ok, err := Accept(lfd)
	require.NoError(t, err)
	require.True(t, ok)
	defer unix.Close(fd)

	in4, isV4 := peer.(*unix.SockaddrInet4)
	require.True(t, isV4)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, in4.Addr)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "accepted socket is non-blocking")
}

func TestListenPortInUse(t *testing.T) {
	lfd, err := Listen([4]byte{127, 0, 0, 1}, 0, 5)
	require.NoError(t, err)
	defer unix.Close(lfd)
	port, err := LocalPort(lfd)
	require.NoError(t, err)

	_, err = Listen([4]byte{127, 0, 0, 1}, port, 5)
	require.Error(t, err)
}
