package engine

import "golang.org/x/sys/unix"

// SendVec writes the segments of iov with writev until they are exhausted or
// the socket would block. Sent bytes are consumed from iov in place, so a
// later call resumes exactly where this one stopped. Once the first segment is
// used up it collapses to empty and writing continues from the second.
// wouldBlock reports that the caller must wait for writable readiness.
func SendVec(fd int, iov [][]byte) (sent int, wouldBlock bool, err error) {
	for {
		live := iov
		for len(live) > 0 && len(live[0]) == 0 {
			live = live[1:]
		}
		if len(live) == 0 {
			return sent, false, nil
		}

		n, err := unix.Writev(fd, live)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return sent, true, nil
			}
			return sent, false, err
		}
		sent += n
		Consume(iov, n)
	}
}

// Consume drops n leading bytes across the segments of iov.
func Consume(iov [][]byte, n int) {
	for i := range iov {
		if n == 0 {
			return
		}
		if n >= len(iov[i]) {
			n -= len(iov[i])
			iov[i] = iov[i][len(iov[i]):]
			continue
		}
		iov[i] = iov[i][n:]
		n = 0
	}
}
