package protocol

// WriteBufSize bounds the status line, headers and error body of one response.
const WriteBufSize = 2048

// lookup table for status lines
// i use flat list instead of map bc codes is fixed
var statusTable = [504]string{
	200: "200 OK",
	400: "400 Bad Request",
	403: "403 Forbidden",
	404: "404 Not Found",
	500: "500 Internal Error",
	503: "503 Service Unavailable",
}

// error pages
const (
	body400  = "Your request has bad syntax or is inherently impossible to satisfy.\n"
	body403  = "You do not have permission to get file from this server.\n"
	body404  = "The requested file was not found on this server.\n"
	body500  = "There was an unusual problem serving the requested file.\n"
	bodyBusy = "Internal server busy\n"
)

// for fast access
const (
	proto       = "HTTP/1.1 "
	crlf        = "\r\n"
	contentType = "Content-Type: text/html\r\n"
)

// Response is the header (and error body) part of a response, built into a fixed buffer.
// File bodies are not copied here; they go out as a second writev segment.
type Response struct {
	buf [WriteBufSize]byte
	n   int
}

func (r *Response) Reset() { r.n = 0 }

// Bytes is what has been built so far.
func (r *Response) Bytes() []byte { return r.buf[:r.n] }

func (r *Response) Len() int { return r.n }

// add appends s whole or not at all.
func (r *Response) add(s string) bool {
	if r.n+len(s) > len(r.buf) {
		return false
	}
	r.n += copy(r.buf[r.n:], s)
	return true
}

func (r *Response) addInt(n int) bool {
	var tmp [20]byte
	k := IntToBuf(tmp[:], uint(n))
	if r.n+k > len(r.buf) {
		return false
	}
	r.n += copy(r.buf[r.n:], tmp[:k])
	return true
}

func (r *Response) addStatusLine(status int) bool {
	if status < 0 || status >= len(statusTable) || statusTable[status] == "" {
		return false
	}
	return r.add(proto) && r.add(statusTable[status]) && r.add(crlf)
}

// Content-Length, Content-Type, Connection, blank line; in that order
func (r *Response) addHeaders(contentLen int, keepAlive bool) bool {
	ok := r.add("Content-Length: ") && r.addInt(contentLen) && r.add(crlf) &&
		r.add(contentType)
	if !ok {
		return false
	}
	if keepAlive {
		ok = r.add("Connection: keep-alive\r\n")
	} else {
		ok = r.add("Connection: close\r\n")
	}
	return ok && r.add(crlf)
}

func (r *Response) addPage(status int, body string, keepAlive bool) bool {
	return r.addStatusLine(status) && r.addHeaders(len(body), keepAlive) && r.add(body)
}

// Build writes the response for code. For FileRequest only the headers are
// written and fileSize is announced as the body length. Codes without a
// response, or a response that does not fit, report false.
func (r *Response) Build(code Code, keepAlive bool, fileSize int) bool {
	r.Reset()
	switch code {
	case FileRequest:
		return r.addStatusLine(200) && r.addHeaders(fileSize, keepAlive)
	case BadRequest:
		return r.addPage(400, body400, keepAlive)
	case ForbiddenRequest:
		return r.addPage(403, body403, keepAlive)
	case NoResource:
		return r.addPage(404, body404, keepAlive)
	case InternalError:
		return r.addPage(500, body500, keepAlive)
	}
	return false
}

// Busy writes the reply for a connection refused at the connection limit.
func (r *Response) Busy() bool {
	r.Reset()
	return r.addPage(503, bodyBusy, false)
}

// helper func to copy int to pre-allocated buf with zero-alloc, buf is dst[n:]
// n should be uint bc / 10 (and % 10) for uints is faster (compiler use division by invariant integers), and our len or code > 0
func IntToBuf(buf []byte, n uint) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return copy(buf, tmp[i:])
}
