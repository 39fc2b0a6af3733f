// incremental HTTP/1.1 request parser
// only parser logic, no socket and no file system
package protocol

import (
	"bytes"
	"strconv"
)

// ReadBufSize bounds a whole request including its body.
const ReadBufSize = 2048

// Request is what the parser extracted from the request line and headers.
type Request struct {
	Method        string
	Path          string
	Version       string
	Host          string
	ContentLength int
	KeepAlive     bool
}

// Parser accumulates raw bytes in a fixed buffer and advances a request state
// machine over them. Parse can be called after every read; it resumes where the
// previous call stopped, so arbitrary fragmentation gives the same result.
type Parser struct {
	buf [ReadBufSize]byte

	readIdx   int // end of received data
	checkIdx  int // scan cursor
	startLine int // start of the line being assembled
	lineEnd   int // end of the last complete line, CRLF excluded
	state     State

	Req Request
}

var (
	methodGet      = []byte("GET")
	version11      = []byte("HTTP/1.1")
	schemeHTTP     = []byte("http://")
	tokenKeepAlive = []byte("keep-alive")

	hdrConnection    = []byte("Connection:")
	hdrContentLength = []byte("Content-Length:")
	hdrHost          = []byte("Host:")
)

// Reset prepares the parser for a new request, as if freshly accepted.
func (p *Parser) Reset() {
	clear(p.buf[:p.readIdx])
	p.readIdx = 0
	p.checkIdx = 0
	p.startLine = 0
	p.lineEnd = 0
	p.state = StateRequestLine
	p.Req = Request{}
}

// Space is the free tail of the buffer; after reading into it call Fill.
func (p *Parser) Space() []byte { return p.buf[p.readIdx:] }

// Fill records n bytes read into Space.
func (p *Parser) Fill(n int) { p.readIdx += n }

// feed copies data into the buffer, returning how much fit.
func (p *Parser) feed(data []byte) int {
	n := copy(p.buf[p.readIdx:], data)
	p.readIdx += n
	return n
}

func (p *Parser) Full() bool { return p.readIdx >= len(p.buf) }

func (p *Parser) State() State { return p.state }

// Parse advances over everything received so far. It returns NoRequest while
// more bytes are needed, GetRequest for a complete request and BadRequest for
// malformed input.
func (p *Parser) Parse() Code {
	for {
		var text []byte
		if p.state == StateContent {
			// the body is not line framed
			text = p.buf[p.checkIdx:p.readIdx]
		} else {
			switch p.scanLine() {
			case LineOpen:
				return NoRequest
			case LineBad:
				return BadRequest
			}
			text = p.buf[p.startLine:p.lineEnd]
			p.startLine = p.checkIdx
		}

		var code Code
		switch p.state {
		case StateRequestLine:
			code = p.parseRequestLine(text)
		case StateHeaders:
			code = p.parseHeader(text)
		case StateContent:
			return p.parseContent(text)
		default:
			return InternalError
		}
		if code != NoRequest {
			return code
		}
	}
}

// scanLine looks for the end of the current line starting at checkIdx.
// A CR must be followed by LF and an LF must follow a CR.
func (p *Parser) scanLine() LineStatus {
	for ; p.checkIdx < p.readIdx; p.checkIdx++ {
		switch p.buf[p.checkIdx] {
		case '\r':
			if p.checkIdx+1 == p.readIdx {
				return LineOpen // revisit this CR once more bytes arrive
			}
			if p.buf[p.checkIdx+1] == '\n' {
				p.lineEnd = p.checkIdx
				p.checkIdx += 2
				return LineOK
			}
			return LineBad
		case '\n':
			if p.checkIdx > p.startLine && p.buf[p.checkIdx-1] == '\r' {
				p.lineEnd = p.checkIdx - 1
				p.checkIdx++
				return LineOK
			}
			return LineBad
		}
	}
	return LineOpen
}

// GET /index.html HTTP/1.1
func (p *Parser) parseRequestLine(text []byte) Code {
	method, rest, ok := cutSpace(text)
	if !ok || !bytes.EqualFold(method, methodGet) {
		return BadRequest
	}
	target, version, ok := cutSpace(rest)
	if !ok || !bytes.EqualFold(version, version11) {
		return BadRequest
	}

	// absolute form, http://host:port/path
	if len(target) >= len(schemeHTTP) && bytes.EqualFold(target[:len(schemeHTTP)], schemeHTTP) {
		target = target[len(schemeHTTP):]
		i := bytes.IndexByte(target, '/')
		if i < 0 {
			return BadRequest
		}
		target = target[i:]
	}
	if len(target) == 0 || target[0] != '/' {
		return BadRequest
	}

	p.Req.Method = string(methodGet)
	p.Req.Path = string(target)
	p.Req.Version = string(version)
	p.state = StateHeaders
	return NoRequest
}

func (p *Parser) parseHeader(text []byte) Code {
	// blank line ends the headers
	if len(text) == 0 {
		if p.Req.ContentLength != 0 {
			p.state = StateContent
			return NoRequest
		}
		return GetRequest
	}

	switch {
	case hasPrefixFold(text, hdrConnection):
		if bytes.EqualFold(headerValue(text, hdrConnection), tokenKeepAlive) {
			p.Req.KeepAlive = true
		}
	case hasPrefixFold(text, hdrContentLength):
		v := headerValue(text, hdrContentLength)
		// plain decimal digits; Atoi alone would take a sign
		if len(v) == 0 || v[0] < '0' || v[0] > '9' {
			return BadRequest
		}
		n, err := strconv.Atoi(string(v))
		if err != nil || n > ReadBufSize {
			return BadRequest
		}
		p.Req.ContentLength = n
	case hasPrefixFold(text, hdrHost):
		p.Req.Host = string(headerValue(text, hdrHost))
	}
	// anything else is ignored
	return NoRequest
}

func (p *Parser) parseContent(body []byte) Code {
	if len(body) >= p.Req.ContentLength {
		return GetRequest
	}
	return NoRequest
}

// cutSpace splits text at the first run of spaces or tabs.
func cutSpace(text []byte) (head, rest []byte, ok bool) {
	i := bytes.IndexAny(text, " \t")
	if i < 0 {
		return nil, nil, false
	}
	return text[:i], bytes.TrimLeft(text[i:], " \t"), true
}

func hasPrefixFold(text, prefix []byte) bool {
	return len(text) >= len(prefix) && bytes.EqualFold(text[:len(prefix)], prefix)
}

func headerValue(text, name []byte) []byte {
	return bytes.Trim(text[len(name):], " \t")
}
