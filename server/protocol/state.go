package protocol

// State is where the request parser is within a request.
type State uint8

const (
	StateRequestLine State = iota
	StateHeaders
	StateContent
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "REQUEST_LINE"
	case StateHeaders:
		return "HEADERS"
	case StateContent:
		return "CONTENT"
	}
	return "UNKNOWN"
}

// LineStatus is the result of scanning the buffer for one CRLF-terminated line.
type LineStatus uint8

const (
	LineOK   LineStatus = iota // a full line is available
	LineBad                    // CR or LF out of place
	LineOpen                   // need more bytes
)

// Code is the outcome of parsing and resolving a request.
type Code uint8

const (
	NoRequest Code = iota // need more bytes
	GetRequest
	BadRequest
	NoResource
	ForbiddenRequest
	FileRequest
	InternalError
)

func (c Code) String() string {
	switch c {
	case NoRequest:
		return "NO_REQUEST"
	case GetRequest:
		return "GET_REQUEST"
	case BadRequest:
		return "BAD_REQUEST"
	case NoResource:
		return "NO_RESOURCE"
	case ForbiddenRequest:
		return "FORBIDDEN_REQUEST"
	case FileRequest:
		return "FILE_REQUEST"
	case InternalError:
		return "INTERNAL_ERROR"
	}
	return "UNKNOWN"
}

// Status is the HTTP status a response for c carries, 0 if c has no response.
func (c Code) Status() int {
	switch c {
	case FileRequest:
		return 200
	case BadRequest:
		return 400
	case ForbiddenRequest:
		return 403
	case NoResource:
		return 404
	case InternalError:
		return 500
	}
	return 0
}

// Err maps error outcomes to their sentinel; nil for the others.
// A directory also yields BadRequest, Resolve returns ErrIsDirectory for it.
func (c Code) Err() error {
	switch c {
	case BadRequest:
		return ErrParse
	case NoResource:
		return ErrNotFound
	case ForbiddenRequest:
		return ErrForbidden
	case InternalError:
		return ErrInternal
	}
	return nil
}
