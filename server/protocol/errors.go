package protocol

import "errors"

// errors by request outcome, see Code.Err
var (
	ErrParse       = errors.New("malformed request")
	ErrNotFound    = errors.New("resource not found")
	ErrForbidden   = errors.New("resource not world-readable")
	ErrIsDirectory = errors.New("resource is a directory")
	ErrInternal    = errors.New("internal error")
)
