package protocol

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// MaxPathLen bounds document root + request path.
const MaxPathLen = 200

// File is a served file mapped read-only into memory.
type File struct {
	Data []byte // nil for an empty file
	Size int
}

// Unmap releases the mapping. Safe on nil and on an already released file.
func (f *File) Unmap() error {
	if f == nil || f.Data == nil {
		return nil
	}
	err := unix.Munmap(f.Data)
	f.Data = nil
	return err
}

// Resolve maps a request path under root to a file.
// Missing files are NoResource, files without the world-read bit
// ForbiddenRequest, directories BadRequest. Only FileRequest returns a File,
// which the caller must Unmap. err explains every other outcome.
func Resolve(root, target string) (Code, *File, error) {
	if len(root)+len(target) >= MaxPathLen {
		return BadRequest, nil, fmt.Errorf("%w: path longer than %d", ErrParse, MaxPathLen)
	}
	if strings.Contains(target+"/", "/../") {
		return BadRequest, nil, fmt.Errorf("%w: dot-dot segment", ErrParse)
	}
	path := root + target

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return NoResource, nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if st.Mode&unix.S_IROTH == 0 {
		return ForbiddenRequest, nil, fmt.Errorf("%w: %s", ErrForbidden, target)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return BadRequest, nil, fmt.Errorf("%w: %s", ErrIsDirectory, target)
	case unix.S_IFREG:
	default:
		// fifos and devices would block or never end
		return ForbiddenRequest, nil, fmt.Errorf("%w: %s is not a regular file", ErrForbidden, target)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return InternalError, nil, fmt.Errorf("%w: open %s: %v", ErrInternal, target, err)
	}
	defer unix.Close(fd)

	size := int(st.Size)
	if size == 0 {
		return FileRequest, &File{}, nil
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return InternalError, nil, fmt.Errorf("%w: mmap %s: %v", ErrInternal, target, err)
	}
	return FileRequest, &File{Data: data, Size: size}, nil
}
