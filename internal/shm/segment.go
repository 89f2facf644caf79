package shm

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrSegmentExists   = errors.New("shared segment already exists")
	ErrSegmentNotFound = errors.New("shared segment not found")
	ErrSegmentName     = errors.New("invalid shared segment name")
	ErrSegmentSize     = errors.New("shared segment size must be > 0")
)

// Segment is a named shared-memory region backed by a file in /dev/shm
// (or the temp dir on platforms without it) and mapped MAP_SHARED, so
// every process opening the same name sees the same bytes.
type Segment struct {
	name  string
	data  []byte
	fd    int
	owner bool
}

func segmentPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", ErrSegmentName
	}
	base := "/dev/shm"
	if runtime.GOOS != "linux" {
		base = os.TempDir()
	}
	return filepath.Join(base, name), nil
}

// Create allocates a new named segment of the given size. It fails with
// ErrSegmentExists when a previous run left the name behind; callers
// recover with Unlink followed by a retry.
func Create(name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, ErrSegmentSize
	}
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if err == unix.EEXIST {
			return nil, ErrSegmentExists
		}
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, err
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, err
	}
	return &Segment{name: name, data: data, fd: fd, owner: true}, nil
}

// Open maps an existing named segment.
func Open(name string) (*Segment, error) {
	path, err := segmentPath(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, ErrSegmentNotFound
		}
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if st.Size <= 0 {
		unix.Close(fd)
		return nil, ErrSegmentSize
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Segment{name: name, data: data, fd: fd}, nil
}

// Unlink removes a named segment. Missing names are not an error so the
// cleanup-then-recreate startup path stays idempotent.
func Unlink(name string) error {
	path, err := segmentPath(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

// Name returns the segment's process-wide name.
func (s *Segment) Name() string { return s.name }

// Bytes returns the mapped region.
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Owner reports whether this process created the segment and therefore
// owns its lifecycle.
func (s *Segment) Owner() bool { return s.owner }

// Close unmaps the segment. The name stays visible to other processes
// until the owner calls Unlink.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}
