//go:build linux || darwin

package shmem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// DefaultAttachTimeout bounds how long an attaching
// process waits for the creator to size the segment file.
const DefaultAttachTimeout = 10 * time.Second

// A FileMapper maps files from a memory-backed directory
// (/dev/shm when it exists) into every process that asks
// for the same name.
type FileMapper struct {
	// Dir overrides the directory holding segment files.
	// If empty, /dev/shm is used if it exists, and the
	// temporary directory otherwise.
	Dir string

	// AttachTimeout is how long a non-creating process
	// waits for the file to reach the requested size.
	// If 0, DefaultAttachTimeout is used.
	AttachTimeout time.Duration
}

// Path returns the file that backs the named segment.
func (f *FileMapper) Path(name string) string {
	dir := f.Dir
	if dir == "" {
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			dir = "/dev/shm"
		} else {
			dir = os.TempDir()
		}
	}
	return filepath.Join(dir, "shmcoll_"+name)
}

// MapShared creates the segment file if it does not exist
// yet and maps it.
//
// The file stays in place until a Mapping of it is
// unlinked.
func (f *FileMapper) MapShared(name string, size int) (Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid segment size %d", ErrResourceExhausted, size)
	}
	path := f.Path(name)

	created := true
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if errors.Is(err, fs.ErrExist) {
		created = false
		file, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %s: %v", ErrResourceExhausted, path, err)
	}

	cleanup := func(cause error) error {
		err := multierr.Append(cause, file.Close())
		if created {
			err = multierr.Append(err, os.Remove(path))
		}
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	if created {
		if err := file.Truncate(int64(size)); err != nil {
			return nil, cleanup(fmt.Errorf("resize segment %s: %w", path, err))
		}
	} else if err := f.waitForSize(file, size); err != nil {
		return nil, cleanup(err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, cleanup(fmt.Errorf("mmap segment %s: %w", path, err))
	}
	return &fileMapping{file: file, path: path, mem: mem, created: created}, nil
}

func (f *FileMapper) waitForSize(file *os.File, size int) error {
	timeout := f.AttachTimeout
	if timeout == 0 {
		timeout = DefaultAttachTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat segment: %w", err)
		}
		if info.Size() >= int64(size) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("segment stayed at %d bytes, wanted %d", info.Size(), size)
		}
		time.Sleep(time.Millisecond)
	}
}

type fileMapping struct {
	file    *os.File
	path    string
	mem     []byte
	created bool
}

func (f *fileMapping) Bytes() []byte {
	return f.mem
}

func (f *fileMapping) Created() bool {
	return f.created
}

func (f *fileMapping) Close() error {
	if f.mem == nil {
		return errors.New("shmem: mapping already closed")
	}
	err := unix.Munmap(f.mem)
	f.mem = nil
	return multierr.Append(err, f.file.Close())
}

func (f *fileMapping) Unlink() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("shmem: unlink segment: %w", err)
	}
	return nil
}
