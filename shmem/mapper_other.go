//go:build !linux && !darwin

package shmem

import (
	"fmt"
	"time"
)

// DefaultAttachTimeout bounds how long an attaching
// process waits for the creator to size the segment file.
const DefaultAttachTimeout = 10 * time.Second

// A FileMapper is unavailable on this platform.
// Use a HeapMapper when every rank lives in one process.
type FileMapper struct {
	Dir           string
	AttachTimeout time.Duration
}

// Path returns the file that would back the named segment.
func (f *FileMapper) Path(name string) string {
	return "shmcoll_" + name
}

// MapShared always fails on this platform.
func (f *FileMapper) MapShared(name string, size int) (Mapping, error) {
	return nil, fmt.Errorf("%w: file-backed shared memory is not supported on this platform",
		ErrResourceExhausted)
}
