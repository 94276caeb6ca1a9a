//go:build !linux

package ringbuffer

import "errors"

var errNoSharedMemory = errors.New("shared memory buffers need linux")

// allocShared falls back to local memory; there is no descriptor to share.
func allocShared(name string, size int) (*sharedMemory, error) {
	return allocLocal(size), nil
}

func mapShared(fd int) (*sharedMemory, error) {
	return nil, errNoSharedMemory
}

func (m *sharedMemory) close() error {
	return nil
}
