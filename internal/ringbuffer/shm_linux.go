//go:build linux

package ringbuffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocShared creates an anonymous memfd of size bytes and maps it shared.
func allocShared(name string, size int) (*sharedMemory, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &sharedMemory{data: data, fd: fd}, nil
}

// mapShared maps an existing descriptor. The mapping owns a duplicate of fd.
func mapShared(fd int) (*sharedMemory, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("%w: empty region", ErrInvalidParam)
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}
	data, err := unix.Mmap(dup, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(dup)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &sharedMemory{data: data, fd: dup}, nil
}

func (m *sharedMemory) close() error {
	if m.words != nil {
		return nil
	}
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			firstErr = err
		}
		m.data = nil
	}
	if m.fd >= 0 {
		if err := unix.Close(m.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		m.fd = -1
	}
	return firstErr
}
