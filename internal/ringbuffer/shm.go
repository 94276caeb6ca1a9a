package ringbuffer

import "unsafe"

// sharedMemory is the backing region of a buffer.
type sharedMemory struct {
	data []byte
	fd   int
	// words keeps local allocations 8-byte aligned and reachable.
	words []uint64
}

// allocLocal allocates process local memory aligned for the header.
func allocLocal(size int) *sharedMemory {
	words := make([]uint64, (size+7)/8)
	return &sharedMemory{
		data:  unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		fd:    -1,
		words: words,
	}
}
