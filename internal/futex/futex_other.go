//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
)

const pollInterval = 200 * time.Microsecond

// futexWait polls the word. Only used on platforms without futex(2); the
// shared memory backing is process-local there as well.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if timeout >= 0 && !time.Now().Before(deadline) {
			return errTimedOut
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func futexWake(addr *uint32, n int) error {
	return nil
}
