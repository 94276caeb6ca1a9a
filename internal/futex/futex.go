// Package futex implements a wait/wake primitive over a shared 32-bit word.
//
// The word carries one of three states. A consumer arms the word
// (READY -> NOT_READY) and blocks until a producer flips it back to READY or
// a teardown path forces PRE_EXIT. The word may live in memory shared with
// another process; no Go-side locks are involved.
package futex

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
)

// Word states.
const (
	IsReady    uint32 = 0
	IsNotReady uint32 = 1
	IsPreExit  uint32 = 2
)

// Code is the result of a wait or wake. The futex layer never returns errors
// or panics; callers switch on the code.
type Code int

const (
	Success Code = iota
	Timeout
	PreExit
	InvalidParams
	OperationFailed
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case Timeout:
		return "TIMEOUT"
	case PreExit:
		return "PRE_EXIT"
	case InvalidParams:
		return "INVALID_PARAMS"
	case OperationFailed:
		return "OPERATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Infinite waits without a deadline.
const Infinite time.Duration = -1

// maxWaitTries bounds the number of syscall round trips a single Wait makes
// so a stream of spurious wakeups cannot spin forever.
const maxWaitTries = 100

var (
	errWouldBlock  = errors.New("futex: value changed before wait")
	errTimedOut    = errors.New("futex: wait timed out")
	errInterrupted = errors.New("futex: wait interrupted")
)

// Platform hooks; replaced in tests to observe syscalls.
var (
	sysWait = futexWait
	sysWake = futexWake
)

// Wait arms word and blocks until it is woken to READY, forced to PRE_EXIT,
// or timeout elapses. A negative timeout waits forever.
func Wait(word *uint32, timeout time.Duration) Code {
	return WaitFor(word, timeout, nil)
}

// WaitFor is Wait guarded by pred. pred is evaluated after the word is armed
// and after every wakeup; the wait returns Success as soon as pred holds. A
// producer that publishes data and then calls Wake therefore cannot be missed.
func WaitFor(word *uint32, timeout time.Duration, pred func() bool) Code {
	if word == nil {
		return InvalidParams
	}

	switch atomic.LoadUint32(word) {
	case IsPreExit:
		return PreExit
	case IsReady, IsNotReady:
	default:
		return InvalidParams
	}

	// Already NOT_READY is a benign re-entry by the same waiter.
	atomic.CompareAndSwapUint32(word, IsReady, IsNotReady)

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for tries := 0; tries < maxWaitTries; tries++ {
		state := atomic.LoadUint32(word)
		if state == IsPreExit {
			return PreExit
		}
		if pred == nil {
			if state == IsReady {
				return Success
			}
		} else {
			if pred() {
				return Success
			}
			if state == IsReady {
				// Woken but the condition is not met yet; re-arm and re-check.
				if !atomic.CompareAndSwapUint32(word, IsReady, IsNotReady) && atomic.LoadUint32(word) == IsPreExit {
					return PreExit
				}
				if pred() {
					return Success
				}
			}
		}

		remaining := Infinite
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return Timeout
			}
		}

		err := sysWait(word, IsNotReady, remaining)
		switch {
		case err == nil, errors.Is(err, errWouldBlock), errors.Is(err, errInterrupted):
			continue
		case errors.Is(err, errTimedOut):
			if atomic.LoadUint32(word) == IsPreExit {
				return PreExit
			}
			if pred != nil && pred() {
				return Success
			}
			return Timeout
		default:
			logging.GetSubsystemLogger(logging.ComponentFutex).Error().Err(err).Msg("futex wait failed")
			return OperationFailed
		}
	}

	logging.GetSubsystemLogger(logging.ComponentFutex).Warn().Int("tries", maxWaitTries).Msg("too many spurious wakeups")
	return OperationFailed
}

// Wake signals waiters on word. Waking with IsPreExit forces the word to
// PRE_EXIT and wakes everyone unconditionally. Waking with IsReady only acts
// on a NOT_READY word; a word that is already READY is left alone.
func Wake(word *uint32, wakeVal uint32) Code {
	if word == nil {
		return InvalidParams
	}

	switch wakeVal {
	case IsPreExit:
		atomic.StoreUint32(word, IsPreExit)
	case IsReady:
		if !atomic.CompareAndSwapUint32(word, IsNotReady, IsReady) {
			return Success
		}
	default:
		return InvalidParams
	}

	if err := sysWake(word, math.MaxInt32); err != nil {
		logging.GetSubsystemLogger(logging.ComponentFutex).Error().Err(err).Msg("futex wake failed")
		return OperationFailed
	}
	return Success
}

// State returns the current word state.
func State(word *uint32) uint32 {
	return atomic.LoadUint32(word)
}

// Reset puts word back to READY, clearing a PRE_EXIT left by a previous owner.
func Reset(word *uint32) {
	atomic.StoreUint32(word, IsReady)
}
