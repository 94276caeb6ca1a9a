//go:build !linux

package sched

import "errors"

var errUnsupported = errors.New("thread priorities are not supported on this platform")

func setThreadPriority(tid, priority, policy int) error {
	return errUnsupported
}

func setNice(tid, nice int) error {
	return errUnsupported
}

func lockCurrentThread() int {
	return 0
}
