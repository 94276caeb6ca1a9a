//go:build linux

package sched

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

type schedParam struct {
	priority int32
}

func setThreadPriority(tid, priority, policy int) error {
	param := &schedParam{priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		uintptr(tid),
		uintptr(policy),
		uintptr(unsafe.Pointer(param)))
	if errno != 0 {
		return errno
	}
	return nil
}

func setNice(tid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, tid, nice)
}

func lockCurrentThread() int {
	runtime.LockOSThread()
	return unix.Gettid()
}
