//go:build linux

package sched

import (
	"syscall"
	"unsafe"

	"github.com/yanun0323/logs"
	"golang.org/x/sys/unix"
)

const schedFIFO = 1

type schedParam struct {
	priority int32
}

// pinThread binds the calling OS thread to the given CPU set. Failures
// (containers, cgroup restrictions) downgrade to an unpinned thread
// with a warning rather than refusing to run.
func pinThread(cpus []int) {
	if len(cpus) == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu >= 0 {
			set.Set(cpu)
		}
	}
	if set.Count() == 0 {
		return
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logs.Warnf("cpu affinity %v not applied: %v", cpus, err)
	}
}

// setRealtime raises the calling OS thread to SCHED_FIFO at the given
// priority. Requires CAP_SYS_NICE; EPERM downgrades to the default
// scheduling class with a warning.
func setRealtime(priority int) {
	if priority <= 0 {
		return
	}
	param := schedParam{priority: int32(priority)}
	_, _, errno := syscall.Syscall(
		unix.SYS_SCHED_SETSCHEDULER,
		0, // current thread
		schedFIFO,
		uintptr(unsafe.Pointer(&param)),
	)
	if errno != 0 {
		logs.Warnf("realtime priority %d not applied: %v", priority, errno)
	}
}
