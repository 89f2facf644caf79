//go:build !linux

package sched

// pinThread is a no-op where sched_setaffinity is unavailable.
func pinThread(cpus []int) {}

// setRealtime is a no-op where sched_setscheduler is unavailable.
func setRealtime(priority int) {}
