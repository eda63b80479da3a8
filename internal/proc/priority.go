//go:build linux

package proc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Priority returns the current scheduling niceness of the process.
func Priority(pid int) (int, error) {
	nice, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	if err != nil {
		return 0, fmt.Errorf("getpriority pid=%d: %w", pid, err)
	}
	return nice, nil
}

// SetPriority lowers (or restores) the scheduling priority of the process
// group. Returns the previous niceness so callers can log before/after.
func SetPriority(pid, nice int) (int, error) {
	old, err := Priority(pid)
	if err != nil {
		return 0, err
	}
	if err := unix.Setpriority(unix.PRIO_PGRP, pid, nice); err != nil {
		// Not all processes keep their own group; retry on the single PID.
		if err2 := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err2 != nil {
			return old, fmt.Errorf("setpriority pid=%d nice=%d: %w", pid, nice, err2)
		}
	}
	return old, nil
}
