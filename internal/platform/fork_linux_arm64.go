//go:build linux && arm64

package platform

import "syscall"

// sysFork on linux/arm64 has no SYS_FORK; SYS_CLONE with SIGCHLD as the
// exit signal is the standard substitute.
func sysFork() (uintptr, syscall.Errno) {
	pid, _, errno := syscall.RawSyscall(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0)
	return pid, errno
}
