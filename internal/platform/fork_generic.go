//go:build !linux || !arm64

package platform

import "syscall"

// sysFork issues the raw fork(2) syscall. Using exec.Command here would
// always exec a new image; the pool supervisor instead needs a bare fork
// so the child can run the worker body in the same address space it
// inherited, per the fork/spawn protocol.
func sysFork() (uintptr, syscall.Errno) {
	pid, _, errno := syscall.RawSyscall(syscall.SYS_FORK, 0, 0, 0)
	return pid, errno
}
