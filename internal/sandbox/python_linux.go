//go:build linux

package sandbox

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// childSysProcAttr puts the child in its own process group so the
// whole tree can be signalled at once, and arranges for the kernel to
// kill it if the worker dies first.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}
