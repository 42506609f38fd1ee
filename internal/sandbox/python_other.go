//go:build !linux

package sandbox

import "syscall"

// childSysProcAttr puts the child in its own process group. Parent
// death signalling is a Linux-only feature.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
