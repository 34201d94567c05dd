// ABOUTME: Pipe tuning stubs for platforms without F_SETPIPE_SZ
// ABOUTME: The decoder runs with the kernel's default pipe buffer

//go:build !linux

package supervisor

import (
	"os"
	"syscall"
)

func setPipeSize(*os.File, int) error {
	return nil
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
