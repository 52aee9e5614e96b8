//go:build !windows

package hypervisor

import "syscall"

// processGroupAttr puts the hypervisor in its own process group so it
// does not receive signals sent to the executor's group.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
