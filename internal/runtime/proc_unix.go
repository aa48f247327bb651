//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
)

func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptWorkerProcess(cmd *exec.Cmd) {
	signalWorkerGroup(cmd, syscall.SIGTERM)
}

func killWorkerProcess(cmd *exec.Cmd) {
	signalWorkerGroup(cmd, syscall.SIGKILL)
}

func signalWorkerGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Signal(sig)
		return
	}
	_ = syscall.Kill(-pgid, sig)
}
