//go:build windows

package runtime

import (
	"os/exec"
)

func configureWorkerProcess(cmd *exec.Cmd) {}

func interruptWorkerProcess(cmd *exec.Cmd) {
	killWorkerProcess(cmd)
}

func killWorkerProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
