//go:build windows

package engine

import (
	"errors"
	"os/exec"
)

func startPty(command string, args ...string) (Pty, *exec.Cmd, error) {
	return nil, nil, errors.New("engine sessions are not supported on windows")
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
