//go:build windows

package backend

import (
	"os/exec"
)

// Windows has no process groups reachable through os/exec; the leader is
// killed directly and there is no graceful phase.
func setupProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
