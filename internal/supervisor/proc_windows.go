//go:build windows

package supervisor

import "os/exec"

func setProcAttr(*exec.Cmd) {}

// no SIGTERM on windows; stop is always a kill
func signalTerm(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func forceKill(cmd *exec.Cmd) { _ = cmd.Process.Kill() }
