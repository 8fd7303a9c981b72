//go:build windows

package sandbox

import "os/exec"

var defaultShell = []string{"cmd.exe", "/C"}

// configureProcessGroup relies on the default cancel behaviour on Windows,
// which kills the direct child only.
func configureProcessGroup(cmd *exec.Cmd) {}
