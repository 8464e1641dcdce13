//go:build windows

package workspace

import "os/exec"

func killGroupOnCancel(cmd *exec.Cmd) {}
