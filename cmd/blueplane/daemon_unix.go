//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// detachAttrs gives the daemonized child its own session so it survives
// the parent CLI invocation exiting (spec.md §6's `server start --daemon`).
func detachAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
