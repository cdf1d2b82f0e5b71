//go:build windows

package main

import "os/exec"

// detachAttrs is a no-op on Windows; DETACHED_PROCESS creation flags would
// be the equivalent but aren't needed for this module's supported targets.
func detachAttrs(cmd *exec.Cmd) {}
