//go:build windows

package procexec

import (
	"os"
	"os/exec"
	"strconv"
)

// deliverSignal on Windows has no per-signal delivery primitive; every
// signal request is realized as a forceful tree-kill via taskkill, the
// way spec §4.4's signal() documents for this platform.
func deliverSignal(proc *os.Process, pid int, sig int) error {
	cmd := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	return cmd.Run()
}
