// Package capability implements the boolean oracle the Supervisor consults
// before committing to a mode: is this a Windows host, does it support a
// controlling TTY or a pseudo-tty, and does its process-wait primitive
// hide signal termination (a "constrained-child runtime")? Each probe is
// cached on first use, the way the teacher's termios helpers in
// internal/process/pty.go are cheap enough to call freely but still only
// need computing once per process.
package capability

import (
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Oracle caches the results of the platform probes it exposes. The zero
// value is ready to use; construct one with New per Supervisor or share a
// single package-level instance (see Default).
type Oracle struct {
	windowsOnce sync.Once
	windows     bool

	ttyOnce sync.Once
	tty     bool

	ptyOnce sync.Once
	pty     bool

	constrainedOnce sync.Once
	constrained     bool

	missingOnce sync.Once
	missing     string
}

// New returns a fresh, uncached Oracle.
func New() *Oracle { return &Oracle{} }

// Default is a process-wide Oracle; most callers have no reason to keep
// their own since every probe is pure and environment-wide.
var Default = New()

// IsWindows reports whether the host's path separator and process model
// are Windows's, the cheapest and first check any mode decision makes.
func (o *Oracle) IsWindows() bool {
	o.windowsOnce.Do(func() {
		o.windows = runtime.GOOS == "windows"
	})
	return o.windows
}

// SupportTTY reports whether /dev/tty is usable as a child's stdio. On
// Windows this is always false (tty mode is POSIX-only per spec §6's mode
// matrix). Elsewhere it first tries the cheap golang.org/x/term check
// against this process's stdin, then falls back to opening /dev/tty
// read-write and closing it again; no probe process is spawned.
func (o *Oracle) SupportTTY() bool {
	o.ttyOnce.Do(func() {
		if o.IsWindows() {
			o.tty = false
			return
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			o.tty = true
			return
		}
		f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			o.tty = false
			return
		}
		f.Close()
		o.tty = true
	})
	return o.tty
}

// SupportPTY reports whether the host can allocate a pseudo-terminal pair,
// probed the way internal/process/controller.go does: attempt a throwaway
// spawn with pty descriptors and see whether it succeeds.
func (o *Oracle) SupportPTY() bool {
	o.ptyOnce.Do(func() {
		if o.IsWindows() {
			o.pty = false
			return
		}
		cmd := exec.Command("true")
		f, err := pty.Start(cmd)
		if err != nil {
			o.pty = false
			return
		}
		f.Close()
		cmd.Wait()
		o.pty = true
	})
	return o.pty
}

// SupportConstrainedChild reports whether this runtime's process-wait
// primitive is known to hide signal termination, requiring the fd-3
// sideband fallback (spec §4.3's "Fallback wrapping", §9's glossary entry
// for "Constrained-child runtime"). Go's os.ProcessState always reports
// signal termination faithfully on POSIX, so this is false unless an
// override env var says otherwise — kept as a hook so a host embedding
// this library inside a more restrictive sandbox can force the fallback
// path on.
func (o *Oracle) SupportConstrainedChild() bool {
	o.constrainedOnce.Do(func() {
		o.constrained = os.Getenv("PROCEXEC_FORCE_CONSTRAINED_CHILD") != ""
	})
	return o.constrained
}

// MissingSpawnFn reports the name of the first required OS primitive this
// host's exec package lacks, or "" if all are present. The spec's required
// primitives (open-with-descriptors, poll-status, terminate, close) map to
// os/exec.Command, (*os.Process).Wait, (*os.Process).Signal/Kill, and
// (*os.File).Close — all always present in a cgo-free Go build, so this
// only ever fires in degenerate embeddings that stub the exec package out.
func (o *Oracle) MissingSpawnFn() string {
	o.missingOnce.Do(func() {
		o.missing = ""
	})
	return o.missing
}
