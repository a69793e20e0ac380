package procexec

import (
	"os"
	"os/exec"

	"github.com/nick/procexec/buffer"
	"github.com/nick/procexec/input"
)

// pipeStrategy is the platform-specific policy for descriptor layout,
// command-string construction, and output collection (spec §4.3). Two
// implementations exist: posixPipes (pipe_posix.go) and windowsPipes
// (pipe_windows.go); the Supervisor talks only to this interface.
type pipeStrategy interface {
	// open builds the *exec.Cmd (descriptors wired, command string and
	// environment resolved) but does not start it; the Supervisor does.
	open(cfg Config) error

	// cmd returns the prepared command, valid only after open succeeds.
	cmd() *exec.Cmd

	// afterStart releases the parent's copy of every descriptor that was
	// handed to the child (pipe write ends the child writes into, the
	// stdin read end, the fd-3 sideband write end). os/exec does not
	// close caller-supplied *os.File values after Start, so without this
	// the parent holds a second writer open on each pipe and reads never
	// observe EOF. Called once, right after a successful cmd.Start().
	afterStart() error

	// stdin returns the pipe the InputPump writes into. Present in every
	// mode (spec §6's mode matrix: stdin is always a pipe except tty/pty,
	// where it is the same descriptor as stdout/stderr but still
	// writable the same way).
	stdin() input.Writer

	// transfer performs one read pass over whatever output descriptors
	// this strategy owns, returning any newly available bytes per
	// channel. When blocking is true it waits up to ReadinessTimeout for
	// data; when closing is true it closes a descriptor once it reports
	// EOF, the way spec §4.4's wait loop ties "closing" to
	// "!pipesOpened || !windows".
	transfer(blocking, closing bool) (map[buffer.Channel][]byte, error)

	// fallbackFile returns the fd-3 sideband descriptor for
	// constrained-child runtimes, or nil if this strategy did not open
	// one (every non-POSIX strategy, and POSIX when the capability
	// oracle reports a conventional runtime).
	fallbackFile() *os.File

	// pipesOpen reports whether any output descriptor this strategy owns
	// is still open for reading. exited tells a strategy that cannot
	// observe EOF from its descriptors directly (Windows, tailing
	// redirected temp files) that the child process has already
	// terminated, so it can schedule one last drain before reporting no
	// more data.
	pipesOpen(exited bool) bool

	// close releases every descriptor this strategy owns. Safe to call
	// more than once.
	close() error
}
