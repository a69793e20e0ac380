package procexec

import (
	"strings"
	"time"

	"github.com/nick/procexec/input"
)

// Mode selects the descriptor layout a PipeStrategy builds for the child
// (spec §3, §6's mode matrix). The zero value is ModePiped.
type Mode int

const (
	// ModePiped connects stdin/stdout/stderr to anonymous pipes. Default.
	ModePiped Mode = iota
	// ModeTTY binds all three descriptors to /dev/tty. POSIX only.
	ModeTTY
	// ModePTY allocates a pseudo-terminal for all three. POSIX only, and
	// only when the capability oracle reports pty support.
	ModePTY
	// ModeOutputDisabled sends stdout/stderr to the platform's null
	// device; stdin remains a pipe. Cannot be combined with a non-zero
	// idle timeout (spec §6).
	ModeOutputDisabled
)

func (m Mode) String() string {
	switch m {
	case ModePiped:
		return "piped"
	case ModeTTY:
		return "tty"
	case ModePTY:
		return "pty"
	case ModeOutputDisabled:
		return "output_disabled"
	default:
		return "unknown"
	}
}

// Command is either a pre-tokenized argument vector or a single shell
// string containing "${:NAME}" placeholders resolved against Env at spawn
// time (spec §3, §6).
type Command struct {
	// Argv, when non-empty, is used verbatim: each element is escaped
	// individually and the vector is preferred over Shell.
	Argv []string

	// Shell, used when Argv is empty, is a single string that may embed
	// "${:NAME}" placeholders. Each placeholder is replaced with the
	// escaped value of the named environment variable; a referenced name
	// absent from Env is an InvalidArgumentError at spawn time.
	Shell string
}

// IsShell reports whether this Command uses the placeholder-string form.
func (c Command) IsShell() bool { return len(c.Argv) == 0 }

// placeholderName, given "${:NAME}", returns "NAME" and true; otherwise
// ("", false).
func placeholderName(token string) (string, bool) {
	if !strings.HasPrefix(token, "${:") || !strings.HasSuffix(token, "}") {
		return "", false
	}
	return token[3 : len(token)-1], true
}

// Config holds a Supervisor's spawn parameters. NewSupervisor keeps its
// own copy and offers no setter, so changing a caller's Config value
// afterwards has no effect on the Supervisor; no error is raised for it.
// Input is a pointer, so chunks written to that Source still reach the
// child.
type Config struct {
	Command Command
	Cwd     string
	Env     map[string]string // a value of EnvAbsent removes the variable for the child

	Timeout     time.Duration // 0 disables the wall-clock timeout
	IdleTimeout time.Duration // 0 disables the idle timeout

	Mode  Mode
	Input *input.Source

	// Options carries platform-specific spawn flags the PipeStrategy may
	// consult; opaque to the Supervisor itself.
	Options map[string]any
}

// EnvAbsent is the sentinel Env value meaning "remove this variable from
// the child's environment" (spec §3).
const EnvAbsent = "\x00procexec:absent\x00"

// Clone returns an independent Config in the sense spec §9 requires for
// re-running a Terminated Supervisor: a deep-enough copy that the clone
// shares no pipe or child-handle state (it has none to begin with — those
// live on the Supervisor, not the Config) and does not alias the original's
// mutable maps or Input source. The clone's Input is a new, empty, open
// Source; the original's input chunks are not copied into it.
func (c Config) Clone() Config {
	clone := c
	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}
	if c.Options != nil {
		clone.Options = make(map[string]any, len(c.Options))
		for k, v := range c.Options {
			clone.Options[k] = v
		}
	}
	clone.Input = input.New()
	return clone
}

const (
	// ChunkSize is the fixed read/write size for pipe I/O (spec §6).
	ChunkSize = 8192
	// ReadinessTimeout is the deadline a blocking transfer pass waits for
	// a pipe to become ready before giving the caller back control
	// (spec §5, §6).
	ReadinessTimeout = 100 * time.Millisecond
	// DefaultKillGrace is how long Kill waits after the graceful signal
	// before escalating to a forceful one (spec §6).
	DefaultKillGrace = 10 * time.Second
)
