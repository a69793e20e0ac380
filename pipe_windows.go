//go:build windows

package procexec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/nick/procexec/buffer"
	"github.com/nick/procexec/capability"
	"github.com/nick/procexec/input"
)

// newPipeStrategy is the windows build's half of the cross-platform
// factory the Supervisor calls; pipe_posix.go supplies the unix half.
func newPipeStrategy(mode Mode, caps *capability.Oracle) pipeStrategy {
	return newWindowsPipes(mode, caps)
}

// windowsPipes implements pipeStrategy for Windows hosts. tty and pty
// modes are unavailable here (spec §6's mode matrix is POSIX-only for
// both), so only piped and output_disabled are built. Output is captured
// by redirecting the child's stdout/stderr to temp files and tailing them
// with a tracked read offset, since anonymous pipes on Windows cannot be
// put in a non-blocking read mode the way POSIX pipes can with a read
// deadline (spec §4.3, §6).
type windowsPipes struct {
	mode Mode
	caps *capability.Oracle

	command *exec.Cmd

	stdinW *os.File

	// stdinR is the child's read end of the stdin pipe, closed in the
	// parent once cmd.Start has handed it to the child (see afterStart).
	stdinR *os.File

	outFile, errFile     *os.File
	outPath, errPath     string
	outOffset, errOffset int64
	nullFile             *os.File

	// drainedAfterExit is set once pipesOpen has reported the child
	// exited and granted one further drain pass; redirected temp files
	// never signal EOF on their own (see tailFile), so liveness is the
	// only way this strategy can tell the Wait loop to stop.
	drainedAfterExit bool
}

func newWindowsPipes(mode Mode, caps *capability.Oracle) *windowsPipes {
	return &windowsPipes{mode: mode, caps: caps}
}

// escapeDelayed is the last pass over a command string already escaped by
// windowsEscape before it is wrapped in a /V:ON cmd.exe invocation.
// windowsEscape already caret-escapes every character delayed expansion
// would otherwise reinterpret (including "!" itself), so there is no
// separate "!varN!" substitution step to perform here — the only thing
// left that neither quoting nor caret-escaping can represent on a
// Windows command line is a NUL byte, which this replaces with "?".
func escapeDelayed(s string) string {
	return strings.ReplaceAll(s, "\x00", "?")
}

func (p *windowsPipes) open(cfg Config) error {
	if cfg.Mode == ModeTTY || cfg.Mode == ModePTY {
		return invalidArgument("mode %q is not supported on windows", cfg.Mode)
	}

	cmdStr, err := buildCommandString(cfg.Command, cfg.Env, windowsEscape, false)
	if err != nil {
		return err
	}
	cmdStr = escapeDelayed(cmdStr)

	wrapped := fmt.Sprintf("cmd /V:ON /E:ON /D /C (%s)", cmdStr)

	cmd := exec.Command("cmd", "/V:ON", "/E:ON", "/D", "/C", wrapped)
	cmd.Dir = cfg.Cwd
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	p.command = cmd

	switch p.mode {
	case ModeOutputDisabled:
		null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return runtimeError("open null device", err)
		}
		p.nullFile = null
		cmd.Stdout = null
		cmd.Stderr = null

		inR, inW, err := os.Pipe()
		if err != nil {
			return runtimeError("open stdin pipe", err)
		}
		cmd.Stdin = inR
		p.stdinW = inW
		p.stdinR = inR
		return nil

	default: // ModePiped (tty/pty are rejected before reaching this strategy)
		inR, inW, err := os.Pipe()
		if err != nil {
			return runtimeError("open stdin pipe", err)
		}
		cmd.Stdin = inR
		p.stdinW = inW
		p.stdinR = inR

		outFile, err := os.CreateTemp("", "procexec-stdout-*")
		if err != nil {
			return runtimeError("create stdout temp file", err)
		}
		p.outFile = outFile
		p.outPath = outFile.Name()
		cmd.Stdout = outFile

		errFile, err := os.CreateTemp("", "procexec-stderr-*")
		if err != nil {
			outFile.Close()
			os.Remove(p.outPath)
			return runtimeError("create stderr temp file", err)
		}
		p.errFile = errFile
		p.errPath = errFile.Name()
		cmd.Stderr = errFile
		return nil
	}
}

func (p *windowsPipes) cmd() *exec.Cmd { return p.command }

// afterStart closes the parent's copy of the child's stdin read handle,
// now that cmd.Start has duplicated it into the child. outFile/errFile
// are left open: transfer reopens them by path (tailFile), so the
// parent's handle to them is inert rather than a second writer blocking
// EOF the way a pipe's write end would.
func (p *windowsPipes) afterStart() error {
	if p.stdinR == nil {
		return nil
	}
	err := p.stdinR.Close()
	p.stdinR = nil
	return err
}

func (p *windowsPipes) stdin() input.Writer { return p.stdinW }

func (p *windowsPipes) fallbackFile() *os.File { return nil }

func (p *windowsPipes) pipesOpen(exited bool) bool {
	if p.outFile == nil && p.errFile == nil {
		return false
	}
	if !exited {
		return true
	}
	if p.drainedAfterExit {
		return false
	}
	// The child has exited but redirected temp files never report EOF
	// themselves (see tailFile); grant exactly one more drain pass so
	// whatever it wrote right before exiting still gets captured, then
	// report no more data on the next call.
	p.drainedAfterExit = true
	return true
}

func (p *windowsPipes) transfer(blocking, closing bool) (map[buffer.Channel][]byte, error) {
	out := make(map[buffer.Channel][]byte)
	if p.mode == ModeOutputDisabled {
		return out, nil
	}

	if b, err := tailFile(p.outPath, &p.outOffset); err != nil {
		return out, err
	} else if len(b) > 0 {
		out[buffer.Out] = b
	}
	if b, err := tailFile(p.errPath, &p.errOffset); err != nil {
		return out, err
	} else if len(b) > 0 {
		out[buffer.Err] = b
	}
	return out, nil
}

// tailFile reads any bytes appended to path since *offset, the Windows
// analogue of the POSIX deadline-read: since a redirected file is never
// "closed" by the child exiting, the wait loop instead tells reads apart
// from EOF by process liveness, not descriptor state (spec §4.3).
func tailFile(path string, offset *int64) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, runtimeError("open redirected output file", err)
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return nil, runtimeError("seek redirected output file", err)
	}
	buf := make([]byte, ChunkSize)
	n, rerr := f.Read(buf)
	if n > 0 {
		*offset += int64(n)
	}
	if rerr != nil && rerr != io.EOF {
		return nil, runtimeError("read redirected output file", rerr)
	}
	return buf[:n], nil
}

func (p *windowsPipes) close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.stdinW != nil {
		record(p.stdinW.Close())
		p.stdinW = nil
	}
	if p.stdinR != nil {
		record(p.stdinR.Close())
		p.stdinR = nil
	}
	if p.nullFile != nil {
		record(p.nullFile.Close())
		p.nullFile = nil
	}
	if p.outFile != nil {
		record(p.outFile.Close())
		p.outFile = nil
	}
	if p.errFile != nil {
		record(p.errFile.Close())
		p.errFile = nil
	}
	if p.outPath != "" {
		os.Remove(p.outPath)
		p.outPath = ""
	}
	if p.errPath != "" {
		os.Remove(p.errPath)
		p.errPath = ""
	}
	return firstErr
}
