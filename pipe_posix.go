//go:build unix

package procexec

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/nick/procexec/buffer"
	"github.com/nick/procexec/capability"
	"github.com/nick/procexec/input"
)

// newPipeStrategy constructs the platform pipeStrategy for mode. This is
// the unix build's half of the cross-platform factory the Supervisor
// calls; pipe_windows.go supplies the other.
func newPipeStrategy(mode Mode, caps *capability.Oracle) pipeStrategy {
	return newPosixPipes(mode, caps)
}

// posixPipes implements pipeStrategy for piped, tty, pty, and
// output_disabled modes on POSIX hosts. Grounded on
// internal/process/controller.go's StartProcess (pty.Start, pty.Setsize,
// setRawMode) for the pty path, and internal/process/builder.go's
// buildCommand/buildEnvironment for command and environment assembly.
type posixPipes struct {
	mode Mode
	caps *capability.Oracle

	command *exec.Cmd

	// pty mode: a single master fd carries stdin, stdout and stderr.
	ptmx *os.File

	// piped / output_disabled modes: separate descriptors per channel.
	stdinW           *os.File
	stdoutR, stderrR *os.File

	// child-side copies the parent must close once handed off to the
	// child via cmd.Start, or reads on stdoutR/stderrR never see EOF.
	stdinR           *os.File
	stdoutW, stderrW *os.File

	// output_disabled: both stdout and stderr point at the null device;
	// no reads ever happen.
	nullFile *os.File

	// fd-3 sideband for constrained-child runtimes (spec §4.3, §9).
	fallbackR *os.File
	fallbackW *os.File

	// held open as a workaround for a known kernel-pty defect (spec
	// §4.3); otherwise unused.
	selfHandle *os.File

	opened bool
}

func newPosixPipes(mode Mode, caps *capability.Oracle) *posixPipes {
	return &posixPipes{mode: mode, caps: caps}
}

func (p *posixPipes) open(cfg Config) error {
	escape := posixEscape
	cmdStr, err := buildCommandString(cfg.Command, cfg.Env, escape, true)
	if err != nil {
		return err
	}

	constrained := p.caps.SupportConstrainedChild()
	if constrained {
		r, w, err := os.Pipe()
		if err != nil {
			return runtimeError("open fd-3 sideband pipe", err)
		}
		p.fallbackR, p.fallbackW = r, w
		cmdStr = wrapForSidebandExit(cmdStr)

		if self, err := os.Executable(); err == nil {
			if h, err := os.Open(self); err == nil {
				p.selfHandle = h
			}
		}
	}

	shell := "sh"
	cmd := exec.Command(shell, "-c", cmdStr)
	cmd.Dir = cfg.Cwd
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	if p.fallbackW != nil {
		cmd.ExtraFiles = []*os.File{p.fallbackW}
	}
	p.command = cmd

	switch p.mode {
	case ModePTY:
		ptmx, tty, err := pty.Open()
		if err != nil {
			return runtimeError("open pty", err)
		}
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
			slog.Warn("failed to set pty size", "error", err)
		}
		if err := setRawMode(ptmx); err != nil {
			ptmx.Close()
			tty.Close()
			return runtimeError("configure pty raw mode", err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
		p.ptmx = ptmx
		p.stdinR = tty // child side of the pair, released by afterStart
		p.opened = true
		return nil

	case ModeTTY:
		tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return runtimeError("open /dev/tty", err)
		}
		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
		p.ptmx = tty
		p.opened = true
		return nil

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
		p.opened = true
		return nil

	default: // ModePiped
		inR, inW, err := os.Pipe()
		if err != nil {
			return runtimeError("open stdin pipe", err)
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			return runtimeError("open stdout pipe", err)
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			return runtimeError("open stderr pipe", err)
		}
		cmd.Stdin = inR
		cmd.Stdout = outW
		cmd.Stderr = errW
		p.stdinW = inW
		p.stdoutR = outR
		p.stderrR = errR
		p.stdinR = inR
		p.stdoutW = outW
		p.stderrW = errW
		p.opened = true
		return nil
	}
}

// afterStart closes the parent's copy of every descriptor now owned by
// the child (os/exec never closes caller-supplied *os.File values after
// Start). Left open, these would keep a second writer alive on each
// output pipe and readAvailable would only ever time out, never report
// EOF. Safe to call on every mode; modes with nothing to release just
// no-op.
func (p *posixPipes) afterStart() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.stdinR != nil {
		record(p.stdinR.Close())
		p.stdinR = nil
	}
	if p.stdoutW != nil {
		record(p.stdoutW.Close())
		p.stdoutW = nil
	}
	if p.stderrW != nil {
		record(p.stderrW.Close())
		p.stderrW = nil
	}
	if p.fallbackW != nil {
		record(p.fallbackW.Close())
		p.fallbackW = nil
	}
	return firstErr
}

// wrapForSidebandExit wraps cmdStr so a constrained-child runtime's hidden
// signal-termination info is recovered via fd 3: the wrapping shell
// publishes the child's pid and exit code on that descriptor (spec §4.3,
// §9's "Fallback record").
func wrapForSidebandExit(cmdStr string) string {
	return fmt.Sprintf("{ %s <&0 >&1 2>&2 & } ; pid=$! ; echo $pid >&3 ; wait $pid ; code=$? ; echo $code >&3 ; exit $code", cmdStr)
}

func (p *posixPipes) cmd() *exec.Cmd { return p.command }

func (p *posixPipes) stdin() input.Writer {
	if p.ptmx != nil {
		return p.ptmx
	}
	return p.stdinW
}

func (p *posixPipes) fallbackFile() *os.File {
	return p.fallbackR
}

func (p *posixPipes) pipesOpen(exited bool) bool {
	switch p.mode {
	case ModePTY:
		return p.ptmx != nil
	case ModeTTY, ModeOutputDisabled:
		// Real stdio (tty) or the null device (output_disabled): nothing
		// for the Supervisor's wait loop to drain.
		return false
	default:
		return p.stdoutR != nil || p.stderrR != nil
	}
}

func (p *posixPipes) transfer(blocking, closing bool) (map[buffer.Channel][]byte, error) {
	out := make(map[buffer.Channel][]byte)

	deadline := time.Time{}
	if blocking {
		deadline = time.Now().Add(ReadinessTimeout)
	} else {
		deadline = time.Now()
	}

	switch p.mode {
	case ModePTY, ModeTTY:
		if p.ptmx == nil {
			return out, nil
		}
		if p.mode == ModeTTY {
			// Real stdio, nothing for the supervisor to capture.
			return out, nil
		}
		b, eof, err := readAvailable(p.ptmx, deadline)
		if err != nil {
			return out, err
		}
		if len(b) > 0 {
			out[buffer.Out] = b
		}
		if eof && closing {
			p.ptmx.Close()
			p.ptmx = nil
		}
		return out, nil

	case ModeOutputDisabled:
		return out, nil

	default:
		if p.stdoutR != nil {
			b, eof, err := readAvailable(p.stdoutR, deadline)
			if err != nil {
				return out, err
			}
			if len(b) > 0 {
				out[buffer.Out] = b
			}
			if eof && closing {
				p.stdoutR.Close()
				p.stdoutR = nil
			}
		}
		if p.stderrR != nil {
			b, eof, err := readAvailable(p.stderrR, deadline)
			if err != nil {
				return out, err
			}
			if len(b) > 0 {
				out[buffer.Err] = b
			}
			if eof && closing {
				p.stderrR.Close()
				p.stderrR = nil
			}
		}
		return out, nil
	}
}

// readAvailable reads up to ChunkSize bytes from f, treating a deadline
// timeout as "nothing ready yet" rather than an error, matching the
// library's cooperative, non-blocking tick model (spec §5).
func readAvailable(f *os.File, deadline time.Time) (b []byte, eof bool, err error) {
	if err := f.SetReadDeadline(deadline); err != nil {
		// Descriptor doesn't support deadlines; fall back to a single
		// blocking read attempt.
	}
	buf := make([]byte, ChunkSize)
	n, rerr := f.Read(buf)
	if n > 0 {
		b = buf[:n]
	}
	if rerr == nil {
		return b, false, nil
	}
	if rerr == io.EOF {
		return b, true, nil
	}
	if os.IsTimeout(rerr) {
		return b, false, nil
	}
	if strings.Contains(rerr.Error(), "interrupted system call") {
		return b, false, nil
	}
	return b, false, rerr
}

func (p *posixPipes) close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.ptmx != nil {
		record(p.ptmx.Close())
		p.ptmx = nil
	}
	if p.stdinW != nil {
		record(p.stdinW.Close())
		p.stdinW = nil
	}
	if p.stdoutR != nil {
		record(p.stdoutR.Close())
		p.stdoutR = nil
	}
	if p.stderrR != nil {
		record(p.stderrR.Close())
		p.stderrR = nil
	}
	if p.stdinR != nil {
		record(p.stdinR.Close())
		p.stdinR = nil
	}
	if p.stdoutW != nil {
		record(p.stdoutW.Close())
		p.stdoutW = nil
	}
	if p.stderrW != nil {
		record(p.stderrW.Close())
		p.stderrW = nil
	}
	if p.nullFile != nil {
		record(p.nullFile.Close())
		p.nullFile = nil
	}
	if p.fallbackR != nil {
		record(p.fallbackR.Close())
		p.fallbackR = nil
	}
	if p.fallbackW != nil {
		record(p.fallbackW.Close())
		p.fallbackW = nil
	}
	if p.selfHandle != nil {
		record(p.selfHandle.Close())
		p.selfHandle = nil
	}
	return firstErr
}
