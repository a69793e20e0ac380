package procexec

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nick/procexec/buffer"
	"github.com/nick/procexec/capability"
	"github.com/nick/procexec/input"
	"golang.org/x/sync/errgroup"
)

// State is a position in the Ready -> Started -> Waiting -> Terminated
// lifecycle. Terminated is absorbing; a Supervisor never leaves it.
type State int

const (
	StateReady State = iota
	StateStarted
	StateWaiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateWaiting:
		return "waiting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExitRecord is the status snapshot a Supervisor exposes once it has
// asked the OS about the child at least once (spec §3's "Exit record").
type ExitRecord struct {
	ExitCode int
	Signaled bool
	TermSig  int
	Running  bool
}

// Chunk is one (channel, bytes) pair delivered to a Wait callback.
type Chunk struct {
	Channel buffer.Channel
	Data    []byte
}

// Callback receives chunks as Wait reads them from the child.
type Callback func(Chunk)

// Supervisor drives one child process through its full lifecycle:
// spawning it via a platform PipeStrategy, pumping composable input into
// its stdin, draining stdout/stderr into an OutputBuffer, enforcing the
// wall-clock and idle timeouts, and reporting a uniform exit record
// however the platform actually surfaced it. Grounded on
// internal/process/controller.go's Controller/Instance lifecycle,
// generalized from "one controller, many named processes" down to one
// supervisor per process.
type Supervisor struct {
	mu    sync.Mutex
	cfg   Config
	caps  *capability.Oracle
	state State

	pipes pipeStrategy
	pump  *input.Pump
	out   *buffer.OutputBuffer

	waitDone chan struct{}
	waitErr  error
	record   ExitRecord

	fallbackPID    int
	fallbackRecord ExitRecord
	hasFallback    bool

	latestSignal int

	startTime time.Time
}

// NewSupervisor constructs a Supervisor in state Ready over cfg. caps
// defaults to capability.Default when nil.
func NewSupervisor(cfg Config, caps *capability.Oracle) *Supervisor {
	if caps == nil {
		caps = capability.Default
	}
	return &Supervisor{cfg: cfg, caps: caps, state: StateReady}
}

// State reports the Supervisor's current lifecycle position.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Output returns the OutputBuffer backing this Supervisor, valid once
// Start has succeeded.
func (s *Supervisor) Output() *buffer.OutputBuffer { return s.out }

// Clone returns a fresh, independent Ready Supervisor sharing none of this
// one's pipe or child-handle state (spec §3: "re-running requires cloning
// the configuration").
func (s *Supervisor) Clone() *Supervisor {
	s.mu.Lock()
	cfg := s.cfg.Clone()
	caps := s.caps
	s.mu.Unlock()
	return NewSupervisor(cfg, caps)
}

// Start spawns the child (spec §4.4's start()).
func (s *Supervisor) Start() error {
	s.mu.Lock()

	if s.state != StateReady {
		s.mu.Unlock()
		return logicError("Start called on a Supervisor in state %s", s.state)
	}
	if s.cfg.Mode == ModeOutputDisabled && s.cfg.IdleTimeout > 0 {
		s.mu.Unlock()
		return logicError("idle_timeout requires output capture, incompatible with output_disabled")
	}

	s.out = buffer.New(s.cfg.Mode == ModeOutputDisabled)
	if s.cfg.Input == nil {
		s.cfg.Input = input.New()
		s.cfg.Input.Close()
	}
	s.pump = input.NewPump(s.cfg.Input)

	pipes := newPipeStrategy(s.cfg.Mode, s.caps)
	if err := pipes.open(s.cfg); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pipes = pipes

	cmd := pipes.cmd()
	if err := cmd.Start(); err != nil {
		pipes.close()
		s.mu.Unlock()
		return runtimeError("Unable to launch a new process.", err)
	}
	if err := pipes.afterStart(); err != nil {
		slog.Warn("failed to release parent's copy of child descriptors", "error", err)
	}

	s.startTime = time.Now()
	s.state = StateStarted
	s.waitDone = make(chan struct{})
	mode := s.cfg.Mode

	log.Printf("procexec: started pid %d (%s)", cmd.Process.Pid, mode)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.record = exitRecordFromState(cmd.ProcessState)
		s.mu.Unlock()
		close(s.waitDone)
	}()

	if pid, ok := readFallbackLine(pipes.fallbackFile(), ReadinessTimeout); ok {
		s.fallbackPID = pid
	}

	s.mu.Unlock()

	if mode == ModeTTY {
		// Real stdio is bound directly; probing status here would block
		// on a descriptor we don't own the other end of.
		return nil
	}

	if err := s.UpdateStatus(false); err != nil {
		return err
	}
	return s.CheckTimeout()
}

// Wait drains the child to completion, delivering chunks to cb as they
// arrive (spec §4.4's wait()). cb may be nil.
func (s *Supervisor) Wait(cb Callback) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		// Already reaped (e.g. by Kill): nothing left to drain, only the
		// exit record to check.
		rec, sig := s.record, s.latestSignal
		s.mu.Unlock()
		if rec.Signaled && rec.TermSig != sig {
			return runtimeError("signaled with signal "+strconv.Itoa(rec.TermSig), nil)
		}
		return nil
	}
	if s.state != StateStarted && s.state != StateWaiting {
		s.mu.Unlock()
		return logicError("Wait called on a Supervisor in state %s", s.state)
	}
	if s.cfg.Mode == ModeOutputDisabled && cb != nil {
		s.mu.Unlock()
		return runtimeError("cannot observe chunks when output is disabled", nil)
	}
	s.state = StateWaiting
	s.mu.Unlock()

	// The input pump and the output transfer loop run as two members of
	// one errgroup: a failure of the transfer loop (a timeout from
	// CheckTimeout, a read error) cancels the pump loop promptly. The pump
	// loop itself never fails: drainStdinLocked logs a write error and
	// abandons stdin instead. This replaces the teacher's
	// unsupervised "go func(){ io.Copy(...) }()" goroutines in
	// controller.go/server.go with a joinable pair.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.mu.Lock()
			done := s.pump.EndOfFlow()
			s.mu.Unlock()
			if done {
				return nil
			}
			s.mu.Lock()
			s.drainStdinLocked()
			s.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			exited := !s.isRunning()
			s.mu.Lock()
			open := s.pipes.pipesOpen(exited)
			s.mu.Unlock()
			if !open {
				return nil
			}

			if err := s.CheckTimeout(); err != nil {
				return err
			}

			closing := !open || !s.caps.IsWindows()
			s.mu.Lock()
			chunks, err := s.pipes.transfer(true, closing)
			s.mu.Unlock()
			if err != nil {
				return err
			}
			for ch, data := range chunks {
				if len(data) == 0 {
					continue
				}
				switch ch {
				case buffer.Out:
					s.out.AddStdout(data)
				case buffer.Err:
					s.out.AddStderr(data)
				}
				if cb != nil {
					cb(Chunk{Channel: ch, Data: data})
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	for {
		select {
		case <-s.waitDone:
		default:
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}

	if err := s.UpdateStatus(false); err != nil {
		return err
	}

	s.mu.Lock()
	rec := s.record
	sig := s.latestSignal
	s.mu.Unlock()
	if rec.Signaled && rec.TermSig != sig {
		return runtimeError("signaled with signal "+strconv.Itoa(rec.TermSig), nil)
	}
	return nil
}

// drainStdinLocked performs one pump tick and closes stdin exactly once
// the source tree reaches end-of-flow (spec §4.2 step 4). Caller holds
// s.mu.
func (s *Supervisor) drainStdinLocked() {
	if s.pump.EndOfFlow() {
		return
	}
	w := s.pipes.stdin()
	if w == nil {
		return
	}
	if _, err := s.pump.WriteTo(w); err != nil {
		slog.Warn("input pump write failed, abandoning stdin", "error", err)
		s.pump = input.NewPump(input.New())
		return
	}
	if s.pump.EndOfFlow() {
		if c, ok := w.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}

// UpdateStatus polls the child's liveness (spec §4.4's update_status()).
func (s *Supervisor) UpdateStatus(blocking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(blocking)
}

func (s *Supervisor) updateStatusLocked(blocking bool) error {
	if s.state != StateStarted && s.state != StateWaiting {
		return nil
	}

	running := true
	select {
	case <-s.waitDone:
		running = false
	default:
	}

	if running && blocking {
		s.drainStdinLocked()
		closing := !s.pipes.pipesOpen(false) || !s.caps.IsWindows()
		chunks, err := s.pipes.transfer(true, closing)
		if err != nil {
			return err
		}
		for ch, data := range chunks {
			if len(data) == 0 {
				continue
			}
			switch ch {
			case buffer.Out:
				s.out.AddStdout(data)
			case buffer.Err:
				s.out.AddStderr(data)
			}
		}
	}

	s.mergeFallbackLocked()

	if !running {
		s.pipes.close()
		s.state = StateTerminated
	}
	return nil
}

// mergeFallbackLocked overlays any sideband-observed signal/exit info on
// top of the primitive's record, sideband-wins-on-conflict (spec §9's
// "Fallback exit channel"). Caller holds s.mu.
func (s *Supervisor) mergeFallbackLocked() {
	if exitCode, ok := readFallbackLine(s.pipes.fallbackFile(), 0); ok {
		s.hasFallback = true
		s.fallbackRecord.ExitCode = exitCode
	}
	if !s.hasFallback {
		return
	}
	if s.record.ExitCode == -1 {
		s.record.ExitCode = s.fallbackRecord.ExitCode
	}
	if s.fallbackRecord.Signaled {
		s.record.Signaled = true
		s.record.TermSig = s.fallbackRecord.TermSig
	}
}

// CheckTimeout kills the child and returns a typed error if either clock
// has elapsed (spec §4.4's check_timeout(); invariant I-5: whichever
// deadline passed earlier wins, decided here by comparing the two
// overshoot durations rather than check order).
func (s *Supervisor) CheckTimeout() error {
	s.mu.Lock()
	state := s.state
	cfg := s.cfg
	started := s.startTime
	s.mu.Unlock()
	if state != StateStarted && state != StateWaiting {
		return nil
	}

	now := time.Now()
	var wallOver, idleOver time.Duration
	wallExceeded := cfg.Timeout > 0 && now.Sub(started) > cfg.Timeout
	if wallExceeded {
		wallOver = now.Sub(started) - cfg.Timeout
	}
	var idleExceeded bool
	if cfg.IdleTimeout > 0 && s.out != nil {
		last := s.out.LastWrite()
		if last.IsZero() {
			last = started
		}
		idleExceeded = now.Sub(last) > cfg.IdleTimeout
		if idleExceeded {
			idleOver = now.Sub(last) - cfg.IdleTimeout
		}
	}
	if !wallExceeded && !idleExceeded {
		return nil
	}

	s.Kill(DefaultKillGrace, 0)
	if wallExceeded && (!idleExceeded || wallOver >= idleOver) {
		return &TimeoutError{Timeout: cfg.Timeout.Seconds()}
	}
	return &IdleTimeoutError{IdleTimeout: cfg.IdleTimeout.Seconds()}
}

// Kill delivers SIGTERM, waits up to grace for exit, then escalates to
// sig (SIGKILL if sig is 0), per spec §4.4's kill(). Returns the final
// exit code.
func (s *Supervisor) Kill(grace time.Duration, sig int) (int, error) {
	s.mu.Lock()
	if s.state != StateStarted && s.state != StateWaiting {
		code := s.record.ExitCode
		s.mu.Unlock()
		return code, nil
	}
	proc := s.pipes.cmd().Process
	pid := proc.Pid
	fallbackPID := s.fallbackPID
	s.mu.Unlock()

	s.recordSignalSent(int(syscall.SIGTERM))
	deliverSignal(proc, pid, int(syscall.SIGTERM))

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.isRunning() {
			return s.finalExitCode()
		}
		time.Sleep(time.Millisecond)
	}

	if s.isRunning() {
		force := sig
		if force == 0 {
			force = int(syscall.SIGKILL)
		}
		s.recordSignalSent(force)
		deliverSignal(proc, pid, force)
	}

	for i := 0; i < 50 && s.isRunning(); i++ {
		time.Sleep(time.Millisecond)
	}

	if s.isRunning() && fallbackPID != 0 && fallbackPID != pid {
		if fallbackProc, err := os.FindProcess(fallbackPID); err == nil {
			deliverSignal(fallbackProc, fallbackPID, int(syscall.SIGKILL))
		}
		for i := 0; i < 50 && s.isRunning(); i++ {
			time.Sleep(time.Millisecond)
		}
	}

	if s.isRunning() {
		s.mu.Lock()
		s.pipes.close()
		s.mu.Unlock()
	}

	return s.finalExitCode()
}

func (s *Supervisor) recordSignalSent(sig int) {
	s.mu.Lock()
	s.latestSignal = sig
	s.hasFallback = true
	s.fallbackRecord.Signaled = true
	s.fallbackRecord.ExitCode = -1
	s.fallbackRecord.TermSig = sig
	s.mu.Unlock()
}

func (s *Supervisor) isRunning() bool {
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

func (s *Supervisor) finalExitCode() (int, error) {
	if err := s.UpdateStatus(false); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ExitCode, nil
}

// Signal delivers sig to the child without waiting for it to act (spec
// §4.4's signal()).
func (s *Supervisor) Signal(sig int) error {
	s.mu.Lock()
	if s.state != StateStarted && s.state != StateWaiting {
		s.mu.Unlock()
		return logicError("Signal called on a Supervisor in state %s", s.state)
	}
	proc := s.pipes.cmd().Process
	pid := proc.Pid
	s.mu.Unlock()

	if err := deliverSignal(proc, pid, sig); err != nil {
		return runtimeError("failed to deliver signal", err)
	}
	s.recordSignalSent(sig)
	return nil
}

// AsInputSource returns an io.Reader over this Supervisor's stdout,
// suitable for nesting inside another InputSource (spec §9's
// "Supervisor-as-InputSource"). It drives a private Iterator configured
// with SkipErr, so stderr never leaks into the outer pipeline.
func (s *Supervisor) AsInputSource() io.Reader {
	it := NewIterator(s, SkipErr)
	return it.AsReader()
}

// ExitCode, IsSignaled, TermSignal, IsRunning and IsSuccessful report the
// most recently observed exit record (spec §6's exit-code convention).
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ExitCode
}

func (s *Supervisor) IsSignaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Signaled
}

func (s *Supervisor) TermSignal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.TermSig
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStarted || s.state == StateWaiting
}

func (s *Supervisor) IsSuccessful() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.record.Signaled && s.record.ExitCode == 0
}

// exitRecordFromState decodes an *os.ProcessState into the library's
// uniform ExitRecord, synthesizing the POSIX 128+signal convention when
// the primitive reports -1 alongside a positive signal (spec §4.4 step:
// "update_status").
func exitRecordFromState(state *os.ProcessState) ExitRecord {
	rec := ExitRecord{}
	if state == nil {
		return rec
	}
	rec.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		rec.Signaled = true
		rec.TermSig = int(ws.Signal())
		if rec.ExitCode == -1 {
			rec.ExitCode = 128 + rec.TermSig
		}
	}
	return rec
}

// readFallbackLine performs one best-effort, deadline-bounded read of a
// newline-terminated integer from f (the fd-3 sideband pipe), returning
// false if f is nil, unreadable within deadline, or not yet holding a
// full line.
func readFallbackLine(f *os.File, deadline time.Duration) (int, bool) {
	if f == nil {
		return 0, false
	}
	f.SetReadDeadline(time.Now().Add(deadline))
	buf := make([]byte, 32)
	n, err := f.Read(buf)
	if n == 0 {
		_ = err
		return 0, false
	}
	line := string(buf[:n])
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	v, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, false
	}
	return v, true
}
