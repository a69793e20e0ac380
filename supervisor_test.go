package procexec

import (
	"strings"
	"testing"
	"time"

	"github.com/nick/procexec/buffer"
	"github.com/nick/procexec/capability"
	"github.com/nick/procexec/input"
)

func echoCommand() Command {
	return Command{Argv: []string{"cat"}}
}

func TestSupervisor_EchoStringInput(t *testing.T) {
	src, err := input.NewClosed("string")
	if err != nil {
		t.Fatalf("NewClosed: %v", err)
	}

	sup := NewSupervisor(Config{Command: echoCommand(), Input: src}, capability.Default)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Wait(nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, err := sup.Output().Get(buffer.Out, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "string" {
		t.Errorf("expected %q, got %q", "string", got)
	}
	if sup.ExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", sup.ExitCode())
	}
	if !sup.IsSuccessful() {
		t.Error("expected IsSuccessful() true")
	}
}

func TestSupervisor_ConcatenatesMixedChunks(t *testing.T) {
	src, err := input.NewClosed([]any{"foo_", "bar_", "biz"})
	if err != nil {
		t.Fatalf("NewClosed: %v", err)
	}

	sup := NewSupervisor(Config{Command: echoCommand(), Input: src}, capability.Default)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Wait(nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, _ := sup.Output().Get(buffer.Out, false)
	if string(got.([]byte)) != "foo_bar_biz" {
		t.Errorf("expected %q, got %q", "foo_bar_biz", got)
	}
}

func TestSupervisor_ExitCodePropagation(t *testing.T) {
	sup := NewSupervisor(Config{
		Command: Command{Shell: `echo "code"; exit 130`},
	}, capability.Default)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Wait(nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, _ := sup.Output().Get(buffer.Out, false)
	if strings.TrimSpace(string(got.([]byte))) != "code" {
		t.Errorf("expected %q, got %q", "code", got)
	}
	if sup.ExitCode() != 130 {
		t.Errorf("expected exit code 130, got %d", sup.ExitCode())
	}
	if sup.IsSuccessful() {
		t.Error("expected IsSuccessful() false")
	}
}

func TestSupervisor_KillDuringLoop(t *testing.T) {
	sup := NewSupervisor(Config{
		Command: Command{Shell: `i=0; while true; do echo "$i"; i=$((i+1)); sleep 0.1; done`},
	}, capability.Default)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seenTwo := false
	err := sup.Wait(func(c Chunk) {
		if !seenTwo && strings.Contains(string(c.Data), "2") {
			seenTwo = true
			sup.Kill(500*time.Millisecond, 0)
		}
	})
	// A signal this Supervisor itself sent is expected, not an error
	// (spec §4.4's wait(): only a signal this Supervisor did not send
	// raises RuntimeError).
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !sup.IsSignaled() {
		t.Error("expected IsSignaled() true")
	}
	if sup.TermSignal() != 15 {
		t.Errorf("expected term signal 15, got %d", sup.TermSignal())
	}
	if sup.ExitCode() != 143 {
		t.Errorf("expected exit code 143, got %d", sup.ExitCode())
	}
}

func TestSupervisor_StateProgression(t *testing.T) {
	sup := NewSupervisor(Config{Command: echoCommand()}, capability.Default)
	if sup.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", sup.State())
	}
	if err := sup.Wait(nil); err == nil {
		t.Fatal("expected Wait before Start to fail")
	}

	sup.cfg.Input = must(input.NewClosed(""))
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() == StateReady {
		t.Fatal("expected state to advance past Ready")
	}
	if err := sup.Wait(nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sup.State() != StateTerminated {
		t.Fatalf("expected StateTerminated, got %s", sup.State())
	}

	// Terminal state is absorbing: Start again must fail.
	if err := sup.Start(); err == nil {
		t.Error("expected Start on a terminated Supervisor to fail")
	}
}

func TestSupervisor_Clone(t *testing.T) {
	src := must(input.NewClosed("a"))
	sup := NewSupervisor(Config{Command: echoCommand(), Input: src}, capability.Default)
	clone := sup.Clone()
	if clone.State() != StateReady {
		t.Fatalf("expected cloned Supervisor to start Ready, got %s", clone.State())
	}
	if clone.cfg.Input == sup.cfg.Input {
		t.Error("expected clone to not share the original's Input source")
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
