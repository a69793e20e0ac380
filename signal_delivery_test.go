package procexec

import (
	"strings"
	"testing"
	"time"

	"github.com/nick/procexec/buffer"
	"github.com/nick/procexec/capability"
)

// TestSupervisor_SignalDelivery covers end-to-end scenario 5: a child
// installs a handler for user-signal-1 that prints "get" and exits;
// after observing "2" in its counting output, the test sends that
// signal and expects the combined output "0123get".
func TestSupervisor_SignalDelivery(t *testing.T) {
	script := `trap 'printf get; exit 0' USR1
for i in 0 1 2 3; do printf "%d" "$i"; sleep 0.1; done
wait`

	sup := NewSupervisor(Config{
		Command: Command{Shell: script},
	}, capability.Default)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sent := false
	err := sup.Wait(func(c Chunk) {
		if !sent && strings.Contains(string(c.Data), "2") {
			sent = true
			if err := sup.Signal(10); err != nil { // SIGUSR1
				t.Errorf("Signal: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, _ := sup.Output().Get(buffer.Out, false)
	if string(got.([]byte)) != "0123get" {
		t.Errorf("expected %q, got %q", "0123get", got)
	}
}

// TestSupervisor_Kill_ReportsSignalInvariant covers invariant I-6: after
// kill(), is_signaled() is true, term_signal() == 15 on POSIX, and
// exit_code == 128+15.
func TestSupervisor_Kill_ReportsSignalInvariant(t *testing.T) {
	sup := NewSupervisor(Config{
		Command: Command{Shell: `sleep 5`},
	}, capability.Default)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := sup.Kill(500*time.Millisecond, 0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := sup.Wait(nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !sup.IsSignaled() {
		t.Error("expected IsSignaled() true")
	}
	if sup.TermSignal() != 15 {
		t.Errorf("expected term signal 15, got %d", sup.TermSignal())
	}
	if sup.ExitCode() != 128+15 {
		t.Errorf("expected exit code %d, got %d", 128+15, sup.ExitCode())
	}
}
