package procexec

import (
	"testing"

	"github.com/nick/procexec/capability"
	"github.com/nick/procexec/input"
	"github.com/nick/procexec/internal/fixture"
)

// runScenario drives a fixture.Scenario through a real Supervisor,
// mirroring internal/fixture's decode-then-apply-defaults shape but
// exercised against the actual process engine rather than just checked
// for decode correctness (see internal/fixture/fixture_test.go for that).
func runScenario(t *testing.T, s fixture.Scenario) *Supervisor {
	t.Helper()

	src := input.New()
	for _, chunk := range s.Input {
		if err := src.Write(chunk); err != nil {
			t.Fatalf("Write(%q): %v", chunk, err)
		}
	}
	src.Close()

	sup := NewSupervisor(Config{
		Command:     Command{Argv: s.Command, Shell: s.Shell},
		Env:         s.Env,
		Timeout:     s.Timeout(),
		IdleTimeout: s.IdleTimeout(),
		Input:       src,
	}, capability.Default)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Wait(nil); err != nil && !s.ExpectSignaled {
		t.Fatalf("Wait: %v", err)
	}
	return sup
}

func TestScenario_EchoFromFixture(t *testing.T) {
	s, err := fixture.Load("internal/fixture/testdata/echo.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sup := runScenario(t, s)

	got, _ := sup.Output().Get("out", false)
	if string(got.([]byte)) != s.ExpectStdout {
		t.Errorf("expected %q, got %q", s.ExpectStdout, got)
	}
	if sup.ExitCode() != s.ExpectExitCode {
		t.Errorf("expected exit code %d, got %d", s.ExpectExitCode, sup.ExitCode())
	}
}

func TestScenario_ConcatFromFixture(t *testing.T) {
	s, err := fixture.Load("internal/fixture/testdata/concat.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sup := runScenario(t, s)

	got, _ := sup.Output().Get("out", false)
	if string(got.([]byte)) != s.ExpectStdout {
		t.Errorf("expected %q, got %q", s.ExpectStdout, got)
	}
}
