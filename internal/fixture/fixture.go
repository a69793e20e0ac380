// Package fixture loads declarative end-to-end test scenarios from YAML,
// the way internal/config.LoadConfig decodes a proctmux.yaml and then
// applies defaults. It exists only to drive this module's own tests;
// nothing outside the test suite imports it.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario describes one child-process run: the command to launch, the
// input chunks to feed it, and the output the test expects back.
type Scenario struct {
	Name string `yaml:"name"`

	Command []string `yaml:"command"`
	Shell   string   `yaml:"shell"`

	Env map[string]string `yaml:"env"`

	// Input is a flat list of string chunks written to stdin in order,
	// then the source is closed. Scenarios needing streams or nested
	// sources build those in Go rather than YAML.
	Input []string `yaml:"input"`

	TimeoutSeconds     float64 `yaml:"timeout_seconds"`
	IdleTimeoutSeconds float64 `yaml:"idle_timeout_seconds"`

	ExpectStdout   string `yaml:"expect_stdout"`
	ExpectStderr   string `yaml:"expect_stderr"`
	ExpectExitCode int    `yaml:"expect_exit_code"`
	ExpectSignaled bool   `yaml:"expect_signaled"`
}

// Timeout returns TimeoutSeconds as a time.Duration, 0 if unset.
func (s Scenario) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// IdleTimeout returns IdleTimeoutSeconds as a time.Duration, 0 if unset.
func (s Scenario) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds * float64(time.Second))
}

// applyDefaults fills in zero-value fields the same way
// internal/config/defaults.go backstops an under-specified proctmux.yaml.
func applyDefaults(s Scenario) Scenario {
	if s.Name == "" {
		s.Name = "unnamed scenario"
	}
	return s
}

// Load decodes a single scenario from path.
func Load(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("fixture: open %s: %w", path, err)
	}
	defer f.Close()

	var s Scenario
	if err := yaml.NewDecoder(f).Decode(&s); err != nil {
		return Scenario{}, fmt.Errorf("fixture: decode %s: %w", path, err)
	}
	return applyDefaults(s), nil
}

// LoadAll decodes every "---"-separated scenario document in path.
func LoadAll(path string) ([]Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	var scenarios []Scenario
	for {
		var s Scenario
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("fixture: decode %s: %w", path, err)
		}
		scenarios = append(scenarios, applyDefaults(s))
	}
	return scenarios, nil
}
