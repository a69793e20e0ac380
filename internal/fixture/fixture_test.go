package fixture

import "testing"

func TestLoad(t *testing.T) {
	s, err := Load("testdata/echo.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "echo string input" {
		t.Errorf("expected name %q, got %q", "echo string input", s.Name)
	}
	if len(s.Command) != 1 || s.Command[0] != "cat" {
		t.Errorf("expected command [cat], got %v", s.Command)
	}
	if s.ExpectStdout != "string" {
		t.Errorf("expected expect_stdout %q, got %q", "string", s.ExpectStdout)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	s, err := Load("testdata/concat.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name == "" {
		t.Error("expected non-empty name")
	}
	if s.Timeout() != 0 {
		t.Errorf("expected zero timeout, got %v", s.Timeout())
	}
}
