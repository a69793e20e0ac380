package capability

import (
	"runtime"
	"testing"
)

func TestOracle_IsWindows_MatchesRuntimeGOOS(t *testing.T) {
	o := New()
	want := runtime.GOOS == "windows"
	if got := o.IsWindows(); got != want {
		t.Errorf("IsWindows() = %v, want %v", got, want)
	}
}

func TestOracle_IsWindows_Cached(t *testing.T) {
	o := New()
	first := o.IsWindows()
	second := o.IsWindows()
	if first != second {
		t.Errorf("expected cached result to be stable, got %v then %v", first, second)
	}
}

func TestOracle_MissingSpawnFn_EmptyOnNormalHost(t *testing.T) {
	o := New()
	if got := o.MissingSpawnFn(); got != "" {
		t.Errorf("expected no missing primitive, got %q", got)
	}
}

func TestOracle_SupportConstrainedChild_DefaultFalse(t *testing.T) {
	o := New()
	if o.SupportConstrainedChild() {
		t.Error("expected SupportConstrainedChild to default to false")
	}
}
