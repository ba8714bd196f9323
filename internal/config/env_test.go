package config

import (
	"testing"
	"time"
)

func TestGetString(t *testing.T) {
	t.Setenv("SAGE_TEST_STR", "value")
	if got := GetString("SAGE_TEST_STR", "def"); got != "value" {
		t.Errorf("got %q", got)
	}
	if got := GetString("SAGE_TEST_STR_MISSING", "def"); got != "def" {
		t.Errorf("got %q, want default", got)
	}
}

func TestGetInt(t *testing.T) {
	t.Setenv("SAGE_TEST_INT", "42")
	if got := GetInt("SAGE_TEST_INT", 7); got != 42 {
		t.Errorf("got %d", got)
	}
	t.Setenv("SAGE_TEST_INT", "not-a-number")
	if got := GetInt("SAGE_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default on parse failure", got)
	}
	if got := GetInt("SAGE_TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("got %d, want default", got)
	}
}

func TestGetSeconds(t *testing.T) {
	t.Setenv("SAGE_TEST_SECS", "30")
	if got := GetSeconds("SAGE_TEST_SECS", time.Minute); got != 30*time.Second {
		t.Errorf("got %v", got)
	}
	t.Setenv("SAGE_TEST_SECS", "0.5")
	if got := GetSeconds("SAGE_TEST_SECS", time.Minute); got != 500*time.Millisecond {
		t.Errorf("got %v, want 500ms for fractional seconds", got)
	}
	t.Setenv("SAGE_TEST_SECS", "-5")
	if got := GetSeconds("SAGE_TEST_SECS", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default for negative", got)
	}
	if got := GetSeconds("SAGE_TEST_SECS_MISSING", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default", got)
	}
}

func TestResolveEnvCandidatesNoDuplicates(t *testing.T) {
	cands := resolveEnvCandidates()
	if len(cands) == 0 {
		t.Fatal("no candidate paths")
	}
	seen := map[string]bool{}
	for _, p := range cands {
		if seen[p] {
			t.Errorf("duplicate candidate %q", p)
		}
		seen[p] = true
	}
}
