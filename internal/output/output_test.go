package output

import (
	"strings"
	"testing"

	"github.com/jkaninda/shellbox/internal/engine"
)

func TestTruncate_ShortStringUntouched(t *testing.T) {
	if got := Truncate("hello", 100); got != "hello" {
		t.Errorf("got %q, want unchanged input", got)
	}
	if got := Truncate("hello", 5); got != "hello" {
		t.Errorf("exact-length input modified: %q", got)
	}
}

func TestTruncate_DisabledWhenNonPositive(t *testing.T) {
	long := strings.Repeat("x", 1000)
	if got := Truncate(long, 0); got != long {
		t.Error("maxLength 0 must disable truncation")
	}
	if got := Truncate(long, -1); got != long {
		t.Error("negative maxLength must disable truncation")
	}
}

func TestTruncate_MarksRemovedCount(t *testing.T) {
	s := strings.Repeat("a", 150)
	got := Truncate(s, 100)

	want := strings.Repeat("a", 100) + "\n... [output truncated: 50 characters removed]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTruncate_Idempotent(t *testing.T) {
	s := strings.Repeat("b", 300)
	once := Truncate(s, 100)
	twice := Truncate(once, 100)

	if once != twice {
		t.Errorf("second truncation changed the string:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestTruncate_LookalikeMarkerStillTruncated(t *testing.T) {
	// A string that merely contains marker-like text past the cap, but whose
	// count is not numeric, is ordinary output and must be truncated.
	s := strings.Repeat("c", 100) + "\n... [output truncated: many characters removed]"
	got := Truncate(s, 100)
	if got == s {
		t.Error("malformed marker treated as genuine truncation")
	}
	if !strings.HasSuffix(got, " characters removed]") {
		t.Errorf("truncated output missing marker: %q", got)
	}
}

func TestNormalize_StreamsIndependent(t *testing.T) {
	raw := &engine.RawResult{
		Stdout:   strings.Repeat("o", 50),
		Stderr:   strings.Repeat("e", 200),
		ExitCode: 0,
	}

	res := Normalize(raw, 100)
	if res.Stdout != raw.Stdout {
		t.Error("stdout under the cap must pass through unchanged")
	}
	if len(res.Stderr) <= 200 && !strings.Contains(res.Stderr, "output truncated") {
		t.Errorf("stderr over the cap not truncated: %q", res.Stderr)
	}
	if !strings.HasPrefix(res.Stderr, strings.Repeat("e", 100)) {
		t.Error("stderr payload prefix altered by truncation")
	}
}

func TestNormalize_PreservesExitCodeAndEnv(t *testing.T) {
	raw := &engine.RawResult{
		Stdout:   strings.Repeat("x", 500),
		Stderr:   "boom",
		ExitCode: 17,
		Env:      map[string]string{"FOO": "bar"},
	}

	res := Normalize(raw, 10)
	if res.ExitCode != 17 {
		t.Errorf("exit code = %d, want 17", res.ExitCode)
	}
	if res.Env["FOO"] != "bar" {
		t.Errorf("env not carried: %v", res.Env)
	}
}
