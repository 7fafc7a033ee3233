// Package output shapes raw engine results for transport: oversized
// streams are truncated with a deterministic marker, and the structured
// result payload is assembled.
package output

import (
	"fmt"
	"strings"

	"github.com/jkaninda/shellbox/internal/engine"
)

// Result is the normalized outcome returned to the caller. Immutable once
// produced; a fresh value is built per call.
type Result struct {
	Stdout   string            `json:"stdout"`
	Stderr   string            `json:"stderr"`
	ExitCode int               `json:"exit_code"`
	Env      map[string]string `json:"env,omitempty"`
}

const (
	markerPrefix = "\n... [output truncated: "
	markerSuffix = " characters removed]"
)

// Normalize truncates stdout and stderr independently to maxLength and
// assembles the result. Truncation is lossy and one-way; it never alters
// the exit code, so a failed command stays visibly failed.
func Normalize(raw *engine.RawResult, maxLength int) *Result {
	return &Result{
		Stdout:   Truncate(raw.Stdout, maxLength),
		Stderr:   Truncate(raw.Stderr, maxLength),
		ExitCode: raw.ExitCode,
		Env:      raw.Env,
	}
}

// Truncate caps s at maxLength, appending a marker stating how many
// characters were removed. The marker itself is exempt from the cap, which
// makes the transform idempotent: re-truncating an already-marked string
// with the same limit returns it unchanged.
func Truncate(s string, maxLength int) string {
	if maxLength <= 0 || len(s) <= maxLength {
		return s
	}
	if isTruncated(s, maxLength) {
		return s
	}
	removed := len(s) - maxLength
	return s[:maxLength] + markerPrefix + fmt.Sprint(removed) + markerSuffix
}

// isTruncated reports whether s is exactly a maxLength payload followed by
// a well-formed truncation marker.
func isTruncated(s string, maxLength int) bool {
	tail := s[maxLength:]
	if !strings.HasPrefix(tail, markerPrefix) || !strings.HasSuffix(tail, markerSuffix) {
		return false
	}
	count := tail[len(markerPrefix) : len(tail)-len(markerSuffix)]
	if count == "" {
		return false
	}
	for _, r := range count {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
