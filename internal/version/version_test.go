package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "1.2.3", "abc123"
	got := String()
	if !strings.Contains(got, "coinwatch 1.2.3") || !strings.Contains(got, "commit abc123") {
		t.Fatalf("unexpected version string %q", got)
	}
}
