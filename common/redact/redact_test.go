package redact_test

import (
	"strings"
	"testing"

	"github.com/crossbus/crossbus/common/redact"
)

// TestString verifies sensitive values disappear from the output and short
// values are left alone to avoid mangling common substrings.
func TestString(t *testing.T) {
	got := redact.String("validate key cb_s3cr3tvalue failed", "cb_s3cr3tvalue")
	if strings.Contains(got, "cb_s3cr3tvalue") {
		t.Errorf("secret survived redaction: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("no placeholder in output: %q", got)
	}

	if got := redact.String("a or b", "a", "or"); got != "a or b" {
		t.Errorf("short values redacted: %q", got)
	}

	multi := redact.String("tok1 then tok1 again", "tok1")
	if strings.Contains(multi, "tok1") {
		t.Errorf("repeated secret survived: %q", multi)
	}
}

// TestMap verifies secret-named keys are masked and the rest pass through.
func TestMap(t *testing.T) {
	out := redact.Map(map[string]any{
		"apiKey":   "cb_live",
		"password": "hunter2",
		"attempts": 3,
		"target":   "builder",
	})
	if out["apiKey"] != "[REDACTED]" || out["password"] != "[REDACTED]" {
		t.Errorf("secret keys not masked: %v", out)
	}
	if out["attempts"] != 3 || out["target"] != "builder" {
		t.Errorf("plain values changed: %v", out)
	}
}
