package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil || v != 0.25 {
		t.Fatalf("expected 0.25, got %v (err %v)", v, err)
	}
	t.Setenv("TEST_FLOAT", "quarter")
	if _, err := envFloat("TEST_FLOAT", 0); err == nil {
		t.Fatal("expected error for invalid float")
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " https://a.example ,, https://b.example ")
	got := envList("TEST_LIST")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("FMAA_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid FMAA_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "FMAA_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention FMAA_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("FMAA_PORT", "abc")
	t.Setenv("FMAA_RATE_LIMIT_WINDOW", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "FMAA_PORT") || !strings.Contains(got, "FMAA_RATE_LIMIT_WINDOW") {
		t.Fatalf("error should mention both variables, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RateLimitMax != 100 || cfg.RateLimitWindow != 15*time.Minute {
		t.Fatalf("expected 100 requests per 15m, got %d per %s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.JournalDir != "" {
		t.Fatalf("journal should be disabled by default, got %q", cfg.JournalDir)
	}
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	t.Setenv("FMAA_STORE", "mongo")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "FMAA_STORE") {
		t.Fatalf("expected FMAA_STORE error, got %v", err)
	}
}

func TestValidateRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("FMAA_REPORT_TIMEZONE", "Mars/Olympus_Mons")
	if _, err := Load(); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestReportLocation(t *testing.T) {
	cfg := Config{ReportTimezone: "UTC"}
	if cfg.ReportLocation() != time.UTC {
		t.Fatalf("expected UTC, got %v", cfg.ReportLocation())
	}
}
