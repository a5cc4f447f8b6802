package main

import (
	"testing"
	"time"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("TEST_ENV_STRING", "value")

	if got := getEnvWithDefault("TEST_ENV_STRING", "fallback"); got != "value" {
		t.Errorf("got %q, want %q", got, "value")
	}
	if got := getEnvWithDefault("TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "7")
	t.Setenv("TEST_ENV_INT_BAD", "not-a-number")

	if got := getEnvInt("TEST_ENV_INT", 3); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
	if got := getEnvInt("TEST_ENV_INT_BAD", 3); got != 3 {
		t.Errorf("got %d, want fallback 3", got)
	}
	if got := getEnvInt("TEST_ENV_INT_MISSING", 3); got != 3 {
		t.Errorf("got %d, want fallback 3", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_ENV_DUR", "45s")
	t.Setenv("TEST_ENV_DUR_BAD", "soon")

	if got := getEnvDuration("TEST_ENV_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
	if got := getEnvDuration("TEST_ENV_DUR_BAD", time.Minute); got != time.Minute {
		t.Errorf("got %v, want fallback 1m", got)
	}
}
