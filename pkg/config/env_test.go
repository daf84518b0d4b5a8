package config

import "testing"

func TestGetEnvDefault(t *testing.T) {
	if got := GetEnv("TREASURY_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("TREASURY_TEST_SET", "value")
	if got := GetEnv("TREASURY_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TREASURY_TEST_INT", "42")
	if got := GetEnvInt("TREASURY_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("TREASURY_TEST_INT", "not-a-number")
	if got := GetEnvInt("TREASURY_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TREASURY_TEST_FLOAT", "0.05")
	if got := GetEnvFloat("TREASURY_TEST_FLOAT", 0.1); got != 0.05 {
		t.Fatalf("expected 0.05, got %v", got)
	}
	t.Setenv("TREASURY_TEST_FLOAT", "bogus")
	if got := GetEnvFloat("TREASURY_TEST_FLOAT", 0.1); got != 0.1 {
		t.Fatalf("expected default 0.1, got %v", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TREASURY_TEST_BOOL", "true")
	if !GetEnvBool("TREASURY_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("TREASURY_TEST_BOOL", "junk")
	if GetEnvBool("TREASURY_TEST_BOOL", false) {
		t.Fatal("expected default false")
	}
}
