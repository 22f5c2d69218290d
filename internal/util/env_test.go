package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CAREPIPE_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("CAREPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CAREPIPE_TEST_DUR", "")
	if got := ParseDurationEnv("CAREPIPE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	t.Setenv("CAREPIPE_TEST_DUR", "15s")
	if got := ParseDurationEnv("CAREPIPE_TEST_DUR", time.Second); got != 15*time.Second {
		t.Errorf("valid: got %v", got)
	}
	for _, bad := range []string{"soon", "-5s", "0"} {
		t.Setenv("CAREPIPE_TEST_DUR", bad)
		if got := ParseDurationEnv("CAREPIPE_TEST_DUR", time.Second); got != time.Second {
			t.Errorf("%q: got %v", bad, got)
		}
	}
}

func TestParseNumericEnv(t *testing.T) {
	t.Setenv("CAREPIPE_TEST_INT", "7")
	if got := ParseIntEnv("CAREPIPE_TEST_INT", 3); got != 7 {
		t.Errorf("ParseIntEnv = %d", got)
	}
	t.Setenv("CAREPIPE_TEST_INT", "seven")
	if got := ParseIntEnv("CAREPIPE_TEST_INT", 3); got != 3 {
		t.Errorf("ParseIntEnv invalid = %d", got)
	}
	t.Setenv("CAREPIPE_TEST_FLOAT", "0.42")
	if got := ParseFloatEnv("CAREPIPE_TEST_FLOAT", 0.35); got != 0.42 {
		t.Errorf("ParseFloatEnv = %f", got)
	}
	t.Setenv("CAREPIPE_TEST_FLOAT", "x")
	if got := ParseFloatEnv("CAREPIPE_TEST_FLOAT", 0.35); got != 0.35 {
		t.Errorf("ParseFloatEnv invalid = %f", got)
	}
}
