package util_test

import (
	"testing"

	"github.com/downfa11-org/posttimes/util"
)

func TestParseInt(t *testing.T) {
	tests := []struct {
		in       string
		fallback int
		want     int
	}{
		{"42", 0, 42},
		{" 8 ", 0, 8},
		{"", 3, 3},
		{"abc", 5, 5},
	}
	for _, tt := range tests {
		if got := util.ParseInt(tt.in, tt.fallback); got != tt.want {
			t.Errorf("ParseInt(%q, %d) = %d, want %d", tt.in, tt.fallback, got, tt.want)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("POSTTIMES_TEST_STR", "  orders ")
	t.Setenv("POSTTIMES_TEST_INT", "4")
	t.Setenv("POSTTIMES_TEST_BAD_INT", "four")

	if got := util.EnvOr("POSTTIMES_TEST_STR", "x"); got != "orders" {
		t.Errorf("EnvOr = %q", got)
	}
	if got := util.EnvOr("POSTTIMES_TEST_UNSET", "x"); got != "x" {
		t.Errorf("EnvOr fallback = %q", got)
	}
	if got := util.EnvInt("POSTTIMES_TEST_INT", 1); got != 4 {
		t.Errorf("EnvInt = %d", got)
	}
	if got := util.EnvInt("POSTTIMES_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("EnvInt with unparsable value should fall back, got %d", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]util.LogLevel{
		"debug":   util.LogLevelDebug,
		"WARNING": util.LogLevelWarn,
		"error":   util.LogLevelError,
		"3":       util.LogLevelError,
		"bogus":   util.LogLevelInfo,
	}
	for in, want := range tests {
		if got := util.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
