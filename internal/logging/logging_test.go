package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelFallsBackToInfo(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"no rush": zerolog.InfoLevel,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("级别 %q 解析不正确: got %s want %s", input, got, want)
		}
	}
}

func TestNewLoggerAppliesLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "warn"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("日志级别不正确: %s", logger.GetLevel())
	}
}
