package logger_test

import (
	"testing"

	"github.com/wasmrun/engine/logger"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.Level{
		"debug":   logger.LevelDebug,
		"info":    logger.LevelInfo,
		"error":   logger.LevelError,
		"":        logger.LevelInfo,
		"bogus":   logger.LevelInfo,
	}
	for input, want := range cases {
		if got := logger.ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSetLevel_ConcurrentWithLogging(t *testing.T) {
	l := logger.New(logger.LevelDebug)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.SetLevel(logger.Level(i % 3))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		l.Infof("tick %d", i)
	}
	<-done
}
