package goroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanicIsQuiet(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("quiet-worker", logger)
	}()

	assert.Empty(t, logs.All())
}

func TestRecover_LogsPanicWithStack(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("panicking-worker", logger)
		panic("boom")
	}()

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "panicking-worker", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.NotEmpty(t, fields["stack"])
}

func TestRecover_NilLoggerDoesNotCrash(t *testing.T) {
	func() {
		defer Recover("no-logger", nil)
		panic("boom")
	}()
}
