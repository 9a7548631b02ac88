package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Debug("polling", "task_queue", "q1")
	l.Info("started")
	l.Warn("slow", "elapsed", 3)
	l.Error("failed", "attempt", 2)

	entries := logs.AllUntimed()
	assert.Len(t, entries, 4)
	assert.Equal(t, "polling", entries[0].Message)
	assert.Equal(t, "q1", entries[0].ContextMap()["task_queue"])
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, int64(2), entries[3].ContextMap()["attempt"])
}
