package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)

	SetLevel(LevelDebug)
	assert.True(t, zapLevel.Enabled(zapcore.DebugLevel))

	SetLevel("WARN")
	assert.False(t, zapLevel.Enabled(zapcore.InfoLevel))
	assert.True(t, zapLevel.Enabled(zapcore.ErrorLevel))

	SetLevel("nonsense")
	assert.True(t, zapLevel.Enabled(zapcore.InfoLevel))
	assert.False(t, zapLevel.Enabled(zapcore.DebugLevel))
}
