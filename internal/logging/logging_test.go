package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"gotest.tools/v3/assert"
)

func TestNew(t *testing.T) {
	prod, err := New(false)
	assert.NilError(t, err)
	assert.Assert(t, !prod.Core().Enabled(zapcore.DebugLevel))

	dev, err := New(true)
	assert.NilError(t, err)
	assert.Assert(t, dev.Core().Enabled(zapcore.DebugLevel))
}
