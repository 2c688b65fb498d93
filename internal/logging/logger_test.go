package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestNewLevels verifies the development build logs debug while production
// starts at info.
func TestNewLevels(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New(false)
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	require.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

// TestOrNop verifies nil maps to a usable no-op logger and non-nil passes
// through untouched.
func TestOrNop(t *testing.T) {
	t.Parallel()

	nop := OrNop(nil)
	require.NotNil(t, nop)
	nop.Info("discarded")

	logger := zap.NewNop()
	require.Same(t, logger, OrNop(logger))
}
