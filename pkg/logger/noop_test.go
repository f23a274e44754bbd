package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureLogger(t *testing.T) {
	l := EnsureLogger(nil)
	assert.IsType(t, &NoOpLogger{}, l)

	l.Info("dropped", "key", "value")
	assert.NoError(t, (&NoOpLogger{}).Sync())

	custom := NewNoOpLogger()
	assert.Same(t, custom, EnsureLogger(custom))
}

func TestComponentOnNilLogger(t *testing.T) {
	l := Component(nil, "sponsor")
	assert.NotNil(t, l)
	l.Warn("still safe")
}
