package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapTransient(t *testing.T) {
	base := stderrors.New("dial tcp: connection refused")
	err := WrapTransient(base, "connection", "open", "dial device")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
	assert.True(t, stderrors.Is(err, base))
	assert.Contains(t, err.Error(), "connection.open: dial device failed")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"all requests failed", ErrAllRequestsFailed, ErrorTransient},
		{"device unreachable", ErrDeviceUnreachable, ErrorTransient},
		{"context deadline", context.DeadlineExceeded, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"unknown defaults to transient", stderrors.New("something odd"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapInvalid(ErrInvalidConfig, "config", "Validate", "check interval")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "config", ce.Component)
	assert.True(t, stderrors.Is(err, ErrInvalidConfig))
}

func TestWrappedSentinelKeepsClass(t *testing.T) {
	// fmt-wrapped sentinels still classify by errors.Is
	err := fmt.Errorf("poll round: %w", ErrAllRequestsFailed)
	assert.True(t, IsTransient(err))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
