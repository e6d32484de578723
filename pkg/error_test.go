package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrStall,
		ErrNAK,
		ErrTimeout,
		ErrCancelled,
		ErrShortData,
		ErrProtocol,
		ErrNoDevice,
		ErrNotConfigured,
		ErrInvalidEndpoint,
		ErrInvalidState,
		ErrBufferTooSmall,
		ErrNotSupported,
		ErrBusy,
		ErrDescriptorTooShort,
		ErrDescriptorTypeMismatch,
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrInvalidParameter,
		ErrNoResources,
	}

	for i, err1 := range errs {
		if !assert.NotNil(t, err1, "error %d", i) {
			continue
		}
		for j, err2 := range errs {
			if i != j {
				assert.False(t, errors.Is(err1, err2), "error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrStall, "endpoint stalled"},
		{ErrNAK, "NAK received"},
		{ErrTimeout, "transfer timeout"},
		{ErrNoDevice, "device not present"},
		{ErrShortData, "short data"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("bulk ep 0x81: %w", ErrStall)
	assert.ErrorIs(t, err, ErrStall)
	assert.NotErrorIs(t, err, ErrTimeout)
}
