package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 3, count)
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return errors.New("fatal")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		if count < 2 {
			return NewRecoverableError(errors.New("try again"))
		}
		return nil
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestShouldRetryStatus(t *testing.T) {
	assert.True(t, ShouldRetryStatus(429))
	assert.True(t, ShouldRetryStatus(503))
	assert.True(t, ShouldRetryStatus(504))
	assert.False(t, ShouldRetryStatus(200))
	assert.False(t, ShouldRetryStatus(400))
	assert.False(t, ShouldRetryStatus(500))
}
