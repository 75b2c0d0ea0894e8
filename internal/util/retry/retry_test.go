package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LionTao/misty/internal/errors"
)

func TestDoRetriesTransient(t *testing.T) {
	p := NewPolicy(5, time.Millisecond, 4*time.Millisecond, 0, 0)
	var retried []int
	p.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.Unavailable("connection refused", nil)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := NewPolicy(5, time.Millisecond, time.Millisecond, 0, 0)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.InvalidArgument("bad", nil)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := NewPolicy(3, 0, 0, 1000, 10)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.Unavailable("down", stderrors.New("eof"))
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.IsTransient(err))
}

func TestDoHonorsDeadline(t *testing.T) {
	p := NewPolicy(100, 50*time.Millisecond, time.Second, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Do(ctx, func(ctx context.Context) error {
		return errors.Unavailable("down", nil)
	})

	assert.Equal(t, errors.ErrCodeDeadlineExceeded, errors.GetCode(err))
}
