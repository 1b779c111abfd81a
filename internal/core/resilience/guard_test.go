package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts, failures int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxFailures: failures,
		OpenTimeout: time.Hour,
	}
}

func TestGuard_EventualSuccess(t *testing.T) {
	g := NewGuard[int]("test", fastPolicy(5, 0))
	calls := 0
	v, err := g.Do(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("temporary")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestGuard_StopsAfterMaxAttempts(t *testing.T) {
	g := NewGuard[int]("test", fastPolicy(3, 0))
	calls := 0
	boom := errors.New("boom")
	_, err := g.Do(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 3, calls)
}

func TestGuard_PermanentIsNotRetried(t *testing.T) {
	g := NewGuard[int]("test", fastPolicy(5, 0))
	calls := 0
	bad := errors.New("bad request")
	_, err := g.Do(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(bad)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, bad))
	assert.True(t, IsPermanent(err))
}

func TestGuard_BreakerOpens(t *testing.T) {
	g := NewGuard[int]("test", fastPolicy(1, 2))
	calls := 0
	op := func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	}

	_, _ = g.Do(context.Background(), op)
	_, _ = g.Do(context.Background(), op)
	assert.Equal(t, "open", g.State())

	_, err := g.Do(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 2, calls, "open breaker short-circuits the call")
}

func TestGuard_PermanentDoesNotTripBreaker(t *testing.T) {
	g := NewGuard[int]("test", fastPolicy(1, 1))
	_, _ = g.Do(context.Background(), func(context.Context) (int, error) {
		return 0, Permanent(errors.New("not found"))
	})
	assert.Equal(t, "closed", g.State())
}

func TestGuard_ContextCanceled(t *testing.T) {
	g := NewGuard[int]("test", fastPolicy(5, 0))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := g.Do(ctx, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestGuard_DisabledBreaker(t *testing.T) {
	g := NewGuard[string]("test", Policy{})
	assert.Equal(t, "disabled", g.State())
	v, err := g.Do(context.Background(), func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
