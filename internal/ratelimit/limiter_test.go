package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/kv"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) At(seconds int) { c.t = base.Add(time.Duration(seconds) * time.Second) }

var base = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T) (*Limiter, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := &clock{t: base}
	return New(kv.NewRedisStore(rdb), 0, nil).WithClock(c.Now), c, mr
}

var errBadPassword = apperr.New(apperr.BadCredentials)

func wrongPassword(calls *int) Attempt {
	return func(context.Context) (bool, error) {
		*calls++
		return true, errBadPassword
	}
}

func rightPassword(calls *int) Attempt {
	return func(context.Context) (bool, error) {
		*calls++
		return false, nil
	}
}

func TestDo_LoginScenario(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	clk.At(0)
	d, err := l.Do(ctx, Login, "dev-1", wrongPassword(&calls))
	assert.ErrorIs(t, err, errBadPassword)
	assert.True(t, d.Allowed)
	assert.False(t, d.Blocked)

	clk.At(5)
	d, err = l.Do(ctx, Login, "dev-1", wrongPassword(&calls))
	assert.ErrorIs(t, err, errBadPassword)
	assert.True(t, d.Blocked)
	assert.Equal(t, DefaultCoolDown, d.TimeLeft)

	clk.At(10)
	d, err = l.Do(ctx, Login, "dev-1", rightPassword(&calls))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.UserBlocked), "got %v", err)
	assert.Equal(t, 2, calls, "guarded action must not run while locked")

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 115*time.Second, ae.TimeLeft)
	assert.Equal(t, ae.TimeLeft, d.TimeLeft)
}

func TestDo_RapidStrikesLock(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	for i := 0; i < 3; i++ {
		clk.At(i)
		_, _ = l.Do(ctx, OTPSend, "dev-2", wrongPassword(&calls))
	}
	clk.At(3)
	_, err := l.Do(ctx, OTPSend, "dev-2", wrongPassword(&calls))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.TryAgainAfter))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Greater(t, ae.TimeLeft, time.Duration(0))
	assert.LessOrEqual(t, ae.TimeLeft, DefaultCoolDown)
}

func TestDo_SlowRetriesNeverLock(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	for i := 0; i < 50; i++ {
		clk.At(i * 120)
		d, err := l.Do(ctx, Login, "dev-3", wrongPassword(&calls))
		require.ErrorIs(t, err, errBadPassword, "attempt %d", i)
		require.False(t, d.Blocked, "attempt %d", i)
	}
	assert.Equal(t, 50, calls)
}

func TestDo_AdaptiveGapShrinks(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	clk.At(0)
	_, _ = l.Do(ctx, Login, "dev-4", wrongPassword(&calls))
	clk.At(120)
	_, _ = l.Do(ctx, Login, "dev-4", wrongPassword(&calls))
	// waited the full window, so the next gap is zero
	clk.At(130)
	d, _ := l.Do(ctx, Login, "dev-4", wrongPassword(&calls))
	assert.False(t, d.Blocked)

	lg, err := l.State(ctx, Login, "dev-4")
	require.NoError(t, err)
	assert.Equal(t, int64(110), lg.SafeAfter)

	clk.At(200)
	d, _ = l.Do(ctx, Login, "dev-4", wrongPassword(&calls))
	assert.True(t, d.Blocked)
}

func TestDo_SuccessDoesNotTouchLedger(t *testing.T) {
	l, _, mr := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	d, err := l.Do(ctx, Login, "dev-5", rightPassword(&calls))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, mr.Exists(hashKey(Login)))
}

func TestDo_InfraErrorIsNotAStrike(t *testing.T) {
	l, _, mr := newTestLimiter(t)
	ctx := context.Background()
	boom := errors.New("db down")

	_, err := l.Do(ctx, Login, "dev-6", func(context.Context) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(hashKey(Login)))
}

func TestDo_LockExpires(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	clk.At(0)
	_, _ = l.Do(ctx, Login, "dev-7", wrongPassword(&calls))
	clk.At(5)
	_, _ = l.Do(ctx, Login, "dev-7", wrongPassword(&calls))

	clk.At(125)
	d, err := l.Do(ctx, Login, "dev-7", rightPassword(&calls))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	lg, err := l.State(ctx, Login, "dev-7")
	require.NoError(t, err)
	assert.False(t, lg.Blocked)
	assert.Zero(t, lg.SafeAfter)
}

func TestDo_PurposesAreIndependent(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	clk.At(0)
	_, _ = l.Do(ctx, EmailSend, "dev-8", wrongPassword(&calls))
	clk.At(1)
	d, _ := l.Do(ctx, EmailSend, "dev-8", wrongPassword(&calls))
	require.True(t, d.Blocked)

	_, err := l.Do(ctx, Login, "dev-8", rightPassword(&calls))
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	l, clk, _ := newTestLimiter(t)
	ctx := context.Background()
	var calls int

	clk.At(0)
	_, _ = l.Do(ctx, Login, "old", wrongPassword(&calls))
	clk.At(3600)
	_, _ = l.Do(ctx, Login, "locked", wrongPassword(&calls))
	clk.At(3601)
	_, _ = l.Do(ctx, Login, "locked", wrongPassword(&calls))

	clk.At(3650)
	n, err := l.Sweep(ctx, Login, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lg, err := l.State(ctx, Login, "old")
	require.NoError(t, err)
	assert.True(t, lg.Last.IsZero())

	lg, err = l.State(ctx, Login, "locked")
	require.NoError(t, err)
	assert.True(t, lg.Blocked)
}

// racingStore runs beforeDelete once, between the sweep's read and its
// delete.
type racingStore struct {
	*kv.RedisStore
	beforeDelete func()
}

func (s *racingStore) HashDeleteIf(ctx context.Context, hash, field, expected string) (bool, error) {
	if f := s.beforeDelete; f != nil {
		s.beforeDelete = nil
		f()
	}
	return s.RedisStore.HashDeleteIf(ctx, hash, field, expected)
}

func TestSweep_KeepsLedgerLockedMeanwhile(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := &racingStore{RedisStore: kv.NewRedisStore(rdb)}
	clk := &clock{t: base}
	l := New(store, 0, nil).WithClock(clk.Now)
	ctx := context.Background()
	var calls int

	clk.At(0)
	_, _ = l.Do(ctx, Login, "dev-1", wrongPassword(&calls))

	clk.At(3650)
	store.beforeDelete = func() {
		for _, sec := range []int{3650, 3651, 3652} {
			clk.At(sec)
			_, _ = l.Do(ctx, Login, "dev-1", wrongPassword(&calls))
		}
		lg, err := l.State(ctx, Login, "dev-1")
		require.NoError(t, err)
		require.True(t, lg.Blocked)
	}

	n, err := l.Sweep(ctx, Login, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	lg, err := l.State(ctx, Login, "dev-1")
	require.NoError(t, err)
	assert.True(t, lg.Blocked)

	clk.At(3660)
	_, err = l.Do(ctx, Login, "dev-1", rightPassword(&calls))
	assert.True(t, apperr.IsKind(err, apperr.UserBlocked), "got %v", err)
}

func TestSweep_DropsUnreadableLedger(t *testing.T) {
	l, _, mr := newTestLimiter(t)

	mr.HSet(hashKey(Login), "garbled", "{not json")
	n, err := l.Sweep(context.Background(), Login, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(hashKey(Login)))
}

func TestDo_StoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	l := New(kv.NewRedisStore(rdb), 0, nil)
	mr.Close()

	var calls int
	_, err = l.Do(context.Background(), Login, "dev", rightPassword(&calls))
	assert.ErrorIs(t, err, kv.ErrUnavailable)
	assert.Zero(t, calls)
}
