package jobs

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
	"github.com/iliyamo/paylink/internal/ratelimit"
)

type fakeSweeper struct {
	removed map[string]int
	fail    string
	seen    []string
}

func (f *fakeSweeper) Sweep(_ context.Context, p ratelimit.Purpose, _ time.Duration) (int, error) {
	f.seen = append(f.seen, p.Name)
	if p.Name == f.fail {
		return 0, errors.New("boom")
	}
	return f.removed[p.Name], nil
}

func TestSweepLedgers_VisitsEveryPurpose(t *testing.T) {
	f := &fakeSweeper{removed: map[string]int{"login": 2, "otp_verify": 1}, fail: "otp_send"}

	n := SweepLedgers(context.Background(), f, time.Hour)

	assert.Equal(t, 3, n)
	assert.Len(t, f.seen, len(ratelimit.Purposes))
}

func TestSweepLedgers_DropsStaleLedgers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(kv.NewRedisStore(rdb), 0, nil).WithClock(func() time.Time { return now })
	wrong := func(context.Context) (bool, error) { return true, apperr.New(apperr.BadCredentials) }

	_, _ = limiter.Do(context.Background(), ratelimit.Login, "old-device", wrong)
	now = now.Add(48 * time.Hour)
	_, _ = limiter.Do(context.Background(), ratelimit.Login, "fresh-device", wrong)

	n := SweepLedgers(context.Background(), limiter, 24*time.Hour)
	assert.Equal(t, 1, n)

	left, err := rdb.HKeys(context.Background(), "limiter:login").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-device"}, left)
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := NewScheduler()
	err := s.AddLedgerSweep("not a schedule", &fakeSweeper{}, time.Hour)
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddLedgerSweep("@every 1h", &fakeSweeper{}, time.Hour))
	s.Start()
	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
