package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStartInvalidBounds(t *testing.T) {
	a := New("test")
	err := a.Start(context.Background(), func(context.Context) error { return nil },
		2000*time.Millisecond, 1000*time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidBounds)
	assert.Equal(t, StateIdle, a.State())
}

func TestStartNegativeLower(t *testing.T) {
	a := New("test")
	err := a.Start(context.Background(), func(context.Context) error { return nil },
		-time.Second, time.Second)
	require.ErrorIs(t, err, ErrInvalidBounds)
}

func TestExactBoundsFireAtInterval(t *testing.T) {
	a := New("test")
	fired := make(chan time.Time, 1)
	start := time.Now()

	err := a.Start(context.Background(), func(context.Context) error {
		select {
		case fired <- time.Now():
		default:
		}
		return nil
	}, 1000*time.Millisecond, 1000*time.Millisecond)
	require.NoError(t, err)
	defer func() {
		a.Stop()
		a.Wait()
	}()

	select {
	case at := <-fired:
		elapsed := at.Sub(start)
		assert.GreaterOrEqual(t, elapsed, 1000*time.Millisecond)
		assert.Less(t, elapsed, 1600*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	a := New("test")
	require.NoError(t, a.Start(context.Background(),
		func(context.Context) error { return nil },
		time.Hour, time.Hour))
	defer func() {
		a.Stop()
		a.Wait()
	}()

	err := a.Start(context.Background(),
		func(context.Context) error { return nil },
		time.Hour, time.Hour)
	require.ErrorIs(t, err, ErrAlreadyActive)
}

func TestStopRecordsSnapshotAndIsIdempotent(t *testing.T) {
	a := New("test")
	require.NoError(t, a.Start(context.Background(),
		func(context.Context) error { return nil },
		time.Second, time.Second))

	time.Sleep(400 * time.Millisecond)
	a.Stop()
	a.Stop() // second call is a no-op
	a.Wait()

	assert.Equal(t, StateStopped, a.State())
	snap, ok := a.LastSnapshot()
	require.True(t, ok)
	assert.Equal(t, time.Second, snap.Interval)

	// ~600ms of the interval should remain
	remainder := snap.Remainder(time.Now())
	assert.Greater(t, remainder, 300*time.Millisecond)
	assert.Less(t, remainder, 700*time.Millisecond)
}

func TestResumeWithRemainder(t *testing.T) {
	a := New("test")
	fired := make(chan time.Time, 1)
	start := time.Now()

	err := a.Start(context.Background(), func(context.Context) error {
		select {
		case fired <- time.Now():
		default:
		}
		return nil
	}, time.Hour, time.Hour, WithResume(300*time.Millisecond))
	require.NoError(t, err)
	defer func() {
		a.Stop()
		a.Wait()
	}()

	select {
	case at := <-fired:
		elapsed := at.Sub(start)
		assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
		assert.Less(t, elapsed, 900*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("resumed timer never fired")
	}
}

func TestResumeZeroFiresImmediately(t *testing.T) {
	a := New("test")
	fired := make(chan struct{}, 1)

	err := a.Start(context.Background(), func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, time.Hour, time.Hour, WithResume(0))
	require.NoError(t, err)
	defer func() {
		a.Stop()
		a.Wait()
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected immediate firing on zero remainder")
	}
}

func TestCallbackErrorStopsTimer(t *testing.T) {
	a := New("test")
	var calls atomic.Int32

	err := a.Start(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}, 10*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	a.Wait()
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, int32(1), calls.Load())
}

func TestFiringsDoNotOverlap(t *testing.T) {
	a := New("test")
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var calls atomic.Int32

	err := a.Start(context.Background(), func(context.Context) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
		return nil
	}, 5*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	a.Stop()
	a.Wait()

	assert.False(t, overlapped.Load(), "callbacks must not run concurrently")
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRandomDrawStaysWithinBounds(t *testing.T) {
	a := New("test")
	a.lower = 100 * time.Millisecond
	a.upper = 200 * time.Millisecond
	for i := 0; i < 500; i++ {
		d := a.draw()
		require.GreaterOrEqual(t, d, a.lower)
		require.LessOrEqual(t, d, a.upper)
	}
}

func TestContextCancelStopsTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New("test")
	require.NoError(t, a.Start(ctx,
		func(context.Context) error { return nil },
		time.Hour, time.Hour))

	cancel()
	a.Wait()
	assert.Equal(t, StateStopped, a.State())
}

func TestContextCancelRecordsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New("test")
	require.NoError(t, a.Start(ctx,
		func(context.Context) error { return nil },
		time.Second, time.Second))

	time.Sleep(400 * time.Millisecond)
	cancel()
	a.Wait()

	// Cancellation is the normal shutdown path; the pending interval
	// must survive it just like an explicit Stop.
	snap, ok := a.LastSnapshot()
	require.True(t, ok)
	assert.Equal(t, time.Second, snap.Interval)
	remainder := snap.Remainder(time.Now())
	assert.Greater(t, remainder, 300*time.Millisecond)
	assert.Less(t, remainder, 700*time.Millisecond)
}

func TestImmediateRestartDoesNotPanic(t *testing.T) {
	a := New("test")
	cb := func(context.Context) error { return nil }

	// Stop followed by an immediate Start leaves the previous loop
	// goroutine briefly alive; it must only ever close its own done
	// channel, never the restarted action's.
	for i := 0; i < 25; i++ {
		require.NoError(t, a.Start(context.Background(), cb, time.Hour, time.Hour))
		a.Stop()
	}
	a.Wait()
}

func TestRestartAfterStop(t *testing.T) {
	a := New("test")
	require.NoError(t, a.Start(context.Background(),
		func(context.Context) error { return nil },
		time.Hour, time.Hour))
	a.Stop()
	a.Wait()

	fired := make(chan struct{}, 1)
	err := a.Start(context.Background(), func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, time.Hour, time.Hour, WithResume(0))
	require.NoError(t, err)
	defer func() {
		a.Stop()
		a.Wait()
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restarted action never fired")
	}
}

func TestSnapshotPersistence(t *testing.T) {
	dir := t.TempDir()
	snap := Snapshot{Timestamp: time.Now().Truncate(time.Second), Interval: 42 * time.Minute}

	require.NoError(t, SaveSnapshot(dir, "topic-post", snap))

	loaded, ok, err := LoadSnapshot(dir, "topic-post")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Interval, loaded.Interval)
	assert.True(t, snap.Timestamp.Equal(loaded.Timestamp))

	_, ok, err = LoadSnapshot(dir, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ClearSnapshot(dir, "topic-post"))
	_, ok, err = LoadSnapshot(dir, "topic-post")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemainderClampsAtZero(t *testing.T) {
	snap := Snapshot{Timestamp: time.Now().Add(-2 * time.Hour), Interval: time.Hour}
	assert.Equal(t, time.Duration(0), snap.Remainder(time.Now()))
}
