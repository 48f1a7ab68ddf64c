package jobs

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

func TestSchedulerRunsJobs(t *testing.T) {
	s, err := NewScheduler(time.UTC, nil)
	require.NoError(t, err)

	var runs atomic.Int32
	done := make(chan struct{})
	require.NoError(t, s.Add(Job{
		Name:     "sweep",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			if runs.Add(1) == 2 {
				close(done)
			}
			return 1, nil
		},
	}))
	s.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run twice")
	}
	require.NoError(t, s.Shutdown())
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestSchedulerKeepsRunningAfterFailure(t *testing.T) {
	s, err := NewScheduler(nil, nil)
	require.NoError(t, err)

	var runs atomic.Int32
	done := make(chan struct{})
	require.NoError(t, s.Add(Job{
		Name:     "relay",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			if runs.Add(1) == 2 {
				close(done)
			}
			return 0, errors.New("broker down")
		},
	}))
	s.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job stopped after a failure")
	}
	require.NoError(t, s.Shutdown())
}

func TestSchedulerRejectsZeroInterval(t *testing.T) {
	s, err := NewScheduler(nil, nil)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	assert.Error(t, s.Add(Job{Name: "bad", Run: func(context.Context) (int, error) { return 0, nil }}))
}
