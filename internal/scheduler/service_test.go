package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probeflow/internal/domain"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

type enqueued struct {
	t        domain.TaskType
	priority int
}

func (f *fakeEnqueuer) Enqueue(tt domain.TaskType, opts domain.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, enqueued{t: tt, priority: *opts.Priority})
	return "tsk_test", nil
}

func (f *fakeEnqueuer) count(tt domain.TaskType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.t == tt {
			n++
		}
	}
	return n
}

func startService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestService_EnqueuesEnabledTypes(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := NewService(enq, map[domain.TaskType]domain.ScheduleEntry{
		domain.TypeHealth: {IntervalSeconds: 1, Enabled: true, Priority: 1},
		domain.TypeVisual: {IntervalSeconds: 1, Enabled: false, Priority: 5},
	})
	startService(t, s)

	require.Eventually(t, func() bool { return enq.count(domain.TypeHealth) >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, enq.count(domain.TypeVisual))

	enq.mu.Lock()
	assert.Equal(t, 1, enq.calls[0].priority)
	enq.mu.Unlock()
}

func TestService_EntriesSkipInvalidCron(t *testing.T) {
	s := NewService(&fakeEnqueuer{}, map[domain.TaskType]domain.ScheduleEntry{
		domain.TypeSecurity: {Enabled: true, Priority: 2, Cron: "*/5 * * * *"},
		domain.TypeContent:  {Enabled: true, Priority: 4, Cron: "not a cron"},
		domain.TypeHealth:   {IntervalSeconds: 300, Enabled: true, Priority: 1},
	})
	startService(t, s)

	require.Eventually(t, func() bool { return len(s.Entries()) == 2 }, time.Second, 10*time.Millisecond)
	entries := s.Entries()
	assert.Equal(t, domain.TypeHealth, entries[0].Type)
	assert.Equal(t, "@every 5m0s", entries[0].Spec)
	assert.Equal(t, domain.TypeSecurity, entries[1].Type)
	assert.Equal(t, "*/5 * * * *", entries[1].Spec)
	assert.False(t, entries[1].Next.IsZero())
}

func TestService_EnqueueErrorKeepsRunning(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("queue full")}
	s := NewService(enq, map[domain.TaskType]domain.ScheduleEntry{
		domain.TypeHealth: {IntervalSeconds: 1, Enabled: true, Priority: 1},
	})
	startService(t, s)

	time.Sleep(1200 * time.Millisecond)
	enq.mu.Lock()
	enq.err = nil
	enq.mu.Unlock()
	require.Eventually(t, func() bool { return enq.count(domain.TypeHealth) >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("0 * * * *"))
	assert.Error(t, ValidateCronExpression("every hour"))
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2025, 6, 1, 8, 10, 0, 0, time.UTC)
	next, err := NextRunTime("* * * * *", from)
	require.NoError(t, err)
	assert.True(t, next.Equal(from.Add(time.Minute)))

	_, err = NextRunTime("61 * * * *", from)
	assert.Error(t, err)
}
