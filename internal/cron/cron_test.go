package cron

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

func noop(context.Context) (string, error) { return "", nil }

func TestService_AddAndListJobs(t *testing.T) {
	s := NewService(nil)

	job, err := s.AddJob("sweep", "0 */10 * * * *", noop)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "sweep", job.Name)
	assert.True(t, job.Enabled)

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Nil(t, jobs[0].fn)
}

func TestService_AddJobRejectsBadInput(t *testing.T) {
	s := NewService(nil)

	_, err := s.AddJob("bad", "invalid", noop)
	assert.Error(t, err)

	// five fields without seconds is not accepted
	_, err = s.AddJob("short", "*/10 * * * *", noop)
	assert.Error(t, err)

	_, err = s.AddJob("nil", "@every 1m", nil)
	assert.Error(t, err)

	assert.Empty(t, s.ListJobs())
}

func TestService_RemoveJob(t *testing.T) {
	s := NewService(nil)
	job, err := s.AddJob("rm", "@every 1m", noop)
	require.NoError(t, err)

	assert.True(t, s.RemoveJob(job.ID))
	assert.Empty(t, s.ListJobs())
	assert.False(t, s.RemoveJob("nonexistent"))
}

func TestService_EnableJob(t *testing.T) {
	s := NewService(nil)
	job, _ := s.AddJob("toggle", "@every 1m", noop)

	updated, err := s.EnableJob(job.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	updated, err = s.EnableJob(job.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.Enabled)

	_, err = s.EnableJob("nonexistent", true)
	assert.Error(t, err)
}

func TestService_RunNowRecordsState(t *testing.T) {
	s := NewService(nil)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fail := true
	job, _ := s.AddJob("flaky", "@every 1h", func(context.Context) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "pruned 3", nil
	})

	require.NoError(t, s.RunNow(job.ID))
	got := s.ListJobs()[0].State
	assert.Equal(t, "error", got.LastStatus)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, 1, got.Runs)
	assert.Equal(t, now, got.LastRunAt)

	fail = false
	require.NoError(t, s.RunNow(job.ID))
	got = s.ListJobs()[0].State
	assert.Equal(t, "ok", got.LastStatus)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 2, got.Runs)

	assert.Error(t, s.RunNow("nonexistent"))
}

func TestService_StartStop(t *testing.T) {
	s := NewService(nil)
	job, _ := s.AddJob("a", "0 0 * * * *", noop)
	_, _ = s.AddJob("b", "0 0 * * * *", noop)
	_, _ = s.EnableJob(job.ID, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.Error(t, s.Start(ctx), "second start")

	s.mu.Lock()
	assert.Len(t, s.entryMap, 1, "disabled jobs are not scheduled")
	s.mu.Unlock()

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()
}

func TestService_ParentCancelStops(t *testing.T) {
	s := NewService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestService_ScheduledRun(t *testing.T) {
	s := NewService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	var runs atomic.Int32
	var sawCtx atomic.Bool
	_, err := s.AddJob("tick", "@every 1s", func(jobCtx context.Context) (string, error) {
		runs.Add(1)
		sawCtx.Store(jobCtx.Err() == nil)
		return "tick", nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, sawCtx.Load())
}

func TestService_EnableTogglesEntries(t *testing.T) {
	s := NewService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	job, _ := s.AddJob("toggle", "0 0 * * * *", noop)
	entries := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entryMap)
	}
	assert.Equal(t, 1, entries())

	_, _ = s.EnableJob(job.ID, false)
	assert.Equal(t, 0, entries())
	_, _ = s.EnableJob(job.ID, true)
	assert.Equal(t, 1, entries())

	s.RemoveJob(job.ID)
	assert.Equal(t, 0, entries())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héll...", truncate("héllo world", 4))
}
