package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/pkg/logger"
)

type fakeJob struct {
	name     string
	schedule string
	failures int32 // fail this many times before succeeding
	runs     atomic.Int32
	retries  *int
}

func (j *fakeJob) Name() string     { return j.name }
func (j *fakeJob) Schedule() string { return j.schedule }

func (j *fakeJob) Run(ctx context.Context) error {
	if j.runs.Add(1) <= j.failures {
		return errors.New("boom")
	}
	return nil
}

type retryingJob struct {
	*fakeJob
}

func (j retryingJob) MaxRetries() int { return *j.retries }

func newTestScheduler() *Scheduler {
	return New(logger.NewNop()).WithRetry(2, time.Millisecond)
}

func TestAddJob(t *testing.T) {
	s := newTestScheduler()

	require.NoError(t, s.AddJob(&fakeJob{name: "b", schedule: "@every 1h"}))
	require.NoError(t, s.AddJob(&fakeJob{name: "a", schedule: "0 30 0 * * *"}))

	assert.Error(t, s.AddJob(&fakeJob{name: "a", schedule: "@hourly"}), "duplicate name")
	assert.Error(t, s.AddJob(&fakeJob{name: "c", schedule: "not a schedule"}))

	assert.Equal(t, []string{"a", "b"}, s.GetAllJobs())
}

func TestRunJobSync_RetriesUntilSuccess(t *testing.T) {
	s := newTestScheduler()
	job := &fakeJob{name: "flaky", schedule: "@hourly", failures: 2}
	require.NoError(t, s.AddJob(job))

	res, err := s.RunJobSync(context.Background(), "flaky")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)

	hist, err := s.GetJobHistory("flaky")
	require.NoError(t, err)
	assert.Len(t, hist.Results, 1)
}

func TestRunJobSync_RetrierOverride(t *testing.T) {
	s := newTestScheduler()
	zero := 0
	job := retryingJob{&fakeJob{name: "sweep", schedule: "@every 30s", failures: 5, retries: &zero}}
	require.NoError(t, s.AddJob(job))

	res, err := s.RunJobSync(context.Background(), "sweep")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "boom", res.Error)

	stats := s.GetJobStats()["sweep"]
	assert.Equal(t, 1, stats.FailureCount)
	assert.NotNil(t, stats.LastFailure)
	assert.Nil(t, stats.LastSuccess)
}

func TestRunJobSync_StopsOnCancel(t *testing.T) {
	s := New(logger.NewNop()).WithRetry(3, time.Hour)
	job := &fakeJob{name: "slow", schedule: "@hourly", failures: 10}
	require.NoError(t, s.AddJob(job))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := s.RunJobSync(ctx, "slow")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.AddJob(&fakeJob{name: "x", schedule: "@hourly"}))

	require.NoError(t, s.RemoveJob("x"))
	assert.Error(t, s.RemoveJob("x"))
	assert.Empty(t, s.GetAllJobs())

	_, err := s.RunJobSync(context.Background(), "x")
	assert.Error(t, err)
}

func TestScheduledRun(t *testing.T) {
	s := newTestScheduler()
	job := &fakeJob{name: "tick", schedule: "@every 1s"}
	require.NoError(t, s.AddJob(job))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestJobHistory_Limit(t *testing.T) {
	h := &JobHistory{}
	for i := 0; i < historyLimit+10; i++ {
		h.AddResult(JobResult{Success: i%2 == 0})
	}

	assert.Len(t, h.Results, historyLimit)
	assert.Len(t, h.GetLatestResults(5), 5)
	assert.InDelta(t, 0.5, h.GetSuccessRate(), 0.001)
}
