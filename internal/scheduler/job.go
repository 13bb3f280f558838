package scheduler

import (
	"context"
	"time"
)

// Job represents a scheduled job
// ⭐ SSOT: 스케줄 작업 인터페이스는 여기서만 정의
type Job interface {
	// Name returns the job name
	Name() string

	// Run executes the job
	Run(ctx context.Context) error

	// Schedule returns the cron schedule expression (with seconds)
	// Examples: "0 30 0 * * *" (every day at 00:30)
	//           "@every 30s", "@hourly"
	Schedule() string
}

// Retrier is implemented by jobs that override the scheduler's retry count.
// Frequent sweeps return 0: the next tick is the retry.
type Retrier interface {
	MaxRetries() int
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// historyLimit caps results kept per job
const historyLimit = 100

// JobHistory is the bounded run log of one job
type JobHistory struct {
	Results []JobResult
}

// AddResult appends a run, dropping the oldest past historyLimit
func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)
	if over := len(h.Results) - historyLimit; over > 0 {
		h.Results = h.Results[over:]
	}
}

// GetLatestResults returns up to n most recent runs, oldest first
func (h *JobHistory) GetLatestResults(n int) []JobResult {
	n = min(n, len(h.Results))
	return h.Results[len(h.Results)-n:]
}

// Counts returns successful and failed runs in the window
func (h *JobHistory) Counts() (ok, failed int) {
	for _, r := range h.Results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// GetSuccessRate returns ok/total (0 when the job never ran)
func (h *JobHistory) GetSuccessRate() float64 {
	ok, failed := h.Counts()
	if ok+failed == 0 {
		return 0
	}
	return float64(ok) / float64(ok+failed)
}
