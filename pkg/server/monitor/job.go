package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
)

// JobMonitor tracks the health of one scheduled job.
type JobMonitor struct {
	name string

	// staleAfter is how long the job may go without a success
	staleAfter time.Duration
	now        func() time.Time

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	lastError         string
}

// NewJobMonitor creates a monitor for a job running every interval. The job
// turns unhealthy once it has missed JobHealthWindow intervals.
func NewJobMonitor(name string, interval time.Duration) *JobMonitor {
	return &JobMonitor{
		name:       name,
		staleAfter: time.Duration(config.JobHealthWindow) * interval,
		now:        time.Now,
	}
}

// Name returns the job name.
func (jm *JobMonitor) Name() string { return jm.name }

// RecordSuccess records a successful run.
func (jm *JobMonitor) RecordSuccess(took time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.lastSuccess = jm.now()
	jm.lastAttempt = jm.lastSuccess
	jm.lastDuration = took
	jm.consecutiveErrors = 0
	jm.lastError = ""
}

// RecordFailure records a failed or abandoned run.
func (jm *JobMonitor) RecordFailure(err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.lastAttempt = jm.now()
	jm.consecutiveErrors++
	if err != nil {
		jm.lastError = err.Error()
	}
}

// ConsecutiveErrors returns the number of failures since the last success.
func (jm *JobMonitor) ConsecutiveErrors() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.consecutiveErrors
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within the health window
//   - More than JobMaxRetries consecutive failures
func (jm *JobMonitor) IsHealthy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.healthy()
}

func (jm *JobMonitor) healthy() bool {
	if jm.lastSuccess.IsZero() {
		return false
	}
	if jm.staleAfter > 0 && jm.now().Sub(jm.lastSuccess) > jm.staleAfter {
		return false
	}
	return jm.consecutiveErrors <= config.JobMaxRetries
}

// JobStatus is the health check view of one job.
type JobStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current job status for health checks.
func (jm *JobMonitor) Status() JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	status := JobStatus{
		Name:    jm.name,
		Healthy: jm.healthy(),
	}

	if !jm.lastSuccess.IsZero() {
		status.LastSuccess = jm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = jm.now().Sub(jm.lastSuccess).Round(time.Second).String()
		status.LastDuration = jm.lastDuration.Round(time.Millisecond).String()
	}

	if !jm.lastAttempt.IsZero() {
		status.LastAttempt = jm.lastAttempt.Format(time.RFC3339)
	}

	if jm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = jm.consecutiveErrors
		status.LastError = jm.lastError
	}

	return status
}

// Jobs is the set of monitored jobs.
type Jobs struct {
	mu   sync.RWMutex
	jobs map[string]*JobMonitor
}

// NewJobs creates an empty job set.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*JobMonitor)}
}

// Add registers a monitor for a job running every interval.
func (j *Jobs) Add(name string, interval time.Duration) *JobMonitor {
	j.mu.Lock()
	defer j.mu.Unlock()
	jm := NewJobMonitor(name, interval)
	j.jobs[name] = jm
	return jm
}

// Healthy reports whether every job is healthy.
func (j *Jobs) Healthy() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, jm := range j.jobs {
		if !jm.IsHealthy() {
			return false
		}
	}
	return true
}

// Status returns the status of every job, ordered by name.
func (j *Jobs) Status() []JobStatus {
	j.mu.RLock()
	out := make([]JobStatus, 0, len(j.jobs))
	for _, jm := range j.jobs {
		out = append(out, jm.Status())
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
