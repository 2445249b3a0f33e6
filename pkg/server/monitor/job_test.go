package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestJobMonitor_RecordSuccess(t *testing.T) {
	jm := NewJobMonitor("refresh/1h", time.Minute)
	jm.RecordSuccess(20 * time.Millisecond)

	status := jm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastDuration != "20ms" {
		t.Errorf("LastDuration = %q, want 20ms", status.LastDuration)
	}
}

func TestJobMonitor_RecordFailure(t *testing.T) {
	jm := NewJobMonitor("lifecycle", time.Hour)
	jm.RecordFailure(errors.New("disk full"))

	status := jm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
	if status.Healthy {
		t.Error("a job that never succeeded is not healthy")
	}
}

func TestJobMonitor_IsHealthy(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*JobMonitor)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*JobMonitor) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess(time.Second)
			},
			expected: true,
		},
		{
			name: "missed the health window",
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess(time.Second)
				jm.now = func() time.Time { return now.Add(4 * time.Minute) }
			},
			expected: false,
		},
		{
			name: "retries exhausted",
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess(time.Second)
				for i := 0; i < 4; i++ {
					jm.RecordFailure(errors.New("timeout"))
				}
			},
			expected: false,
		},
		{
			name: "a few failures",
			setup: func(jm *JobMonitor) {
				jm.RecordSuccess(time.Second)
				jm.RecordFailure(errors.New("timeout"))
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobMonitor("refresh/1m", time.Minute)
			jm.now = func() time.Time { return now }
			tt.setup(jm)
			if got := jm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestJobs_Status(t *testing.T) {
	jobs := NewJobs()
	jobs.Add("refresh/1h", time.Minute).RecordSuccess(time.Millisecond)
	jobs.Add("lifecycle", time.Hour)

	status := jobs.Status()
	if len(status) != 2 {
		t.Fatalf("len(Status()) = %d, want 2", len(status))
	}
	if status[0].Name != "lifecycle" || status[1].Name != "refresh/1h" {
		t.Errorf("Status() not ordered by name: %s, %s", status[0].Name, status[1].Name)
	}
	if jobs.Healthy() {
		t.Error("Healthy() should be false while one job never ran")
	}
}
