package api

import "time"

// v0 contains the public result types of a CI run.

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// JobResult is the outcome of one finished job.
type JobResult struct {
	Name     string        `json:"name" yaml:"name"`
	Success  bool          `json:"success" yaml:"success"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	LogDir   string        `json:"log_dir" yaml:"log_dir"`
}

type RunSummary struct {
	ID         string      `json:"id" yaml:"id"`
	StartedAt  time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Status     RunStatus   `json:"status" yaml:"status"`
	Hash       string      `json:"hash,omitempty" yaml:"hash,omitempty"`
	LogDir     string      `json:"log_dir" yaml:"log_dir"`
	Jobs       []JobResult `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// Failed counts the failed jobs.
func (s RunSummary) Failed() int {
	n := 0
	for _, j := range s.Jobs {
		if !j.Success {
			n++
		}
	}
	return n
}
