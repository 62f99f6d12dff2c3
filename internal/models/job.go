package models

import "time"

// Job lifecycle states. States advance monotonically except for the
// lease-expiry rollback leased|running -> queued.
const (
	JobQueued    = "queued"
	JobLeased    = "leased"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is the unit of scheduled work: one repository scanned within one scan.
// Jobs are created by discovery as projects are found and mutated only by
// the worker holding the current lease.
type Job struct {
	ID                string   `json:"id"`
	ScanID            string   `json:"scan_id"`
	Project           string   `json:"project"`
	Provider          Provider `json:"provider"`
	CloneURL          string   `json:"clone_url"`
	DefaultBranch     string   `json:"default_branch"`
	Scanners          []string `json:"scanners"`
	IgnorePathRegexes []string `json:"ignore_path_regexes,omitempty"`
	MustPathRegexes   []string `json:"must_path_regexes,omitempty"`

	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	WorkerID    string    `json:"worker_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// JobCounts aggregates jobs of one scan by state.
type JobCounts struct {
	Queued    int `json:"queued"`
	Leased    int `json:"leased"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// NonTerminal returns how many jobs have not reached a terminal state.
func (c JobCounts) NonTerminal() int {
	return c.Queued + c.Leased + c.Running
}

// Total returns the number of jobs across all states.
func (c JobCounts) Total() int {
	return c.NonTerminal() + c.Succeeded + c.Failed
}
