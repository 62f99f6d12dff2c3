package models

import "time"

// Project is an immutable snapshot of a discovered repository, captured at
// discovery time. Snapshots are cached keyed by the discovery query and may
// outlive the scan that produced them (bounded by the cache TTL).
type Project struct {
	Provider      Provider  `json:"provider"`
	Path          string    `json:"path"`
	CloneURL      string    `json:"clone_url"`
	SSHURL        string    `json:"ssh_url,omitempty"`
	WebURL        string    `json:"web_url,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	SizeMB        float64   `json:"size_mb"`
	Archived      bool      `json:"archived"`
	Fork          bool      `json:"fork"`
	Personal      bool      `json:"personal"`
	LastActivity  time.Time `json:"last_activity"`
}
