package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DiscoveryStatus tracks the repository discovery phase of a scan.
type DiscoveryStatus string

const (
	DiscoveryRunning  DiscoveryStatus = "running"
	DiscoveryFinished DiscoveryStatus = "finished"
	DiscoveryFailed   DiscoveryStatus = "failed"
)

// Scan is one top-level scan request spanning many repositories. The
// configuration snapshot is immutable after creation; everything else about
// a scan's progress is derived from its jobs.
type Scan struct {
	ID                 string          `json:"scan_id"`
	Config             ScanConfig      `json:"config"`
	CreatedAt          time.Time       `json:"created_at"`
	Discovery          DiscoveryStatus `json:"discovery"`
	DiscoveryError     string          `json:"discovery_error,omitempty"`
	ProjectsDiscovered int             `json:"projects_discovered"`
}

// ScanEvent is one row of a scan's history: discovery started, finished,
// cleanup requested and so on.
type ScanEvent struct {
	ScanID string    `json:"scan_id"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// NewScanID mints a time-ordered scan identifier. The timestamp prefix keeps
// lexical order aligned with creation order; the random suffix disambiguates
// scans created within the same second.
func NewScanID(now time.Time) string {
	var suffix [3]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("SCAN-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix[:]))
}

// ScanStatus derives the externally visible status of a scan: pending while
// discovery runs or any job is non-terminal, completed otherwise.
func ScanStatus(discovery DiscoveryStatus, counts JobCounts) string {
	if discovery == DiscoveryRunning || counts.NonTerminal() > 0 {
		return "pending"
	}
	return "completed"
}
