package discovery

import (
	"time"

	"scanfleet/internal/models"
)

// Match reports whether a project satisfies every set filter predicate.
// Predicates compose with logical AND, so adding a filter can only shrink or
// preserve the qualifying set. Path-regex filters are deliberately not
// evaluated here: they travel on the job and are applied by file-path based
// scanners at scan time.
func Match(f models.Filters, p models.Project, now time.Time) bool {
	if f.IsArchived != nil && p.Archived != *f.IsArchived {
		return false
	}
	if f.IsFork != nil && p.Fork != *f.IsFork {
		return false
	}
	if f.IsPersonalProject != nil && p.Personal != *f.IsPersonalProject {
		return false
	}
	if f.MaxRepoMBSize != nil && p.SizeMB > float64(*f.MaxRepoMBSize) {
		return false
	}
	if f.LastCommitMaxAge != nil && !p.LastActivity.IsZero() {
		maxAge := time.Duration(*f.LastCommitMaxAge) * 24 * time.Hour
		if now.Sub(p.LastActivity) > maxAge {
			return false
		}
	}
	return true
}
