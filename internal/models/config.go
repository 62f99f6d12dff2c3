package models

import (
	"fmt"
	"regexp"
)

// Provider identifies the repository host a scan targets.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// Scanner identifiers accepted in scan configurations. The worker keeps an
// executable registration per name; the control plane only validates against
// this set.
const (
	ScannerSemgrep             = "semgrep"
	ScannerTrufflehog          = "trufflehog"
	ScannerDependencyConfusion = "dependency-confusion"
)

var knownScanners = map[string]struct{}{
	ScannerSemgrep:             {},
	ScannerTrufflehog:          {},
	ScannerDependencyConfusion: {},
}

// KnownScanner reports whether name is a registered scanner identifier.
func KnownScanner(name string) bool {
	_, ok := knownScanners[name]
	return ok
}

// Filters narrows the discovered project set. Every field is optional;
// absence means unfiltered on that dimension. All set predicates must hold
// for a project to qualify (logical AND).
type Filters struct {
	IsArchived        *bool    `json:"is_archived,omitempty"`
	IsFork            *bool    `json:"is_fork,omitempty"`
	IsPersonalProject *bool    `json:"is_personal_project,omitempty"`
	MaxRepoMBSize     *int     `json:"max_repo_mb_size,omitempty"`
	LastCommitMaxAge  *int     `json:"last_commit_max_age,omitempty"`
	IgnorePathRegexes []string `json:"ignore_path_regexes,omitempty"`
	MustPathRegexes   []string `json:"must_path_regexes,omitempty"`
}

// ScanConfig is the client-supplied configuration of one scan. It is
// validated once at scan creation and snapshotted immutably on the Scan.
type ScanConfig struct {
	Provider      Provider `json:"provider"`
	Organizations []string `json:"organizations,omitempty"`
	Repositories  []string `json:"repositories,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Filters       Filters  `json:"filters,omitempty"`
	Scanners      []string `json:"scanners"`
}

// ValidationError describes a rejected scan configuration. No scan state
// exists when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration before any state is created.
func (c *ScanConfig) Validate() error {
	switch c.Provider {
	case ProviderGitHub:
		if len(c.Groups) > 0 {
			return &ValidationError{Field: "groups", Reason: "github targets do not support groups"}
		}
		if len(c.Organizations) == 0 && len(c.Repositories) == 0 {
			return &ValidationError{Field: "target", Reason: "at least one organization or repository is required"}
		}
	case ProviderGitLab:
		if len(c.Organizations) > 0 {
			return &ValidationError{Field: "organizations", Reason: "gitlab targets do not support organizations"}
		}
		if len(c.Groups) == 0 && len(c.Repositories) == 0 {
			return &ValidationError{Field: "target", Reason: "at least one group or repository is required"}
		}
	default:
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", c.Provider)}
	}

	if len(c.Scanners) == 0 {
		return &ValidationError{Field: "scanners", Reason: "at least one scanner is required"}
	}
	for _, name := range c.Scanners {
		if !KnownScanner(name) {
			return &ValidationError{Field: "scanners", Reason: fmt.Sprintf("unknown scanner %q", name)}
		}
	}

	if err := c.Filters.validate(); err != nil {
		return err
	}
	return nil
}

func (f *Filters) validate() error {
	if f.MaxRepoMBSize != nil && *f.MaxRepoMBSize < 0 {
		return &ValidationError{Field: "filters.max_repo_mb_size", Reason: "must be non-negative"}
	}
	if f.LastCommitMaxAge != nil && *f.LastCommitMaxAge < 0 {
		return &ValidationError{Field: "filters.last_commit_max_age", Reason: "must be non-negative"}
	}
	for _, p := range f.IgnorePathRegexes {
		if _, err := regexp.Compile(p); err != nil {
			return &ValidationError{Field: "filters.ignore_path_regexes", Reason: fmt.Sprintf("invalid pattern %q: %v", p, err)}
		}
	}
	for _, p := range f.MustPathRegexes {
		if _, err := regexp.Compile(p); err != nil {
			return &ValidationError{Field: "filters.must_path_regexes", Reason: fmt.Sprintf("invalid pattern %q: %v", p, err)}
		}
	}
	return nil
}
