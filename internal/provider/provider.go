// Package provider adapts the repository hosts (GitHub, GitLab) to one
// paginated project-listing interface. Adapters only enumerate and snapshot;
// filtering happens in the discovery engine so both variants behave
// identically.
package provider

import (
	"context"
	"errors"
	"fmt"

	"scanfleet/internal/config"
	"scanfleet/internal/models"
)

// Target is the scope a scan enumerates: explicit repositories and/or
// organizations (GitHub) or groups (GitLab).
type Target struct {
	Organizations []string
	Repositories  []string
	Groups        []string

	// NeedSizes asks the adapter to resolve repository sizes even when the
	// host's listing payload omits them. GitLab group listings carry no
	// statistics, so honoring this costs one detail request per project.
	NeedSizes bool
}

// Error wraps a provider API failure. Discovery retries these with bounded
// backoff before declaring the scan's discovery failed.
type Error struct {
	Provider models.Provider
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Provider lists the projects of a target one page at a time. emit is called
// once per page; returning an error from emit aborts the listing. The
// sequence is finite and ends when the host's pagination is exhausted.
type Provider interface {
	Name() models.Provider
	ListProjects(ctx context.Context, target Target, emit func([]models.Project) error) error
}

// New returns the adapter for the requested provider, checking that its
// credential is configured.
func New(cfg config.Config, p models.Provider) (Provider, error) {
	switch p {
	case models.ProviderGitHub:
		if cfg.GitHubToken == "" {
			return nil, errors.New("GITHUB_API_TOKEN must be set for github targets")
		}
		return NewGitHub(cfg.GitHubToken), nil
	case models.ProviderGitLab:
		if cfg.GitLabToken == "" {
			return nil, errors.New("GITLAB_API_TOKEN must be set for gitlab targets")
		}
		return NewGitLab(cfg.GitLabBaseURL, cfg.GitLabToken)
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}
