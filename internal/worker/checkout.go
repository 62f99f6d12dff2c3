package worker

import (
	"context"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"scanfleet/internal/config"
	"scanfleet/internal/models"
)

// CheckoutFunc materializes a job's repository on disk and returns its path
// plus a cleanup function. fullHistory requests the complete commit graph
// instead of a shallow tip.
type CheckoutFunc func(ctx context.Context, job models.Job, fullHistory bool) (string, func(), error)

// GitCheckout builds the go-git based CheckoutFunc used in production.
func GitCheckout(cfg config.Config) CheckoutFunc {
	return func(ctx context.Context, job models.Job, fullHistory bool) (string, func(), error) {
		dir, err := os.MkdirTemp(cfg.CheckoutDir, "checkout-")
		if err != nil {
			return "", nil, fmt.Errorf("create checkout dir: %w", err)
		}
		cleanup := func() { _ = os.RemoveAll(dir) }

		opts := &git.CloneOptions{
			URL:          job.CloneURL,
			Auth:         cloneAuth(cfg, job.Provider),
			SingleBranch: true,
		}
		if job.DefaultBranch != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(job.DefaultBranch)
		}
		if !fullHistory {
			opts.Depth = 1
		}

		cloneCtx := ctx
		if cfg.CheckoutTimeout > 0 {
			var cancel context.CancelFunc
			cloneCtx, cancel = context.WithTimeout(ctx, cfg.CheckoutTimeout)
			defer cancel()
		}
		if _, err := git.PlainCloneContext(cloneCtx, dir, false, opts); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("clone %s: %w", job.Project, err)
		}
		return dir, cleanup, nil
	}
}

// cloneAuth picks HTTP basic credentials for the provider. Both hosts accept
// a token as the password with a fixed username.
func cloneAuth(cfg config.Config, provider models.Provider) *http.BasicAuth {
	switch provider {
	case models.ProviderGitHub:
		if cfg.GitHubToken == "" {
			return nil
		}
		return &http.BasicAuth{Username: "x-access-token", Password: cfg.GitHubToken}
	case models.ProviderGitLab:
		if cfg.GitLabToken == "" {
			return nil
		}
		return &http.BasicAuth{Username: "oauth2", Password: cfg.GitLabToken}
	}
	return nil
}
