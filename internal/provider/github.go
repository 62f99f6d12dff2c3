package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v66/github"

	"scanfleet/internal/models"
)

const githubPageSize = 100

// GitHub lists repositories through the GitHub REST API.
type GitHub struct {
	client *github.Client
}

// NewGitHub builds an adapter authenticated with token.
func NewGitHub(token string) *GitHub {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHub{client: client}
}

func (g *GitHub) Name() models.Provider { return models.ProviderGitHub }

func (g *GitHub) ListProjects(ctx context.Context, target Target, emit func([]models.Project) error) error {
	for _, org := range target.Organizations {
		opt := &github.RepositoryListByOrgOptions{
			ListOptions: github.ListOptions{PerPage: githubPageSize},
		}
		for {
			repos, resp, err := g.client.Repositories.ListByOrg(ctx, org, opt)
			if err != nil {
				return &Error{Provider: g.Name(), Op: "list org " + org, Err: err}
			}
			page := make([]models.Project, 0, len(repos))
			for _, r := range repos {
				page = append(page, githubProject(r))
			}
			if err := emit(page); err != nil {
				return err
			}
			if resp.NextPage == 0 {
				break
			}
			opt.Page = resp.NextPage
		}
	}

	for _, full := range target.Repositories {
		owner, name, ok := strings.Cut(full, "/")
		if !ok {
			return &Error{Provider: g.Name(), Op: "get repository", Err: fmt.Errorf("repository %q must be owner/name", full)}
		}
		r, _, err := g.client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return &Error{Provider: g.Name(), Op: "get repository " + full, Err: err}
		}
		if err := emit([]models.Project{githubProject(r)}); err != nil {
			return err
		}
	}
	return nil
}

func githubProject(r *github.Repository) models.Project {
	return models.Project{
		Provider:      models.ProviderGitHub,
		Path:          r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		SSHURL:        r.GetSSHURL(),
		WebURL:        r.GetHTMLURL(),
		DefaultBranch: r.GetDefaultBranch(),
		SizeMB:        float64(r.GetSize()) / 1024, // API reports KB
		Archived:      r.GetArchived(),
		Fork:          r.GetFork(),
		Personal:      r.GetOwner().GetType() == "User",
		LastActivity:  r.GetPushedAt().Time,
	}
}
