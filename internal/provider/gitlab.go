package provider

import (
	"context"
	"fmt"

	gitlab "github.com/xanzy/go-gitlab"

	"scanfleet/internal/models"
)

const gitlabPageSize = 100

// GitLab lists projects through the GitLab REST API, including self-hosted
// instances via a custom base URL.
type GitLab struct {
	client *gitlab.Client
}

// NewGitLab builds an adapter for the instance at baseURL.
func NewGitLab(baseURL, token string) (*GitLab, error) {
	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}
	return &GitLab{client: client}, nil
}

func (g *GitLab) Name() models.Provider { return models.ProviderGitLab }

func (g *GitLab) ListProjects(ctx context.Context, target Target, emit func([]models.Project) error) error {
	for _, group := range target.Groups {
		opt := &gitlab.ListGroupProjectsOptions{
			ListOptions:      gitlab.ListOptions{PerPage: gitlabPageSize, Page: 1},
			IncludeSubGroups: gitlab.Ptr(true),
		}
		for {
			projects, resp, err := g.client.Groups.ListGroupProjects(group, opt, gitlab.WithContext(ctx))
			if err != nil {
				return &Error{Provider: g.Name(), Op: "list group " + group, Err: err}
			}
			page := make([]models.Project, 0, len(projects))
			for _, p := range projects {
				// Group listings never include statistics; resolve
				// sizes from the project detail when they matter.
				if target.NeedSizes {
					detail, _, err := g.client.Projects.GetProject(p.ID, &gitlab.GetProjectOptions{
						Statistics: gitlab.Ptr(true),
					}, gitlab.WithContext(ctx))
					if err != nil {
						return &Error{Provider: g.Name(), Op: "get project " + p.PathWithNamespace, Err: err}
					}
					p = detail
				}
				page = append(page, gitlabProject(p))
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

	for _, path := range target.Repositories {
		p, _, err := g.client.Projects.GetProject(path, &gitlab.GetProjectOptions{
			Statistics: gitlab.Ptr(true),
		}, gitlab.WithContext(ctx))
		if err != nil {
			return &Error{Provider: g.Name(), Op: "get project " + path, Err: err}
		}
		if err := emit([]models.Project{gitlabProject(p)}); err != nil {
			return err
		}
	}
	return nil
}

func gitlabProject(p *gitlab.Project) models.Project {
	out := models.Project{
		Provider:      models.ProviderGitLab,
		Path:          p.PathWithNamespace,
		CloneURL:      p.HTTPURLToRepo,
		SSHURL:        p.SSHURLToRepo,
		WebURL:        p.WebURL,
		DefaultBranch: p.DefaultBranch,
		Archived:      p.Archived,
		Fork:          p.ForkedFromProject != nil,
		Personal:      p.Namespace != nil && p.Namespace.Kind == "user",
	}
	if p.Statistics != nil {
		out.SizeMB = float64(p.Statistics.RepositorySize) / (1024 * 1024) // API reports bytes
	}
	if p.LastActivityAt != nil {
		out.LastActivity = *p.LastActivityAt
	}
	return out
}
