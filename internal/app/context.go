package app

import (
	"context"
	"errors"
	"fmt"

	"forgeline/internal/domain"
	"forgeline/internal/repo"
)

// ResolveProject picks the project a command operates on. An explicit ref
// wins and may be a project id or an exact name; without one the workspace
// must contain exactly one project.
func ResolveProject(ctx context.Context, r repo.Repo, ref string) (domain.Project, error) {
	if ref == "" {
		p, err := r.SingleProject(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, errors.New("no projects in workspace; run 'fl project create' first")
		}
		return p, err
	}
	p, err := r.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	for _, candidate := range projects {
		if candidate.Name == ref {
			return candidate, nil
		}
	}
	return domain.Project{}, fmt.Errorf("project %q: %w", ref, repo.ErrNotFound)
}
