// Package tickets publishes approved stories and sprint tasks as GitHub issues.
package tickets

import (
	"context"
	"fmt"

	"github.com/google/go-github/v72/github"
)

// IssueService creates GitHub issues
type IssueService interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*github.Issue, error)
}

// issueService implements IssueService using the GitHub API
type issueService struct {
	client *github.Client
}

// NewIssueService creates a new IssueService
func NewIssueService(client *github.Client) IssueService {
	return &issueService{
		client: client,
	}
}

func (is *issueService) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*github.Issue, error) {
	req := &github.IssueRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}

	issue, _, err := is.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	return issue, nil
}
