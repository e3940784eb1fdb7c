package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/sprint"
	"github.com/cchalm/storysmith/internal/telemetry"
)

// DefaultConcurrency is how many issues are created at once
const DefaultConcurrency = 4

const sprintSummaryLength = 50

var (
	_ requirements.TicketPublisher = (*GitHubPublisher)(nil)
	_ sprint.Publisher             = (*GitHubPublisher)(nil)
)

// GitHubPublisher creates one issue per story or sprint task in a single repository
type GitHubPublisher struct {
	issues      IssueService
	owner       string
	repo        string
	labels      []string
	concurrency int
}

// NewGitHubPublisher creates a publisher for the repository named "owner/repo"
func NewGitHubPublisher(issues IssueService, repository string, labels []string) (*GitHubPublisher, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(repository), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid repository %q, expected owner/repo", repository)
	}
	return &GitHubPublisher{
		issues:      issues,
		owner:       owner,
		repo:        repo,
		labels:      labels,
		concurrency: DefaultConcurrency,
	}, nil
}

// WithConcurrency changes how many issues are created at once
func (gp *GitHubPublisher) WithConcurrency(n int) *GitHubPublisher {
	if n > 0 {
		gp.concurrency = n
	}
	return gp
}

type issueDraft struct {
	name  string // Identifies the draft in error messages
	title string
	body  string
}

// createAll creates every draft, at most gp.concurrency at a time. It returns the created issue ids in draft order,
// skipping failures, and one error per failed draft
func (gp *GitHubPublisher) createAll(ctx context.Context, drafts []issueDraft) ([]string, []error) {
	ids := make([]string, len(drafts))
	errs := make([]error, len(drafts))

	var g errgroup.Group
	g.SetLimit(gp.concurrency)
	var mu sync.Mutex
	for i, d := range drafts {
		g.Go(func() error {
			issue, err := gp.issues.CreateIssue(ctx, gp.owner, gp.repo, d.title, d.body, gp.labels)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", d.name, err)
				return nil
			}
			ids[i] = fmt.Sprintf("%s/%s#%d", gp.owner, gp.repo, issue.GetNumber())
			zap.S().Debugf("Created issue %s: %s", ids[i], d.title)
			return nil
		})
	}
	_ = g.Wait()

	var created []string
	var failed []error
	for i := range drafts {
		if errs[i] != nil {
			failed = append(failed, errs[i])
		} else {
			created = append(created, ids[i])
		}
	}
	return created, failed
}

// PublishStories creates one issue per story. If some issues could not be created, the ids of those that were are
// returned along with an error listing the failures, one per line
func (gp *GitHubPublisher) PublishStories(ctx context.Context, stories []requirements.Story) ([]string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "tickets.publish_stories")
	defer span.End()

	drafts := make([]issueDraft, 0, len(stories))
	for i, s := range stories {
		drafts = append(drafts, issueDraft{
			name:  fmt.Sprintf("story %d (%s)", i+1, s.Title),
			title: s.Title,
			body:  s.Body,
		})
	}

	created, failed := gp.createAll(ctx, drafts)
	span.SetAttributes(attribute.Int("tickets.created", len(created)), attribute.Int("tickets.failed", len(failed)))
	if len(failed) > 0 {
		err := errors.Join(failed...)
		telemetry.RecordError(span, err)
		zap.S().Warnf("Finished with %d errors and %d successes", len(failed), len(created))
		return created, err
	}
	zap.S().Infof("Created %d issues in %s/%s", len(created), gp.owner, gp.repo)
	return created, nil
}

// PublishSprint creates one issue per task of a sprint
func (gp *GitHubPublisher) PublishSprint(ctx context.Context, s sprint.Sprint) (sprint.PublishResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "tickets.publish_sprint")
	defer span.End()

	drafts := make([]issueDraft, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		drafts = append(drafts, issueDraft{
			name:  fmt.Sprintf("%s (%s)", t.ID, t.StoryID),
			title: TaskTitle(t),
			body:  TaskBody(s, t),
		})
	}

	created, failed := gp.createAll(ctx, drafts)
	span.SetAttributes(attribute.Int("tickets.created", len(created)), attribute.Int("tickets.failed", len(failed)))

	result := sprint.PublishResult{Created: created, Errors: []string{}}
	if result.Created == nil {
		result.Created = []string{}
	}
	for _, err := range failed {
		result.Errors = append(result.Errors, err.Error())
	}
	return result, nil
}

// TaskTitle summarizes a task as "<story id> - <story title>: <start of description>"
func TaskTitle(t sprint.Task) string {
	summary := []rune(strings.TrimSpace(t.Description))
	if len(summary) > sprintSummaryLength {
		summary = summary[:sprintSummaryLength]
	}
	if t.StoryID == "" && t.StoryTitle == "" {
		return string(summary)
	}
	return fmt.Sprintf("%s - %s: %s", t.StoryID, t.StoryTitle, string(summary))
}

func TaskBody(s sprint.Sprint, t sprint.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sprint: %s\n", s.Name)
	if t.StoryID != "" {
		fmt.Fprintf(&sb, "Story: %s %s\n", t.StoryID, t.StoryTitle)
	}
	fmt.Fprintf(&sb, "Estimate: %d points\n\n", t.Estimate)
	sb.WriteString(strings.TrimSpace(t.Description))
	return sb.String()
}
