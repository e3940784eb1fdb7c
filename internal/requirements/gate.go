package requirements

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/telemetry"
)

// Outcome is the result of an approval attempt. A non-empty Findings means the submission was rejected as a whole and
// no tickets were created
type Outcome struct {
	TicketIDs []string  `json:"createdTickets"`
	Findings  []Finding `json:"findings,omitempty"`
	// Errors describes tickets that could not be created after the submission passed validation
	Errors []string `json:"errors,omitempty"`
}

// Rejected reports whether the submission failed validation
func (o Outcome) Rejected() bool {
	return len(o.Findings) > 0
}

// Story is one validated requirement ready to become a ticket
type Story struct {
	Title string
	Body  string
}

// TicketPublisher creates tickets for validated stories. It returns the identifiers of the tickets it created; if
// some stories could not be published, it also returns an error describing them
type TicketPublisher interface {
	PublishStories(ctx context.Context, stories []Story) ([]string, error)
}

// Gate validates approved requirements locally and publishes them only if every item passes
type Gate struct {
	publisher TicketPublisher
}

func NewGate(publisher TicketPublisher) *Gate {
	return &Gate{publisher: publisher}
}

// Approve validates the final requirements text and, if every item passes, publishes one ticket per item
func (g *Gate) Approve(ctx context.Context, finalRequirements string, originalRequest string) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "requirements.approve")
	defer span.End()

	findings := Validate(finalRequirements)
	span.SetAttributes(attribute.Int("requirements.findings", len(findings)))
	if len(findings) > 0 {
		zap.S().Infof("Rejecting approval: %d requirement(s) failed validation", len(findings))
		return Outcome{Findings: findings}, nil
	}

	items := Split(finalRequirements)
	stories := make([]Story, 0, len(items))
	for _, item := range items {
		stories = append(stories, Story{
			Title: ExtractTitle(item),
			Body:  StoryBody(item, originalRequest),
		})
	}

	ids, err := g.publisher.PublishStories(ctx, stories)
	if err != nil && len(ids) == 0 {
		telemetry.RecordError(span, err)
		return Outcome{}, fmt.Errorf("failed to create tickets: %w", err)
	}
	outcome := Outcome{TicketIDs: ids}
	if err != nil {
		zap.S().Warnf("Created %d of %d tickets: %v", len(ids), len(stories), err)
		outcome.Errors = strings.Split(err.Error(), "\n")
	}
	return outcome, nil
}

// StoryBody renders the ticket description for one requirement item, quoting the request it came from
func StoryBody(item string, originalRequest string) string {
	var sb strings.Builder
	sb.WriteString("Original request:\n\n")
	for _, line := range strings.Split(strings.TrimSpace(originalRequest), "\n") {
		sb.WriteString("> ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n---\n\n")
	sb.WriteString(strings.TrimSpace(item))
	return sb.String()
}

// FormatDiagnostic renders findings as a single message the user can act on
func FormatDiagnostic(findings []Finding) string {
	var sb strings.Builder
	sb.WriteString("Some requirements need revision before tickets can be created:\n")
	for i, f := range findings {
		fmt.Fprintf(&sb, "\n%d. \"%s\"\n", i+1, f.Excerpt)
		if f.MissingRoleClause {
			sb.WriteString("   - missing role clause (\"As a ...\")\n")
		}
		if f.MissingAcceptanceCriteria {
			sb.WriteString("   - missing acceptance criteria\n")
		}
	}
	sb.WriteString("\nNo tickets were created. Revise the requirements and approve again.")
	return sb.String()
}
