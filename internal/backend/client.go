// Package backend is the HTTP client for the requirements backend: analysis, refinement, approval, audio chat and
// sprint planning.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/audio"
	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/sprint"
	"github.com/cchalm/storysmith/internal/telemetry"
)

const (
	pathStartAnalysis = "/start_analysis"
	pathRefine        = "/refine"
	pathApprove       = "/approve"
	pathAudioChat     = "/audio_chat"
	pathReplan        = "/sprint/replan"
	pathGenerate      = "/sprint/generate_sprint"
	pathPublishSprint = "/sprint/send_sprint_to_jira"

	maxResponseBytes = 10 << 20
	audioFileName    = "recording.webm"
	audioContentType = "audio/webm"
)

// Client talks to the requirements backend. It serves as the conversation's analyst, approver and transcriber, and as
// the sprint replanner and publisher
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

var (
	_ conversation.Analyst  = (*Client)(nil)
	_ conversation.Approver = (*Client)(nil)
	_ audio.Transcriber     = (*Client)(nil)
	_ sprint.Replanner      = (*Client)(nil)
	_ sprint.Publisher      = (*Client)(nil)
	_ sprint.Generator      = (*Client)(nil)
)

type wireTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toWire(history []conversation.Turn) []wireTurn {
	turns := make([]wireTurn, 0, len(history))
	for _, t := range history {
		turns = append(turns, wireTurn{Role: string(t.Role), Content: t.Content})
	}
	return turns
}

// StartAnalysis asks the backend to generate requirements from an initial request
func (c *Client) StartAnalysis(ctx context.Context, request string) (conversation.Reply, error) {
	body, err := c.postJSON(ctx, "start analysis", pathStartAnalysis, map[string]any{
		"client_request": request,
	})
	if err != nil {
		return conversation.Reply{}, err
	}
	return parseReply(body), nil
}

// Refine asks the backend to revise the requirements
func (c *Client) Refine(ctx context.Context, instruction string, history []conversation.Turn) (conversation.Reply, error) {
	body, err := c.postJSON(ctx, "refine", pathRefine, map[string]any{
		"instruction": instruction,
		"history":     toWire(history),
	})
	if err != nil {
		return conversation.Reply{}, err
	}
	return parseReply(body), nil
}

// Approve submits final requirements. The backend validates them and creates tickets only if all of them pass
func (c *Client) Approve(ctx context.Context, finalRequirements string, originalRequest string) (requirements.Outcome, error) {
	body, err := c.postJSON(ctx, "approve", pathApprove, map[string]any{
		"final_requirements": finalRequirements,
		"original_request":   originalRequest,
	})
	if err != nil {
		return requirements.Outcome{}, err
	}
	return parseOutcome(body), nil
}

// Transcribe uploads a recording as a multipart form with a single "file" part
func (c *Client) Transcribe(ctx context.Context, payload []byte) (audio.Exchange, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, audioFileName))
	header.Set("Content-Type", audioContentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return audio.Exchange{}, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return audio.Exchange{}, fmt.Errorf("failed to write recording: %w", err)
	}
	if err := w.Close(); err != nil {
		return audio.Exchange{}, fmt.Errorf("failed to finish form: %w", err)
	}

	body, err := c.post(ctx, "audio chat", pathAudioChat, w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return audio.Exchange{}, err
	}
	return parseExchange(body), nil
}

// Replan asks the backend to rewrite a sprint's tasks
func (c *Client) Replan(ctx context.Context, tasks []sprint.Task, instruction string) (sprint.ReplanResult, error) {
	if tasks == nil {
		tasks = []sprint.Task{}
	}
	body, err := c.postJSON(ctx, "replan sprint", pathReplan, map[string]any{
		"current_tasks": tasks,
		"instruction":   instruction,
	})
	if err != nil {
		return sprint.ReplanResult{}, err
	}
	return sprint.ParseReplanResult(body), nil
}

// GenerateTasks asks the backend to break user stories down into tasks. A response without a task list yields no
// tasks
func (c *Client) GenerateTasks(ctx context.Context, stories []sprint.UserStory) ([]sprint.Task, error) {
	body, err := c.postJSON(ctx, "generate sprint", pathGenerate, map[string]any{
		"user_stories": stories,
	})
	if err != nil {
		return nil, err
	}
	return sprint.ParseReplanResult(body).Tasks, nil
}

// PublishSprint asks the backend to create one ticket per task
func (c *Client) PublishSprint(ctx context.Context, s sprint.Sprint) (sprint.PublishResult, error) {
	tasks := s.Tasks
	if tasks == nil {
		tasks = []sprint.Task{}
	}
	body, err := c.postJSON(ctx, "publish sprint", pathPublishSprint, map[string]any{
		"sprint_name": s.Name,
		"tasks":       tasks,
	})
	if err != nil {
		return sprint.PublishResult{}, err
	}
	return parsePublishResult(body), nil
}

func (c *Client) postJSON(ctx context.Context, op string, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
	}
	return c.post(ctx, op, path, "application/json", b)
}

// post sends a request and returns the body of a successful response. Non-success statuses become *TransportError
func (c *Client) post(ctx context.Context, op string, path string, contentType string, payload []byte) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "backend "+path)
	defer span.End()

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	zap.S().Debugf("POST %s (%d bytes)", url, len(payload))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		terr := &TransportError{Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(body)}
		telemetry.RecordError(span, terr)
		return nil, terr
	}
	return body, nil
}
