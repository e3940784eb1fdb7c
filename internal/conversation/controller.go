package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/audio"
	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/telemetry"
)

var (
	// ErrBusy is returned when an operation is attempted while another one is still in flight
	ErrBusy = errors.New("another operation is in progress")
	// ErrEmptyInput is returned when the submitted text is empty or whitespace
	ErrEmptyInput = errors.New("input is empty")
	// ErrNothingToApprove is returned by Approve when there is no request or no generated requirements yet
	ErrNothingToApprove = errors.New("there are no generated requirements to approve yet")
	// ErrEmptyReply is returned when a collaborator responds with neither a history nor any text
	ErrEmptyReply = errors.New("the analyst returned an empty response")
	// ErrNoSpeech is returned when a recording produced no transcript
	ErrNoSpeech = errors.New("no speech was recognized in the recording")
	// ErrNoTicketsCreated is returned when approval passed validation but the publisher created nothing
	ErrNoTicketsCreated = errors.New("no tickets were created")
)

// Reply is what the analysis and refinement collaborators return. History, when present, replaces the conversation
// history; otherwise Text is the new assistant message
type Reply struct {
	History []Turn
	Text    string
}

// Analyst generates and refines requirements
type Analyst interface {
	// StartAnalysis generates requirements from the user's initial request
	StartAnalysis(ctx context.Context, request string) (Reply, error)
	// Refine revises the requirements according to a new instruction, given the conversation so far
	Refine(ctx context.Context, instruction string, history []Turn) (Reply, error)
}

// Approver validates final requirements and publishes them as tickets
type Approver interface {
	Approve(ctx context.Context, finalRequirements string, originalRequest string) (requirements.Outcome, error)
}

// Recorder turns recorded audio into a transcript and a response
type Recorder interface {
	// Upload sends an already-assembled recording
	Upload(ctx context.Context, payload []byte) (audio.Exchange, error)
	// Stop finishes the active recording session and uploads it
	Stop(ctx context.Context) (audio.Exchange, error)
}

// Controller owns one conversation at a time and drives it through its collaborators. At most one operation may be in
// flight; any other operation attempted meanwhile fails with ErrBusy rather than waiting
type Controller struct {
	analyst  Analyst
	approver Approver
	recorder Recorder // May be nil if audio is unavailable

	mu       sync.Mutex
	busy     bool
	state    Conversation
	id       string
	observer func(Conversation)
}

func NewController(analyst Analyst, approver Approver, recorder Recorder) *Controller {
	return &Controller{
		analyst:  analyst,
		approver: approver,
		recorder: recorder,
		state:    New(),
		id:       telemetry.NewConversationID(),
	}
}

// OnChange registers a function called with every new conversation value. It is called outside the controller's lock
func (c *Controller) OnChange(fn func(Conversation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// Snapshot returns the current conversation
func (c *Controller) Snapshot() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.withHistory(c.state.History)
}

// Busy reports whether an operation is in flight
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// acquire sets the busy flag, or fails with ErrBusy if it is already set. Every successful acquire must be paired with
// a deferred release
func (c *Controller) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
}

// update applies a transition to the current conversation and publishes the result
func (c *Controller) update(transition func(Conversation) Conversation) Conversation {
	c.mu.Lock()
	c.state = transition(c.state)
	snapshot := c.state.withHistory(c.state.History)
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(snapshot)
	}
	return snapshot
}

func (c *Controller) appendNotice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	zap.S().Warn(msg)
	c.update(func(conv Conversation) Conversation {
		return conv.withTurns(noticeTurn(msg))
	})
}

func (c *Controller) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("conversation.id", id)))
}

// Reset discards the current conversation and starts a fresh one
func (c *Controller) Reset() error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	c.id = telemetry.NewConversationID()
	c.mu.Unlock()
	c.update(func(Conversation) Conversation { return New() })
	return nil
}

// SubmitText sends typed input. The first input of a conversation is the original request and starts the analysis;
// later inputs are refinement instructions. On failure the conversation gains a notice turn and is otherwise unchanged
func (c *Controller) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	ctx, span := c.startSpan(ctx, "conversation.submit_text")
	defer span.End()

	// Show the user's input right away, before the collaborator responds
	conv := c.update(func(conv Conversation) Conversation {
		return conv.withTurns(UserTurn(text))
	})
	prior := withoutNotices(conv.History[:len(conv.History)-1])
	span.SetAttributes(attribute.String("conversation.status", string(conv.Status)))

	if conv.Status == StatusStart {
		reply, err := c.analyst.StartAnalysis(ctx, text)
		if err == nil {
			err = checkReply(reply)
		}
		if err != nil {
			telemetry.RecordError(span, err)
			c.appendNotice("Could not analyze the request: %v", err)
			return fmt.Errorf("failed to start analysis: %w", err)
		}

		history := Normalize(reply.History)
		if len(history) == 0 {
			history = []Turn{UserTurn(text), AssistantTurn(reply.Text)}
		}
		c.update(func(conv Conversation) Conversation {
			return conv.withHistory(history).startRefining(text)
		})
		return nil
	}

	reply, err := c.analyst.Refine(ctx, text, prior)
	if err == nil {
		err = checkReply(reply)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		c.appendNotice("Could not refine the requirements: %v", err)
		return fmt.Errorf("failed to refine requirements: %w", err)
	}

	history := carryOrigins(prior, Normalize(reply.History))
	c.update(func(conv Conversation) Conversation {
		if len(history) == 0 {
			return conv.withTurns(AssistantTurn(reply.Text))
		}
		return conv.withHistory(history)
	})
	return nil
}

// withoutNotices drops synthetic turns, which are for the user and not part of the exchange with the analyst
func withoutNotices(history []Turn) []Turn {
	turns := make([]Turn, 0, len(history))
	for _, t := range history {
		if t.Origin != OriginNotice {
			turns = append(turns, t)
		}
	}
	return turns
}

// carryOrigins copies the origin of each sent turn onto the returned turn echoing it. Collaborators only speak roles
// and content, so without this a transcribed turn would turn into a typed one on the next refinement
func carryOrigins(sent []Turn, returned []Turn) []Turn {
	for i := range returned {
		if i >= len(sent) || returned[i].Role != sent[i].Role || returned[i].Content != sent[i].Content {
			break
		}
		if returned[i].Origin == OriginTyped {
			returned[i].Origin = sent[i].Origin
		}
	}
	return returned
}

func checkReply(reply Reply) error {
	if len(reply.History) == 0 && strings.TrimSpace(reply.Text) == "" {
		return ErrEmptyReply
	}
	return nil
}

// SubmitAudio sends an assembled recording and appends the transcript and the response to the conversation
func (c *Controller) SubmitAudio(ctx context.Context, payload []byte) error {
	if c.recorder == nil {
		return fmt.Errorf("audio input is not configured")
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	ctx, span := c.startSpan(ctx, "conversation.submit_audio")
	defer span.End()

	exchange, err := c.recorder.Upload(ctx, payload)
	return c.applyExchange(span, exchange, err)
}

// StopRecording finishes the recorder's active session, uploads it, and applies the result like SubmitAudio
func (c *Controller) StopRecording(ctx context.Context) error {
	if c.recorder == nil {
		return fmt.Errorf("audio input is not configured")
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	ctx, span := c.startSpan(ctx, "conversation.stop_recording")
	defer span.End()

	exchange, err := c.recorder.Stop(ctx)
	if errors.Is(err, audio.ErrNotRecording) {
		return err
	}
	return c.applyExchange(span, exchange, err)
}

func (c *Controller) applyExchange(span trace.Span, exchange audio.Exchange, err error) error {
	if err == nil && strings.TrimSpace(exchange.Transcript) == "" {
		err = ErrNoSpeech
	}
	if err != nil {
		telemetry.RecordError(span, err)
		c.appendNotice("Could not process the recording: %v", err)
		return fmt.Errorf("failed to process audio: %w", err)
	}

	transcript := strings.TrimSpace(exchange.Transcript)
	c.update(func(conv Conversation) Conversation {
		return conv.withTurns(
			Turn{Role: RoleUser, Content: transcript, Origin: OriginVoice},
			AssistantTurn(exchange.Response),
		).startRefining(transcript)
	})
	return nil
}

// Approve submits the most recent generated requirements for validation and publishing. If every requirement passes,
// tickets are created and the conversation starts over. If any requirement fails, nothing is published and a
// diagnostic turn listing every failing requirement is appended
func (c *Controller) Approve(ctx context.Context) (requirements.Outcome, error) {
	if err := c.acquire(); err != nil {
		return requirements.Outcome{}, err
	}
	defer c.release()

	conv := c.Snapshot()
	final, ok := conv.LatestRequirements()
	if !ok || strings.TrimSpace(conv.OriginalRequest) == "" {
		return requirements.Outcome{}, ErrNothingToApprove
	}

	ctx, span := c.startSpan(ctx, "conversation.approve")
	defer span.End()

	outcome, err := c.approver.Approve(ctx, final, conv.OriginalRequest)
	if err != nil {
		telemetry.RecordError(span, err)
		c.appendNotice("Could not publish the requirements: %v", err)
		return requirements.Outcome{}, fmt.Errorf("failed to approve requirements: %w", err)
	}

	if outcome.Rejected() {
		span.SetAttributes(attribute.Int("requirements.findings", len(outcome.Findings)))
		outcome.TicketIDs = nil
		diagnostic := requirements.FormatDiagnostic(outcome.Findings)
		c.update(func(conv Conversation) Conversation {
			return conv.withTurns(noticeTurn(diagnostic))
		})
		return outcome, nil
	}

	if len(outcome.TicketIDs) == 0 {
		detail := strings.Join(outcome.Errors, "; ")
		if detail == "" {
			detail = "the publisher reported no tickets"
		}
		c.appendNotice("No tickets were created: %s", detail)
		return outcome, ErrNoTicketsCreated
	}

	span.SetAttributes(attribute.Int("tickets.created", len(outcome.TicketIDs)))
	zap.S().Infof("Published %d ticket(s): %s", len(outcome.TicketIDs), strings.Join(outcome.TicketIDs, ", "))

	c.mu.Lock()
	c.id = telemetry.NewConversationID()
	c.mu.Unlock()
	c.update(func(Conversation) Conversation { return New() })
	return outcome, nil
}
