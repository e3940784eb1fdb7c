package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/sprint"
	"github.com/cchalm/storysmith/internal/telemetry"
)

var (
	_ conversation.Analyst = (*Analyst)(nil)
	_ sprint.Replanner     = (*Analyst)(nil)
	_ sprint.Generator     = (*Analyst)(nil)
)

// Analyst generates and refines requirements, and replans sprints, by talking to Claude directly
type Analyst struct {
	sender          MessageSender
	model           anthropic.Model
	maxOutputTokens int64
}

func NewAnalyst(sender MessageSender, model anthropic.Model, maxOutputTokens int64) *Analyst {
	return &Analyst{
		sender:          sender,
		model:           model,
		maxOutputTokens: maxOutputTokens,
	}
}

// StartAnalysis generates user stories for a client request. The returned history is the request and the stories
func (a *Analyst) StartAnalysis(ctx context.Context, request string) (conversation.Reply, error) {
	prompt, err := AnalysisPrompt(request)
	if err != nil {
		return conversation.Reply{}, err
	}

	text, err := a.complete(ctx, "ai.start_analysis", []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	})
	if err != nil {
		return conversation.Reply{}, err
	}

	return conversation.Reply{
		History: []conversation.Turn{conversation.UserTurn(request), conversation.AssistantTurn(text)},
		Text:    text,
	}, nil
}

// Refine revises the stories. The returned history is the given history plus the instruction and the revision
func (a *Analyst) Refine(ctx context.Context, instruction string, history []conversation.Turn) (conversation.Reply, error) {
	prompt, err := RefinePrompt(instruction)
	if err != nil {
		return conversation.Reply{}, err
	}

	messages, err := toMessages(history)
	if err != nil {
		return conversation.Reply{}, err
	}
	messages = appendMessage(messages, anthropic.MessageParamRoleUser, prompt)

	text, err := a.complete(ctx, "ai.refine", messages)
	if err != nil {
		return conversation.Reply{}, err
	}

	newHistory := make([]conversation.Turn, 0, len(history)+2)
	newHistory = append(newHistory, history...)
	newHistory = append(newHistory, conversation.UserTurn(instruction), conversation.AssistantTurn(text))
	return conversation.Reply{History: newHistory, Text: text}, nil
}

// Replan asks for a revised task list. If the answer holds no recognizable task list, the result is absent and the
// sprint is left unchanged
func (a *Analyst) Replan(ctx context.Context, tasks []sprint.Task, instruction string) (sprint.ReplanResult, error) {
	prompt, err := ReplanPrompt(tasks, instruction)
	if err != nil {
		return sprint.ReplanResult{}, err
	}

	text, err := a.complete(ctx, "ai.replan", []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	})
	if err != nil {
		return sprint.ReplanResult{}, err
	}

	result := sprint.ParseReplanResult([]byte(text))
	if !result.Present {
		zap.S().Warnf("Replan answer contained no task list: %s", requirements.Excerpt(text))
	}
	return result, nil
}

// GenerateTasks asks for the tasks of a new sprint. An answer without a recognizable task list yields no tasks
func (a *Analyst) GenerateTasks(ctx context.Context, stories []sprint.UserStory) ([]sprint.Task, error) {
	prompt, err := GeneratePrompt(stories)
	if err != nil {
		return nil, err
	}

	text, err := a.complete(ctx, "ai.generate_tasks", []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	})
	if err != nil {
		return nil, err
	}

	result := sprint.ParseReplanResult([]byte(text))
	if !result.Present {
		zap.S().Warnf("Sprint generation answer contained no task list: %s", requirements.Excerpt(text))
	}
	return result.Tasks, nil
}

// complete sends the messages and returns the text of the response
func (a *Analyst) complete(ctx context.Context, spanName string, messages []anthropic.MessageParam) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, spanName)
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxOutputTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: messages,
	}

	response, err := a.sender.SendMessage(ctx, params)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("ai.input_tokens", response.Usage.InputTokens),
		attribute.Int64("ai.output_tokens", response.Usage.OutputTokens),
	)

	var sb strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := requirements.Normalize(sb.String())
	if text == "" {
		err := fmt.Errorf("response contained no text (stop reason %q)", response.StopReason)
		telemetry.RecordError(span, err)
		return "", err
	}
	if response.StopReason == anthropic.StopReasonMaxTokens {
		zap.S().Warnf("Response was cut off at %d output tokens", a.maxOutputTokens)
	}
	return text, nil
}

// toMessages converts a conversation history to API messages. Consecutive turns by the same role are merged, since
// the API expects roles to alternate, and the history must begin with a user turn
func toMessages(history []conversation.Turn) ([]anthropic.MessageParam, error) {
	var messages []anthropic.MessageParam
	for _, t := range history {
		if t.Origin == conversation.OriginNotice || strings.TrimSpace(t.Content) == "" {
			continue
		}
		role := anthropic.MessageParamRoleAssistant
		if t.Role == conversation.RoleUser {
			role = anthropic.MessageParamRoleUser
		}
		if len(messages) == 0 && role != anthropic.MessageParamRoleUser {
			return nil, fmt.Errorf("conversation history must begin with a user turn")
		}
		messages = appendMessage(messages, role, t.Content)
	}
	return messages, nil
}

func appendMessage(messages []anthropic.MessageParam, role anthropic.MessageParamRole, text string) []anthropic.MessageParam {
	if n := len(messages); n > 0 && messages[n-1].Role == role {
		messages[n-1].Content = append(messages[n-1].Content, anthropic.NewTextBlock(text))
		return messages
	}
	return append(messages, anthropic.MessageParam{
		Role:    role,
		Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)},
	})
}
