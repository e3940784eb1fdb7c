package ai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	anthropt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/sprint"
)

type senderStub struct {
	response *anthropic.Message
	err      error
	params   []anthropic.MessageNewParams
}

func (ss *senderStub) SendMessage(_ context.Context, params anthropic.MessageNewParams, _ ...anthropt.RequestOption) (*anthropic.Message, error) {
	ss.params = append(ss.params, params)
	return ss.response, ss.err
}

// newAnthropicResponse creates an *anthropic.Message, which is difficult to create otherwise because the SDK only
// intends users to get one by deserializing an API response
func newAnthropicResponse(t *testing.T, text string) *anthropic.Message {
	t.Helper()

	messageParam := anthropic.NewAssistantMessage(anthropic.NewTextBlock(text))
	paramJSON, err := json.Marshal(messageParam)
	require.NoError(t, err)

	var msg anthropic.Message
	require.NoError(t, json.Unmarshal(paramJSON, &msg))
	msg.StopReason = anthropic.StopReasonEndTurn
	return &msg
}

func testAnalyst(sender MessageSender) *Analyst {
	return NewAnalyst(sender, anthropic.ModelClaudeSonnet4_0, 4096)
}

func messageText(m anthropic.MessageParam) string {
	text := ""
	for _, block := range m.Content {
		if block.OfText != nil {
			text += block.OfText.Text
		}
	}
	return text
}

func TestStartAnalysis(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "\n**As a:** visitor\n\n\n\n**I want:** to log in\n")}

	reply, err := testAnalyst(sender).StartAnalysis(context.Background(), "Build a login page")
	require.NoError(t, err)

	assert.Equal(t, "**As a:** visitor\n\n**I want:** to log in", reply.Text)
	assert.Equal(t, []conversation.Turn{
		conversation.UserTurn("Build a login page"),
		conversation.AssistantTurn(reply.Text),
	}, reply.History)

	require.Len(t, sender.params, 1)
	params := sender.params[0]
	assert.Equal(t, systemPrompt, params.System[0].Text)
	require.Len(t, params.Messages, 1)
	assert.Contains(t, messageText(params.Messages[0]), `Client request: "Build a login page"`)
}

func TestRefine(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "revised stories")}
	history := []conversation.Turn{
		conversation.UserTurn("Build a login page"),
		conversation.AssistantTurn("stories"),
		{Role: conversation.RoleAssistant, Content: "Could not refine", Origin: conversation.OriginNotice},
		conversation.UserTurn("add reset"),
	}

	reply, err := testAnalyst(sender).Refine(context.Background(), "add reset", history)
	require.NoError(t, err)

	assert.Equal(t, "revised stories", reply.Text)
	require.Len(t, reply.History, 6)
	assert.Equal(t, conversation.AssistantTurn("revised stories"), reply.History[5])

	// Roles alternate: the retried instruction merges into the last user message and the notice is dropped
	messages := sender.params[0].Messages
	require.Len(t, messages, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[2].Role)
	assert.Len(t, messages[2].Content, 2)
	assert.Contains(t, messageText(messages[2]), "New instruction from the client: add reset")
}

func TestRefineRejectsHistoryStartingWithAssistant(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "x")}
	_, err := testAnalyst(sender).Refine(context.Background(), "add reset", []conversation.Turn{conversation.AssistantTurn("hi")})
	require.Error(t, err)
	assert.Empty(t, sender.params)
}

func TestSendFailure(t *testing.T) {
	sender := &senderStub{err: errors.New("overloaded")}
	_, err := testAnalyst(sender).StartAnalysis(context.Background(), "Build a login page")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestEmptyResponse(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "   ")}
	_, err := testAnalyst(sender).StartAnalysis(context.Background(), "Build a login page")
	require.Error(t, err)
}

func TestReplan(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "```json\n{\"tasks\": [{\"id\": \"T-001\", \"description\": \"Login form\", \"estimate\": 2}]}\n```")}
	tasks := []sprint.Task{{ID: "T-001", Description: "Login form and session", Estimate: 5}}

	result, err := testAnalyst(sender).Replan(context.Background(), tasks, "split the largest task")
	require.NoError(t, err)
	assert.True(t, result.Present)
	assert.Equal(t, []sprint.Task{{ID: "T-001", Description: "Login form", Estimate: 2}}, result.Tasks)

	prompt := messageText(sender.params[0].Messages[0])
	assert.Contains(t, prompt, `"description": "Login form and session"`)
	assert.Contains(t, prompt, "split the largest task")
}

func TestReplanWithoutTaskList(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "I cannot do that.")}

	result, err := testAnalyst(sender).Replan(context.Background(), nil, "make it better")
	require.NoError(t, err)
	assert.False(t, result.Present)
}

func TestGenerateTasks(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "Here is the plan:\n{\"tasks\": [{\"description\": \"Login form\", \"us_id\": \"US-1\", \"us_title\": \"Login\", \"estimate\": 3}]}")}
	stories := []sprint.UserStory{{ID: "US-1", Title: "Login", AcceptanceCriteria: []string{"Valid credentials open the dashboard"}, Estimate: 3}}

	tasks, err := testAnalyst(sender).GenerateTasks(context.Background(), stories)
	require.NoError(t, err)
	assert.Equal(t, []sprint.Task{{Description: "Login form", StoryID: "US-1", StoryTitle: "Login", Estimate: 3}}, tasks)

	prompt := messageText(sender.params[0].Messages[0])
	assert.Contains(t, prompt, `"acceptance_criteria": [`)
	assert.Contains(t, prompt, "Valid credentials open the dashboard")
}

func TestGenerateTasksWithoutTaskList(t *testing.T) {
	sender := &senderStub{response: newAnthropicResponse(t, "Sorry, I need more detail.")}

	tasks, err := testAnalyst(sender).GenerateTasks(context.Background(), []sprint.UserStory{{ID: "US-1"}})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
