// Package conversation provides the requirements-gathering conversation: its turn history, its workflow state, and
// the controller that drives it against the analysis, approval and audio collaborators.
package conversation

import "strings"

// Role identifies who authored a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Origin tags turns that did not come from typed input or from the analyst
type Origin string

const (
	OriginTyped  Origin = ""
	OriginVoice  Origin = "voice"  // A user turn transcribed from a recording
	OriginNotice Origin = "notice" // A synthetic assistant turn carrying an error or diagnostic
)

// Turn is one message in a conversation
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Origin  Origin `json:"origin,omitempty"`
}

func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

func noticeTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content, Origin: OriginNotice}
}

// Status is the workflow state of a conversation
type Status string

const (
	StatusStart    Status = "START"
	StatusRefining Status = "REFINING"
	// StatusApproved is never stored. A conversation that reaches it is immediately replaced by a fresh one
	StatusApproved Status = "APPROVED"
)

// Conversation is the turn history plus workflow status of one requirements-gathering session. Conversation values
// are never mutated in place; every transition returns a new value
type Conversation struct {
	Status          Status `json:"status"`
	OriginalRequest string `json:"originalRequest"`
	History         []Turn `json:"history"`
}

// New returns a fresh conversation
func New() Conversation {
	return Conversation{Status: StatusStart, History: []Turn{}}
}

func (c Conversation) withTurns(turns ...Turn) Conversation {
	history := make([]Turn, 0, len(c.History)+len(turns))
	history = append(history, c.History...)
	history = append(history, turns...)
	c.History = history
	return c
}

func (c Conversation) withHistory(history []Turn) Conversation {
	c.History = append([]Turn{}, history...)
	return c
}

// startRefining records the original request and moves the conversation out of START. The original request is only
// ever set here, so a conversation that is already refining keeps its first request
func (c Conversation) startRefining(originalRequest string) Conversation {
	if c.Status != StatusStart {
		return c
	}
	c.Status = StatusRefining
	c.OriginalRequest = originalRequest
	return c
}

// LatestRequirements returns the content of the most recent assistant turn that was produced by the analyst, skipping
// synthetic notices. ok is false if there is no such turn
func (c Conversation) LatestRequirements() (content string, ok bool) {
	for i := len(c.History) - 1; i >= 0; i-- {
		t := c.History[i]
		if t.Role == RoleAssistant && t.Origin != OriginNotice {
			return t.Content, true
		}
	}
	return "", false
}

// Approvable reports whether Approve would contact the approver
func (c Conversation) Approvable() bool {
	if strings.TrimSpace(c.OriginalRequest) == "" {
		return false
	}
	_, ok := c.LatestRequirements()
	return ok
}
