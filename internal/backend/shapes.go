package backend

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cchalm/storysmith/internal/audio"
	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/sprint"
)

// The backend and its older deployments name the same values differently. Each list is in order of preference
var (
	historyKeys    = []string{"history", "messages"}
	replyTextKeys  = []string{"generated_requirements", "refined_requirements", "result", "response", "answer", "content"}
	transcriptKeys = []string{"transcript", "transcription", "text"}
	answerKeys     = []string{"llm_response", "response", "answer", "result"}
	ticketsKeys    = []string{"created_tickets", "tickets", "created_issues"}
	ticketIDKeys   = []string{"key", "id", "number"}
	invalidKeys    = []string{"invalid_requirements", "invalid_items", "findings"}
	excerptKeys    = []string{"requisito", "requirement", "requirementExcerpt", "text"}
	missingRole    = []string{"erro_como_um", "missing_role", "missingRoleClause"}
	missingAccept  = []string{"erro_criterios", "missing_acceptance_criteria", "missingAcceptanceCriteria"}
	errorListKeys  = []string{"errors", "erros"}
)

// first returns the first of the given keys present in the object, or a non-existent result
func first(obj gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// firstText returns the first of the given keys holding a non-blank string
func firstText(obj gjson.Result, keys []string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return v.Str
		}
	}
	return ""
}

// parseReply reads an analysis or refinement response. A body that is not JSON at all is taken to be the reply text
func parseReply(body []byte) conversation.Reply {
	if !gjson.ValidBytes(body) {
		return conversation.Reply{Text: strings.TrimSpace(string(body))}
	}

	res := gjson.ParseBytes(body)
	switch {
	case res.Type == gjson.String:
		return conversation.Reply{Text: res.Str}
	case res.IsArray():
		return conversation.Reply{History: conversation.Normalize(json.RawMessage(res.Raw))}
	case !res.IsObject():
		return conversation.Reply{Text: strings.TrimSpace(res.Raw)}
	}

	var reply conversation.Reply
	if history := first(res, historyKeys); history.IsArray() {
		reply.History = conversation.Normalize(json.RawMessage(history.Raw))
	}
	reply.Text = firstText(res, replyTextKeys)
	return reply
}

// parseExchange reads an audio chat response
func parseExchange(body []byte) audio.Exchange {
	if !gjson.ValidBytes(body) {
		return audio.Exchange{}
	}
	res := gjson.ParseBytes(body)
	return audio.Exchange{
		Transcript:      firstText(res, transcriptKeys),
		Response:        firstText(res, answerKeys),
		DurationSeconds: res.Get("duration_seconds").Float(),
	}
}

// parseOutcome reads an approval response
func parseOutcome(body []byte) requirements.Outcome {
	var outcome requirements.Outcome
	if !gjson.ValidBytes(body) {
		return outcome
	}
	res := gjson.ParseBytes(body)

	for _, ticket := range first(res, ticketsKeys).Array() {
		var id string
		if ticket.IsObject() {
			id = first(ticket, ticketIDKeys).String()
		} else {
			id = ticket.String()
		}
		if id != "" {
			outcome.TicketIDs = append(outcome.TicketIDs, id)
		}
	}

	for _, item := range first(res, invalidKeys).Array() {
		if !item.IsObject() {
			outcome.Findings = append(outcome.Findings, requirements.Finding{
				Excerpt:                   requirements.Excerpt(item.String()),
				MissingRoleClause:         true,
				MissingAcceptanceCriteria: true,
			})
			continue
		}
		outcome.Findings = append(outcome.Findings, requirements.Finding{
			Excerpt:                   requirements.Excerpt(firstText(item, excerptKeys)),
			MissingRoleClause:         first(item, missingRole).Bool(),
			MissingAcceptanceCriteria: first(item, missingAccept).Bool(),
		})
	}

	for _, e := range first(res, errorListKeys).Array() {
		outcome.Errors = append(outcome.Errors, e.String())
	}
	// Without an error list, a response that created nothing explains itself only in its message
	if len(outcome.TicketIDs) == 0 && len(outcome.Findings) == 0 && len(outcome.Errors) == 0 {
		if msg := firstText(res, []string{"message", "detail"}); msg != "" {
			outcome.Errors = []string{msg}
		}
	}
	return outcome
}

// parsePublishResult reads a sprint publishing response
func parsePublishResult(body []byte) sprint.PublishResult {
	result := sprint.PublishResult{}
	if !gjson.ValidBytes(body) {
		return result
	}
	res := gjson.ParseBytes(body)
	for _, issue := range first(res, ticketsKeys).Array() {
		id := issue.String()
		if issue.IsObject() {
			id = first(issue, ticketIDKeys).String()
		}
		if id != "" {
			result.Created = append(result.Created, id)
		}
	}
	for _, e := range first(res, errorListKeys).Array() {
		result.Errors = append(result.Errors, e.String())
	}
	return result
}
