package conversation

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed transcript.tmpl
var transcriptTemplate string

var transcript = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"splitLines": func(text string) []string {
		return strings.Split(text, "\n")
	},
}).Parse(transcriptTemplate))

type transcriptData struct {
	ExportedAt      string
	Status          Status
	Approvable      bool
	OriginalRequest string
	Turns           []transcriptTurn
}

type transcriptTurn struct {
	Heading string
	Content string
}

// ToMarkdown renders the conversation as a markdown document for reading or archiving
func ToMarkdown(conv Conversation, exportedAt time.Time) (string, error) {
	data := transcriptData{
		ExportedAt:      exportedAt.Format("2006-01-02 15:04:05 MST"),
		Status:          conv.Status,
		Approvable:      conv.Approvable(),
		OriginalRequest: conv.OriginalRequest,
	}
	for i, t := range conv.History {
		data.Turns = append(data.Turns, transcriptTurn{
			Heading: fmt.Sprintf("%d. %s", i+1, turnHeading(t)),
			Content: t.Content,
		})
	}

	var buf bytes.Buffer
	if err := transcript.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render transcript: %w", err)
	}
	return buf.String(), nil
}

func turnHeading(t Turn) string {
	switch {
	case t.Origin == OriginNotice:
		return "Notice"
	case t.Role == RoleUser && t.Origin == OriginVoice:
		return "User (voice)"
	case t.Role == RoleUser:
		return "User"
	default:
		return "Analyst"
	}
}
