package ai

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/cchalm/storysmith/internal/sprint"
)

//go:embed prompts/system.md
var systemPrompt string

//go:embed prompts/analysis.tmpl
var analysisTemplate string

//go:embed prompts/refine.tmpl
var refineTemplate string

//go:embed prompts/replan.tmpl
var replanTemplate string

//go:embed prompts/generate.tmpl
var generateTemplate string

var (
	analysisPrompt = template.Must(template.New("analysis").Parse(analysisTemplate))
	refinePrompt   = template.Must(template.New("refine").Parse(refineTemplate))
	replanPrompt   = template.Must(template.New("replan").Parse(replanTemplate))
	generatePrompt = template.Must(template.New("generate").Parse(generateTemplate))
)

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// AnalysisPrompt wraps a client's request in the instructions for generating user stories
func AnalysisPrompt(request string) (string, error) {
	return render(analysisPrompt, struct{ Request string }{request})
}

// RefinePrompt wraps a refinement instruction in the formatting rules, which are repeated on every turn
func RefinePrompt(instruction string) (string, error) {
	return render(refinePrompt, struct{ Instruction string }{instruction})
}

// ReplanPrompt asks for a revised task list as JSON
func ReplanPrompt(tasks []sprint.Task, instruction string) (string, error) {
	if tasks == nil {
		tasks = []sprint.Task{}
	}
	b, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize tasks: %w", err)
	}
	return render(replanPrompt, struct {
		TasksJSON   string
		Instruction string
	}{string(b), instruction})
}

// GeneratePrompt asks for the tasks of a new sprint as JSON
func GeneratePrompt(stories []sprint.UserStory) (string, error) {
	b, err := json.MarshalIndent(stories, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize user stories: %w", err)
	}
	return render(generatePrompt, struct{ StoriesJSON string }{string(b)})
}
