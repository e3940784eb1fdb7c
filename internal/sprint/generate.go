package sprint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cchalm/storysmith/internal/requirements"
)

// UserStory is the input to sprint generation. The JSON field names match the planning service's format
type UserStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Story              Story    `json:"story"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           string   `json:"priority,omitempty"`
	Estimate           int      `json:"estimate"`
}

// Story is the "as a role, I want goal, so that reason" sentence of a user story
type Story struct {
	Role   string `json:"role"`
	Goal   string `json:"goal"`
	Reason string `json:"reason"`
}

// Generator breaks user stories down into sprint tasks. An empty result means the generator produced nothing usable
type Generator interface {
	GenerateTasks(ctx context.Context, stories []UserStory) ([]Task, error)
}

// StoriesFromRequirements turns approved requirements text into user stories, numbered US-1, US-2 and so on in the
// order they appear
func StoriesFromRequirements(text string) []UserStory {
	items := requirements.Split(text)
	stories := make([]UserStory, 0, len(items))
	for i, item := range items {
		parts := requirements.Parse(item)
		stories = append(stories, UserStory{
			ID:                 fmt.Sprintf("US-%d", i+1),
			Title:              requirements.ExtractTitle(item),
			Story:              Story{Role: parts.Role, Goal: parts.Want, Reason: parts.Reason},
			AcceptanceCriteria: parts.Criteria,
		})
	}
	return stories
}

// ParseUserStories reads stories given as a JSON list, or as an object holding the list under "user_stories"
func ParseUserStories(body []byte) ([]UserStory, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("user stories are not valid JSON")
	}
	list := gjson.ParseBytes(body)
	if list.IsObject() {
		list = list.Get("user_stories")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("expected a list of user stories")
	}

	var stories []UserStory
	if err := json.Unmarshal([]byte(list.Raw), &stories); err != nil {
		return nil, fmt.Errorf("failed to decode user stories: %w", err)
	}
	for i := range stories {
		if stories[i].ID == "" {
			stories[i].ID = fmt.Sprintf("US-%d", i+1)
		}
	}
	return stories, nil
}

// TasksFromCriteria plans one task per acceptance criterion, splitting each story's estimate evenly between its tasks.
// A story without criteria becomes a single task
func TasksFromCriteria(stories []UserStory) []Task {
	var tasks []Task
	for _, us := range stories {
		if len(us.AcceptanceCriteria) == 0 {
			tasks = append(tasks, Task{
				Description: storySummary(us),
				StoryID:     us.ID,
				StoryTitle:  us.Title,
				Estimate:    max(1, us.Estimate),
			})
			continue
		}
		share := max(1, us.Estimate/len(us.AcceptanceCriteria))
		for _, c := range us.AcceptanceCriteria {
			tasks = append(tasks, Task{
				Description: fmt.Sprintf("%s (implements %s)", c, us.ID),
				StoryID:     us.ID,
				StoryTitle:  us.Title,
				Estimate:    share,
			})
		}
	}
	return tasks
}

func storySummary(us UserStory) string {
	for _, s := range []string{us.Story.Goal, us.Title} {
		if s = strings.TrimSpace(s); s != "" {
			return fmt.Sprintf("%s (implements %s)", s, us.ID)
		}
	}
	return "Implement " + us.ID
}

// numberTasks gives generated tasks the ids T-001, T-002 and so on, raises estimates below one point to one, and
// fills in story titles the generator left out
func numberTasks(tasks []Task, stories []UserStory) []Task {
	titles := make(map[string]string, len(stories))
	for _, us := range stories {
		titles[us.ID] = us.Title
	}

	numbered := make([]Task, 0, len(tasks))
	for i, t := range tasks {
		t.ID = fmt.Sprintf("T-%03d", i+1)
		if t.Estimate < 1 {
			t.Estimate = 1
		}
		if t.StoryTitle == "" {
			t.StoryTitle = titles[t.StoryID]
		}
		numbered = append(numbered, t)
	}
	return numbered
}
