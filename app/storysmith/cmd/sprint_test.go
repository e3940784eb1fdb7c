package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/storysmith/internal/sprint"
)

func TestPrintSprintList(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printSprintList(&out, nil))
		assert.Contains(t, out.String(), "No sprints yet")
	})

	t.Run("sprints", func(t *testing.T) {
		var out bytes.Buffer
		sprints := []sprint.Sprint{{
			ID:        "0f8e4c1a-7f2b-4a51-9d3c-2b6f1e0a9c77",
			Name:      "Sprint 1",
			CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Tasks:     []sprint.Task{{ID: "T-1", Estimate: 3}, {ID: "T-2", Estimate: 5}},
		}}
		require.NoError(t, printSprintList(&out, sprints))

		assert.Contains(t, out.String(), "0f8e4c1a")
		assert.NotContains(t, out.String(), "0f8e4c1a-")
		assert.Regexp(t, `Sprint 1\s+2\s+8\s+`, out.String())
	})
}

func TestPrintSprint(t *testing.T) {
	var out bytes.Buffer
	s := sprint.Sprint{
		ID:   "s-1",
		Name: "Sprint 1",
		Tasks: []sprint.Task{
			{ID: "T-1", Description: "Login form", StoryID: "US-1", StoryTitle: "Login", Estimate: 3},
			{ID: "T-2", Description: "Audit log", Estimate: 1},
		},
	}
	require.NoError(t, printSprint(&out, s))

	assert.Contains(t, out.String(), "Sprint 1 (s-1), 2 task(s), 4 point(s)")
	assert.Regexp(t, `T-1\s+US-1 Login\s+3\s+Login form`, out.String())
	assert.Regexp(t, `T-2\s+1\s+Audit log`, out.String())
}

func TestPrintPublishResult(t *testing.T) {
	var out bytes.Buffer
	printPublishResult(&out, sprint.PublishResult{
		Created: []string{"acme/roadmap#7"},
		Errors:  []string{"T-2 (US-1): validation failed"},
	})

	assert.Contains(t, out.String(), "Created 1 ticket(s)\n  acme/roadmap#7\n")
	assert.Contains(t, out.String(), "1 task(s) could not be published:\n  T-2 (US-1): validation failed\n")
}

func TestTaskChanges(t *testing.T) {
	cmd := &cobra.Command{Use: "update-task"}
	addTaskFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--estimate", "5", "--us-title", "Checkout"}))

	changes := taskChanges(cmd)
	require.NotNil(t, changes.Estimate)
	assert.Equal(t, 5, *changes.Estimate)
	require.NotNil(t, changes.StoryTitle)
	assert.Equal(t, "Checkout", *changes.StoryTitle)
	assert.Nil(t, changes.Description)
	assert.Nil(t, changes.StoryID)
}

func TestParseStories(t *testing.T) {
	t.Run("requirements text", func(t *testing.T) {
		parsed, err := parseStories([]byte(stories))
		require.NoError(t, err)
		require.Len(t, parsed, 1)
		assert.Equal(t, "US-1", parsed[0].ID)
		assert.Equal(t, "visitor", parsed[0].Story.Role)
		assert.Len(t, parsed[0].AcceptanceCriteria, 2)
	})

	t.Run("json", func(t *testing.T) {
		parsed, err := parseStories([]byte("\n  {\"user_stories\": [{\"id\": \"US-4\", \"title\": \"Checkout\", \"estimate\": 8}]}"))
		require.NoError(t, err)
		assert.Equal(t, []sprint.UserStory{{ID: "US-4", Title: "Checkout", Estimate: 8}}, parsed)
	})

	t.Run("nothing to plan", func(t *testing.T) {
		_, err := parseStories([]byte("   "))
		require.ErrorIs(t, err, sprint.ErrNoStories)
	})
}

func TestReadStories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stories.md")
	require.NoError(t, os.WriteFile(path, []byte(stories), 0o644))

	fromFile, err := readStories(nil, path)
	require.NoError(t, err)
	fromStdin, err := readStories(strings.NewReader(stories), "-")
	require.NoError(t, err)
	assert.Equal(t, fromFile, fromStdin)

	_, err = readStories(nil, filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
}
