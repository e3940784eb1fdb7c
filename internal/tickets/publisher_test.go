package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v72/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/storysmith/internal/requirements"
	"github.com/cchalm/storysmith/internal/sprint"
)

type issueServiceStub struct {
	mu      sync.Mutex
	titles  []string
	labels  [][]string
	failing map[string]bool // Titles that fail
	next    atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32
}

func (iss *issueServiceStub) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*github.Issue, error) {
	n := iss.active.Add(1)
	defer iss.active.Add(-1)
	for {
		m := iss.maxActive.Load()
		if n <= m || iss.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	iss.mu.Lock()
	iss.titles = append(iss.titles, title)
	iss.labels = append(iss.labels, labels)
	iss.mu.Unlock()

	if iss.failing[title] {
		return nil, errors.New("validation failed")
	}
	return &github.Issue{Number: github.Ptr(int(iss.next.Add(1)))}, nil
}

func testPublisher(t *testing.T, issues IssueService) *GitHubPublisher {
	publisher, err := NewGitHubPublisher(issues, "acme/app", []string{"requirement"})
	require.NoError(t, err)
	return publisher
}

func stories(n int) []requirements.Story {
	var result []requirements.Story
	for i := 0; i < n; i++ {
		result = append(result, requirements.Story{Title: string(rune('A' + i)), Body: "body"})
	}
	return result
}

func TestNewGitHubPublisher_InvalidRepository(t *testing.T) {
	for _, repository := range []string{"", "acme", "/app", "acme/", "acme/app/extra"} {
		_, err := NewGitHubPublisher(&issueServiceStub{}, repository, nil)
		assert.Error(t, err, repository)
	}
}

func TestPublishStories(t *testing.T) {
	issues := &issueServiceStub{}
	ids, err := testPublisher(t, issues).PublishStories(context.Background(), stories(3))
	require.NoError(t, err)

	assert.Len(t, ids, 3)
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, "acme/app#"), id)
	}
	assert.ElementsMatch(t, []string{"A", "B", "C"}, issues.titles)
	assert.Equal(t, []string{"requirement"}, issues.labels[0])
}

func TestPublishStories_BoundedConcurrency(t *testing.T) {
	issues := &issueServiceStub{}
	_, err := testPublisher(t, issues).WithConcurrency(2).PublishStories(context.Background(), stories(8))
	require.NoError(t, err)

	assert.Len(t, issues.titles, 8)
	assert.LessOrEqual(t, issues.maxActive.Load(), int32(2))
}

func TestPublishStories_PartialFailure(t *testing.T) {
	issues := &issueServiceStub{failing: map[string]bool{"B": true}}
	ids, err := testPublisher(t, issues).PublishStories(context.Background(), stories(3))
	require.Error(t, err)

	assert.Len(t, ids, 2)
	assert.Contains(t, err.Error(), "story 2 (B)")
	assert.Equal(t, 1, len(strings.Split(err.Error(), "\n")))
}

func TestPublishSprint(t *testing.T) {
	issues := &issueServiceStub{}
	s := sprint.Sprint{Name: "Sprint 1", Tasks: []sprint.Task{
		{ID: "T-001", Description: "Build the login form with email and password fields and validation", StoryID: "US-1", StoryTitle: "Login", Estimate: 3},
		{ID: "T-002", Description: "Fail", StoryID: "US-1", StoryTitle: "Login", Estimate: 1},
	}}
	issues.failing = map[string]bool{TaskTitle(s.Tasks[1]): true}

	result, err := testPublisher(t, issues).PublishSprint(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, result.Created, 1)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "T-002 (US-1): "))
}

func TestTaskTitle(t *testing.T) {
	task := sprint.Task{Description: strings.Repeat("x", 80), StoryID: "US-1", StoryTitle: "Login"}
	assert.Equal(t, "US-1 - Login: "+strings.Repeat("x", 50), TaskTitle(task))
	assert.Equal(t, "Short", TaskTitle(sprint.Task{Description: " Short "}))
}

func TestIssueServiceCreatesIssue(t *testing.T) {
	requests := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/app/issues", r.URL.Path)
		var decoded map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&decoded))
		requests <- decoded
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "title": "Login"}`))
	}))
	defer srv.Close()

	client := github.NewClient(nil)
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL

	issue, err := NewIssueService(client).CreateIssue(context.Background(), "acme", "app", "Login", "body", []string{"requirement"})
	require.NoError(t, err)
	assert.Equal(t, 42, issue.GetNumber())
	received := <-requests
	assert.Equal(t, "Login", received["title"])
	assert.Equal(t, []any{"requirement"}, received["labels"])
}
