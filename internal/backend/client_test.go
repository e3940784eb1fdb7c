package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/sprint"
	"github.com/cchalm/storysmith/internal/transport"
)

// testServer serves one canned response per path and records the decoded JSON bodies it received
type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests map[string]map[string]any
}

func (ts *testServer) request(path string) map[string]any {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests[path]
}

func newTestServer(t *testing.T, responses map[string]func(w http.ResponseWriter, r *http.Request)) *testServer {
	ts := &testServer{requests: map[string]map[string]any{}}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		handler, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Content-Type") == "application/json" {
			var decoded map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&decoded))
			ts.mu.Lock()
			ts.requests[r.URL.Path] = decoded
			ts.mu.Unlock()
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func respond(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func testClient(ts *testServer) *Client {
	return NewClient(ts.URL+"/", &http.Client{Transport: transport.WithRateLimiting(nil)})
}

func TestStartAnalysis(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathStartAnalysis: respond(http.StatusOK, `{"generated_requirements":"As a user...","history":[{"role":"user","content":"login"},{"role":"assistant","content":"As a user..."}]}`),
	})

	reply, err := testClient(ts).StartAnalysis(context.Background(), "login")
	require.NoError(t, err)
	assert.Len(t, reply.History, 2)
	assert.Equal(t, map[string]any{"client_request": "login"}, ts.request(pathStartAnalysis))
}

func TestRefineSendsHistory(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathRefine: respond(http.StatusOK, `{"refined_requirements":"revised","history":[]}`),
	})

	history := []conversation.Turn{
		conversation.UserTurn("login"),
		conversation.AssistantTurn("As a user..."),
		{Role: conversation.RoleUser, Content: "spoken", Origin: conversation.OriginVoice},
	}
	reply, err := testClient(ts).Refine(context.Background(), "add reset", history)
	require.NoError(t, err)
	assert.Equal(t, "revised", reply.Text)
	assert.Empty(t, reply.History)

	assert.Equal(t, map[string]any{
		"instruction": "add reset",
		"history": []any{
			map[string]any{"role": "user", "content": "login"},
			map[string]any{"role": "assistant", "content": "As a user..."},
			map[string]any{"role": "user", "content": "spoken"},
		},
	}, ts.request(pathRefine))
}

func TestTransportError(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathApprove: respond(http.StatusBadRequest, `{"detail":"Nenhum requisito reconhecido no formato 'Como um'."}`),
	})

	_, err := testClient(ts).Approve(context.Background(), "text", "request")
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadRequest, terr.StatusCode)
	assert.Equal(t, "approve", terr.Op)
	assert.Contains(t, terr.Detail, "Como um")
	assert.Equal(t, map[string]any{"final_requirements": "text", "original_request": "request"}, ts.request(pathApprove))
}

func TestTranscribeSendsMultipart(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathAudioChat: func(w http.ResponseWriter, r *http.Request) {
			file, header, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer file.Close()
			b, _ := io.ReadAll(file)
			assert.Equal(t, "webm-bytes", string(b))
			assert.Equal(t, audioFileName, header.Filename)
			assert.Equal(t, audioContentType, header.Header.Get("Content-Type"))
			respond(http.StatusOK, `{"duration_seconds":2.5,"transcript":"build a login page","llm_response":"Sure"}`)(w, r)
		},
	})

	exchange, err := testClient(ts).Transcribe(context.Background(), []byte("webm-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "build a login page", exchange.Transcript)
	assert.Equal(t, "Sure", exchange.Response)
	assert.Equal(t, 2.5, exchange.DurationSeconds)
}

func TestReplan(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathReplan: respond(http.StatusOK, `{"tasks":[]}`),
	})

	result, err := testClient(ts).Replan(context.Background(), nil, "split the largest task")
	require.NoError(t, err)
	assert.True(t, result.Present)
	assert.Empty(t, result.Tasks)
	assert.Equal(t, map[string]any{"current_tasks": []any{}, "instruction": "split the largest task"}, ts.request(pathReplan))
}

func TestGenerateTasks(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathGenerate: respond(http.StatusOK, `{"sprint_name":"Sprint 1","tasks":[{"id":"T-001","description":"Login form","us_id":"US-1","us_title":"Login","estimate":"3"}]}`),
	})

	stories := []sprint.UserStory{{ID: "US-1", Title: "Login", AcceptanceCriteria: []string{"works"}, Estimate: 3}}
	tasks, err := testClient(ts).GenerateTasks(context.Background(), stories)
	require.NoError(t, err)
	assert.Equal(t, []sprint.Task{{ID: "T-001", Description: "Login form", StoryID: "US-1", StoryTitle: "Login", Estimate: 3}}, tasks)

	sent := ts.request(pathGenerate)
	require.Len(t, sent["user_stories"], 1)
	story := sent["user_stories"].([]any)[0].(map[string]any)
	assert.Equal(t, "US-1", story["id"])
	assert.Equal(t, []any{"works"}, story["acceptance_criteria"])
	assert.Equal(t, map[string]any{"role": "", "goal": "", "reason": ""}, story["story"])
}

func TestGenerateTasksWithoutTaskList(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathGenerate: respond(http.StatusOK, `{"detail":"model unavailable"}`),
	})

	tasks, err := testClient(ts).GenerateTasks(context.Background(), []sprint.UserStory{{ID: "US-1"}})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPublishSprint(t *testing.T) {
	ts := newTestServer(t, map[string]func(http.ResponseWriter, *http.Request){
		pathPublishSprint: respond(http.StatusOK, `{"created_issues":["REQ-9"],"errors":[]}`),
	})

	s := sprint.Sprint{ID: "s1", Name: "Sprint 1", Tasks: []sprint.Task{{ID: "T-001", Description: "Login", Estimate: 3}}}
	result, err := testClient(ts).PublishSprint(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"REQ-9"}, result.Created)
	assert.Empty(t, result.Errors)

	sent := ts.request(pathPublishSprint)
	assert.Equal(t, "Sprint 1", sent["sprint_name"])
	assert.Len(t, sent["tasks"], 1)
}

func TestUnreachableBackend(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, nil).StartAnalysis(context.Background(), "login")
	require.Error(t, err)
}
