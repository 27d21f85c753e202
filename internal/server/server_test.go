package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/audit"
	"github.com/runa-bot/runa/internal/auth"
	"github.com/runa-bot/runa/internal/conversation"
	"github.com/runa-bot/runa/internal/executor"
	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/registry"
	"github.com/runa-bot/runa/internal/store"
)

var testOwner = models.Owner{UserID: 100, ChatID: 200}

type echoResponder struct{}

func (echoResponder) Reply(ctx context.Context, input string, history []models.Message, state string) (string, string, error) {
	return "echo: " + input, state, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	log := zap.NewNop()
	reg := registry.New(s)
	exec := executor.New(s, &executor.Config{
		InlineTimeout:       10 * time.Second,
		BackgroundTimeout:   10 * time.Second,
		MaxOutputBytes:      64 * 1024,
		MaxLiveTasksPerChat: 4,
		CancelGrace:         100 * time.Millisecond,
	}, log)
	controller := conversation.New(s, reg, exec, echoResponder{}, log)
	allowlist := auth.NewAllowlist([]int64{testOwner.UserID})
	service := NewService(s, reg, exec, controller, allowlist, audit.NewRecorder(s), log)

	ts := httptest.NewServer(NewServer(service, "", log).Handler())
	t.Cleanup(func() {
		ts.Close()
		exec.Stop()
		s.Close()
	})
	return ts, s
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func doRequest(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func ownerQS() string {
	return fmt.Sprintf("user_id=%d&chat_id=%d", testOwner.UserID, testOwner.ChatID)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/chat", map[string]interface{}{
		"user_id": testOwner.UserID,
		"chat_id": testOwner.ChatID,
		"text":    "hello",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Reply string `json:"reply"`
	}
	decode(t, resp, &result)
	assert.Equal(t, "echo: hello", result.Reply)
}

func TestChatUnauthorized(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/chat", map[string]interface{}{
		"user_id": int64(666),
		"chat_id": testOwner.ChatID,
		"text":    "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatRunsCommands(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/chat", map[string]interface{}{
		"user_id": testOwner.UserID,
		"chat_id": testOwner.ChatID,
		"text":    "run: echo from-http",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Reply string `json:"reply"`
	}
	decode(t, resp, &result)
	assert.Equal(t, "from-http\n", result.Reply)
}

func TestSessionEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	// Create, activated.
	resp := postJSON(t, ts.URL+"/sessions", map[string]interface{}{
		"user_id":  testOwner.UserID,
		"chat_id":  testOwner.ChatID,
		"name":     "workbench",
		"activate": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess models.Session
	decode(t, resp, &sess)
	assert.Equal(t, "workbench", sess.Name)

	// List includes it with the active marker.
	resp, err := http.Get(ts.URL + "/sessions?" + ownerQS())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sums []models.SessionSummary
	decode(t, resp, &sums)
	require.Len(t, sums, 1)
	assert.True(t, sums[0].Active)

	// Get by ID.
	resp, err = http.Get(ts.URL + "/sessions/" + sess.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Rename via PATCH.
	resp = doRequest(t, http.MethodPatch, ts.URL+"/sessions/"+sess.ID, map[string]string{"name": "renamed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Deleting while active is a 409.
	resp = doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Clear the pointer, then delete succeeds.
	resp = doRequest(t, http.MethodDelete, ts.URL+"/active?"+ownerQS(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Gone now.
	resp, err = http.Get(ts.URL + "/sessions/" + sess.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestActivateAndActiveEndpoints(t *testing.T) {
	ts, s := newTestServer(t)

	sess, err := s.CreateSession(testOwner, "pinme", "")
	require.NoError(t, err)

	// No active session yet.
	resp, err := http.Get(ts.URL + "/active?" + ownerQS())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/sessions/"+sess.ID+"/activate", map[string]int64{
		"user_id": testOwner.UserID,
		"chat_id": testOwner.ChatID,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/active?" + ownerQS())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active models.Session
	decode(t, resp, &active)
	assert.Equal(t, sess.ID, active.ID)

	// Activating someone else's session maps InvalidOwner to 403.
	other, err := s.CreateSession(models.Owner{UserID: 9, ChatID: 9}, "theirs", "")
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/sessions/"+other.ID+"/activate", map[string]int64{
		"user_id": testOwner.UserID,
		"chat_id": testOwner.ChatID,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestMessagesEndpoint(t *testing.T) {
	ts, s := newTestServer(t)

	sess, err := s.CreateSession(testOwner, "work", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(sess.ID, testOwner, models.RoleUser, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.URL + "/sessions/" + sess.ID + "/messages?limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []models.Message
	decode(t, resp, &messages)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg 1", messages[0].Content)
	assert.Equal(t, "msg 2", messages[1].Content)
}

func TestProjectEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/projects", map[string]interface{}{
		"user_id":     testOwner.UserID,
		"chat_id":     testOwner.ChatID,
		"name":        "backend",
		"working_dir": "/srv/backend",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p models.Project
	decode(t, resp, &p)

	resp, err := http.Get(ts.URL + "/projects?" + ownerQS())
	require.NoError(t, err)
	var projects []models.Project
	decode(t, resp, &projects)
	require.Len(t, projects, 1)
	assert.Equal(t, "backend", projects[0].Name)

	resp = doRequest(t, http.MethodPatch, ts.URL+"/projects/"+p.ID, map[string]string{"working_dir": "/srv/api"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, http.MethodDelete, ts.URL+"/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/projects/" + p.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTaskEndpoints(t *testing.T) {
	ts, s := newTestServer(t)

	// Start a background task through the chat surface.
	resp := postJSON(t, ts.URL+"/chat", map[string]interface{}{
		"user_id": testOwner.UserID,
		"chat_id": testOwner.ChatID,
		"text":    "run: echo bg &",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/tasks?" + ownerQS())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []models.BackgroundTask
	decode(t, resp, &tasks)
	require.Len(t, tasks, 1)

	// Wait until it finishes, then cancel maps to 409.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(tasks[0].ID)
		require.NoError(t, err)
		if task.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = http.Get(ts.URL + "/tasks/" + tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var task models.BackgroundTask
	decode(t, resp, &task)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)

	resp = postJSON(t, ts.URL+"/tasks/"+task.ID+"/cancel", map[string]string{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/tasks/unknown-task")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestErrorPayloadShape(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/sessions/unknown-id")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var payload struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}
	decode(t, resp, &payload)
	assert.Equal(t, string(store.KindNotFound), payload.Kind)
	assert.NotEmpty(t, payload.Error)
}

func TestBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	// Missing owner parameters.
	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Malformed JSON.
	resp, err = http.Post(ts.URL+"/chat", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Wrong method.
	resp = doRequest(t, http.MethodPut, ts.URL+"/sessions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}
