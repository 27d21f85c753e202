package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
// Chat requests get a longer one because inline commands block the reply.
const DefaultClientTimeout = 10 * time.Second

// ChatTimeout bounds a single chat round trip.
const ChatTimeout = 2 * time.Minute

// Client wraps HTTP calls to the Runa API
type Client struct {
	baseURL    string
	userID     int64
	chatID     int64
	httpClient *http.Client
	chatClient *http.Client
}

// NewClient creates a new API client for one owner
func NewClient(baseURL string, userID, chatID int64) *Client {
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		chatID:  chatID,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
		chatClient: &http.Client{
			Timeout: ChatTimeout,
		},
	}
}

func (c *Client) ownerQuery() string {
	return fmt.Sprintf("user_id=%d&chat_id=%d", c.userID, c.chatID)
}

// SendChat posts a chat message and returns the assistant reply
func (c *Client) SendChat(text string) (string, error) {
	body := map[string]interface{}{
		"user_id": c.userID,
		"chat_id": c.chatID,
		"text":    text,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	resp, err := c.chatClient.Post(c.baseURL+"/chat", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("API error: %s", string(raw))
	}

	var result struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	return result.Reply, nil
}

// ListSessions fetches the owner's sessions
func (c *Client) ListSessions() ([]SessionItem, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/sessions?" + c.ownerQuery())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var sessions []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		ProjectName  string `json:"project_name"`
		MessageCount int    `json:"message_count"`
		Active       bool   `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, err
	}

	items := make([]SessionItem, len(sessions))
	for i, s := range sessions {
		items[i] = SessionItem{
			ID:           s.ID,
			Name:         s.Name,
			ProjectName:  s.ProjectName,
			MessageCount: s.MessageCount,
			Active:       s.Active,
		}
	}
	return items, nil
}

// ListMessages fetches recent messages for a session
func (c *Client) ListMessages(sessionID string, limit int) ([]MessageItem, error) {
	url := fmt.Sprintf("%s/sessions/%s/messages?limit=%d", c.baseURL, sessionID, limit)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var messages []struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}

	items := make([]MessageItem, len(messages))
	for i, m := range messages {
		items[i] = MessageItem{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
	}
	return items, nil
}

// ActivateSession makes a session the active one for the owner
func (c *Client) ActivateSession(sessionID string) error {
	body := map[string]int64{
		"user_id": c.userID,
		"chat_id": c.chatID,
	}
	_, err := c.post("/sessions/"+sessionID+"/activate", body)
	return err
}

// CreateSession creates and activates a new session
func (c *Client) CreateSession(name string) (string, error) {
	body := map[string]interface{}{
		"user_id":  c.userID,
		"chat_id":  c.chatID,
		"name":     name,
		"activate": true,
	}
	resp, err := c.post("/sessions", body)
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// DeleteSession removes a session
func (c *Client) DeleteSession(sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return nil
}

// ListTasks fetches the owner's recent background tasks
func (c *Client) ListTasks(limit int) ([]TaskItem, error) {
	url := fmt.Sprintf("%s/tasks?%s&limit=%d", c.baseURL, c.ownerQuery(), limit)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var tasks []struct {
		ID       string `json:"id"`
		Command  string `json:"command"`
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, err
	}

	items := make([]TaskItem, len(tasks))
	for i, t := range tasks {
		items[i] = TaskItem{
			ID:       t.ID,
			Command:  t.Command,
			Status:   t.Status,
			ExitCode: t.ExitCode,
			Output:   t.Output,
		}
	}
	return items, nil
}

// CancelTask requests cancellation of a background task
func (c *Client) CancelTask(taskID string) error {
	_, err := c.post("/tasks/"+taskID+"/cancel", map[string]string{})
	return err
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}

// CheckHealth checks if the daemon is reachable
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}
