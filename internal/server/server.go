package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runa-bot/runa/internal/models"
	"github.com/runa-bot/runa/internal/store"
)

// Server provides the HTTP API for Runa.
type Server struct {
	service *Service
	addr    string
	log     *zap.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, log *zap.Logger) *Server {
	return &Server{
		service: service,
		addr:    addr,
		log:     log,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // inline commands block the reply
	}

	s.log.Info("starting runa daemon", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the configured request mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/projects", s.handleProjects)
	mux.HandleFunc("/projects/", s.handleProjectByID)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/active", s.handleActive)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps store error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch store.KindOf(err) {
	case store.KindNotFound:
		status = http.StatusNotFound
	case store.KindConflict:
		status = http.StatusConflict
	case store.KindInvalidOwner:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{
		"kind":  string(store.KindOf(err)),
		"error": err.Error(),
	})
}

// ownerFromQuery parses user_id/chat_id query parameters.
func ownerFromQuery(r *http.Request) (models.Owner, bool) {
	userID, err1 := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	chatID, err2 := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err1 != nil || err2 != nil {
		return models.Owner{}, false
	}
	return models.Owner{UserID: userID, ChatID: chatID}, true
}

// --- chat ---

type chatRequest struct {
	UserID int64  `json:"user_id"`
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	reply, err := s.service.Chat(r.Context(), models.Owner{UserID: req.UserID, ChatID: req.ChatID}, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// --- sessions ---

type createSessionRequest struct {
	UserID    int64  `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	Activate  bool   `json:"activate"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		owner, ok := ownerFromQuery(r)
		if !ok {
			http.Error(w, "user_id and chat_id required", http.StatusBadRequest)
			return
		}
		sessions, err := s.service.ListSessions(owner)
		if err != nil {
			writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []models.SessionSummary{}
		}
		writeJSON(w, http.StatusOK, sessions)

	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		sess, err := s.service.CreateSession(models.Owner{UserID: req.UserID, ChatID: req.ChatID}, req.Name, req.ProjectID, req.Activate)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type updateSessionRequest struct {
	Name      *string `json:"name"`
	ProjectID *string `json:"project_id"`
	State     *string `json:"state"`
}

type activateRequest struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.service.GetSession(sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess == nil {
			writeError(w, store.NotFoundf("session %s not found", sessionID))
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case action == "" && r.Method == http.MethodPatch:
		var req updateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		upd := store.SessionUpdate{Name: req.Name, ProjectID: req.ProjectID, State: req.State}
		if err := s.service.UpdateSession(sessionID, upd); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteSession(sessionID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case action == "messages" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		messages, err := s.service.ListMessages(sessionID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if messages == nil {
			messages = []models.Message{}
		}
		writeJSON(w, http.StatusOK, messages)

	case action == "activate" && r.Method == http.MethodPost:
		var req activateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.service.ActivateSession(models.Owner{UserID: req.UserID, ChatID: req.ChatID}, sessionID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- active pointer ---

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromQuery(r)
	if !ok {
		http.Error(w, "user_id and chat_id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.service.ActiveSession(owner)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess == nil {
			writeError(w, store.NotFoundf("no active session"))
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case http.MethodDelete:
		if err := s.service.ClearActiveSession(owner); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- projects ---

type createProjectRequest struct {
	UserID     int64  `json:"user_id"`
	ChatID     int64  `json:"chat_id"`
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		owner, ok := ownerFromQuery(r)
		if !ok {
			http.Error(w, "user_id and chat_id required", http.StatusBadRequest)
			return
		}
		projects, err := s.service.ListProjects(owner)
		if err != nil {
			writeError(w, err)
			return
		}
		if projects == nil {
			projects = []models.Project{}
		}
		writeJSON(w, http.StatusOK, projects)

	case http.MethodPost:
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		p, err := s.service.CreateProject(models.Owner{UserID: req.UserID, ChatID: req.ChatID}, req.Name, req.WorkingDir)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type updateProjectRequest struct {
	Name       *string `json:"name"`
	WorkingDir *string `json:"working_dir"`
}

func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/projects/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "project id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.service.GetProject(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if p == nil {
			writeError(w, store.NotFoundf("project %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodPatch:
		var req updateProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.service.UpdateProject(id, store.ProjectUpdate{Name: req.Name, WorkingDir: req.WorkingDir}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	case http.MethodDelete:
		if err := s.service.DeleteProject(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- background tasks ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner, ok := ownerFromQuery(r)
	if !ok {
		http.Error(w, "user_id and chat_id required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.service.TaskStatus(owner, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.BackgroundTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		t, err := s.service.GetTask(taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		if t == nil {
			writeError(w, store.NotFoundf("task %s not found", taskID))
			return
		}
		writeJSON(w, http.StatusOK, t)

	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.service.CancelTask(taskID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}
