package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/router"
	"github.com/abdelmounim-dev/collab-coordinator/state"
)

// Presence is the read side of the membership registry.
type Presence interface {
	ActiveUsers(workspaceID string) []string
	SharedActiveUsers(ctx context.Context, workspaceID string) ([]string, error)
}

// Store is the read side of the shared workspace state.
type Store interface {
	ListChat(ctx context.Context, workspaceID string) ([]state.ChatMessage, error)
	TypingUsers(ctx context.Context, workspaceID string) ([]string, error)
	LoadSnapshot(ctx context.Context, workspaceID, filePath string) (state.Snapshot, bool, error)
}

// Routes wires the HTTP surface of the coordinator.
type Routes struct {
	WebSocket http.HandlerFunc
	Presence  Presence
	Store     Store
	// Ping reports whether the shared store is reachable.
	Ping   func(ctx context.Context) error
	Logger *zap.Logger
}

type fileSnapshot struct {
	WorkspaceID string    `json:"workspaceId"`
	Path        string    `json:"path"`
	Content     string    `json:"content"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Handler builds the mux router.
func (rt Routes) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", rt.WebSocket)
	r.HandleFunc("/healthz", rt.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/workspaces/{ws}").Subrouter()
	api.Use(validWorkspace)
	api.HandleFunc("/members", rt.members).Methods(http.MethodGet)
	api.HandleFunc("/chat", rt.chat).Methods(http.MethodGet)
	api.HandleFunc("/files/{path:.+}", rt.file).Methods(http.MethodGet)

	return r
}

func (rt Routes) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	}
	code := http.StatusOK
	if err := rt.Ping(r.Context()); err != nil {
		rt.Logger.Warn("Health check failed", zap.Error(err))
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (rt Routes) members(w http.ResponseWriter, r *http.Request) {
	ws := mux.Vars(r)["ws"]

	active, err := rt.Presence.SharedActiveUsers(r.Context(), ws)
	if err != nil {
		rt.Logger.Warn("Falling back to local members", zap.String("workspace", ws), zap.Error(err))
		active = rt.Presence.ActiveUsers(ws)
	}
	typing, err := rt.Store.TypingUsers(r.Context(), ws)
	if err != nil {
		rt.Logger.Warn("Typing users unavailable", zap.String("workspace", ws), zap.Error(err))
	}
	if typing == nil {
		typing = []string{}
	}
	writeJSON(w, http.StatusOK, router.MemberList{ActiveUsers: active, TypingUsers: typing})
}

func (rt Routes) chat(w http.ResponseWriter, r *http.Request) {
	ws := mux.Vars(r)["ws"]

	messages, err := rt.Store.ListChat(r.Context(), ws)
	if err != nil {
		rt.Logger.Error("Failed to read chat", zap.String("workspace", ws), zap.Error(err))
		http.Error(w, "shared state unavailable", http.StatusServiceUnavailable)
		return
	}
	if messages == nil {
		messages = []state.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, router.ChatHistory{ChatMessages: messages})
}

func (rt Routes) file(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ws, path := vars["ws"], vars["path"]

	snap, ok, err := rt.Store.LoadSnapshot(r.Context(), ws, path)
	if err != nil {
		rt.Logger.Error("Failed to read snapshot", zap.String("workspace", ws), zap.String("path", path), zap.Error(err))
		http.Error(w, "shared state unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, fileSnapshot{
		WorkspaceID: ws,
		Path:        path,
		Content:     snap.Content,
		UpdatedAt:   snap.UpdatedAt,
	})
}

func validWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !state.ValidWorkspaceID(mux.Vars(r)["ws"]) {
			http.Error(w, "invalid workspace id", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
