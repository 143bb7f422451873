// Package state is the shared, TTL-bound workspace state: document snapshots,
// chat history, typing indicators, cross-process membership and connection
// bindings. Every record either expires on its own or is removed explicitly,
// so abandoned workspaces evaporate without a sweeper.
package state

import (
	"context"
	"time"
)

// ChatMessage is one entry of a workspace chat log.
type ChatMessage struct {
	SenderID  string `json:"senderId"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds, stamped by the server
}

// Binding maps a transport connection back to the session it opened.
type Binding struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// SnapshotStore is last-writer-wins document state. Keeping it this narrow
// means conflict resolution can be swapped in without touching callers.
type SnapshotStore interface {
	// SetSnapshot replaces the content of a file and resets its retention window.
	SetSnapshot(ctx context.Context, workspaceID, filePath, content string) error
	// GetSnapshot returns the current content, or "" if the file was never
	// written or has expired.
	GetSnapshot(ctx context.Context, workspaceID, filePath string) (string, error)
}

// ChatStore is the capped per-workspace chat log.
type ChatStore interface {
	AppendChat(ctx context.Context, workspaceID string, msg ChatMessage) error
	// ListChat returns the log oldest first.
	ListChat(ctx context.Context, workspaceID string) ([]ChatMessage, error)
}

// TypingStore holds perishable "is typing" claims.
type TypingStore interface {
	SetTyping(ctx context.Context, workspaceID, userID string) error
	ClearTyping(ctx context.Context, workspaceID, userID string) error
	TypingUsers(ctx context.Context, workspaceID string) ([]string, error)
}

// MembershipStore is the cross-process view of who is in a workspace.
type MembershipStore interface {
	AddMember(ctx context.Context, workspaceID, member string) error
	// RemoveMember removes member and reports how many remain, atomically.
	RemoveMember(ctx context.Context, workspaceID, member string) (int64, error)
	Members(ctx context.Context, workspaceID string) ([]string, error)
}

// ConnectionStore is the reverse index used to clean up after dropped connections.
type ConnectionStore interface {
	BindConnection(ctx context.Context, connectionID, userID, workspaceID string) error
	LookupConnection(ctx context.Context, connectionID string) (Binding, bool, error)
	UnbindConnection(ctx context.Context, connectionID string) (Binding, bool, error)
}

// Store is the full shared state surface.
type Store interface {
	SnapshotStore
	ChatStore
	TypingStore
	MembershipStore
	ConnectionStore
	// PurgeWorkspace deletes chat, typing, membership and every snapshot of
	// the workspace. It is idempotent and best-effort.
	PurgeWorkspace(ctx context.Context, workspaceID string) error
}

// Retention holds the expiry windows and the chat cap.
type Retention struct {
	Snapshot  time.Duration
	Chat      time.Duration
	ChatLimit int
	Typing    time.Duration
}

// DefaultRetention matches the windows the clients are built around.
var DefaultRetention = Retention{
	Snapshot:  time.Hour,
	Chat:      time.Hour,
	ChatLimit: 100,
	Typing:    10 * time.Second,
}
