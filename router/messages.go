package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/abdelmounim-dev/collab-coordinator/state"
)

// Inbound destination kinds.
const (
	KindJoin        = "join"
	KindLeave       = "leave"
	KindCollaborate = "collaborate"
	KindRequestCode = "requestCode"
	KindChat        = "chat"
	KindTyping      = "typing"
	KindJoinChat    = "joinChat"
	KindMembers     = "members"
)

// SystemSender is the sender id of messages synthesized by the server.
const SystemSender = "system"

// EditMessage is the collaboration payload, relayed verbatim.
type EditMessage struct {
	WorkspaceID string `json:"workspaceId"`
	SenderID    string `json:"senderId"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// TypingStatus is the typing indicator payload.
type TypingStatus struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatHistory answers a joinChat request.
type ChatHistory struct {
	ChatMessages []state.ChatMessage `json:"chatMessages"`
}

// MemberList answers a members request.
type MemberList struct {
	ActiveUsers []string `json:"activeUsers"`
	TypingUsers []string `json:"typingUsers"`
}

func SessionTopic(workspaceID string) string { return "session/" + workspaceID }

func CollaborationTopic(workspaceID, filePath string) string {
	return "collaboration/" + workspaceID + "/" + filePath
}

func ChatTopic(workspaceID string) string        { return "chat/" + workspaceID }
func TypingTopic(workspaceID string) string      { return "typing/" + workspaceID }
func SessionChatTopic(workspaceID string) string { return "sessionChat/" + workspaceID }
func MembersTopic(workspaceID string) string     { return "members/" + workspaceID }

func joinNotice(userID string) string {
	return fmt.Sprintf("User %s has joined the project workspace.", userID)
}

func leaveNotice(userID string) string {
	return fmt.Sprintf("User %s has left the project workspace.", userID)
}

func disconnectNotice(userID string) string {
	return fmt.Sprintf("User %s has disconnected unexpectedly.", userID)
}

var errBadDestination = errors.New("bad destination")

// route is a parsed inbound destination such as "collaborate/proj1/src/main.py".
type route struct {
	kind        string
	workspaceID string
	filePath    string
}

// parseDestination accepts an optional leading "/" or "/app/" and a trailing
// "/". File paths keep any inner slashes.
func parseDestination(dest string) (route, error) {
	dest = strings.TrimPrefix(dest, "/")
	dest = strings.TrimPrefix(dest, "app/")
	dest = strings.TrimSuffix(dest, "/")

	parts := strings.SplitN(dest, "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return route{}, fmt.Errorf("%w: %q", errBadDestination, dest)
	}
	if !state.ValidWorkspaceID(parts[1]) {
		return route{}, fmt.Errorf("%w: invalid workspace id %q", errBadDestination, parts[1])
	}
	r := route{kind: parts[0], workspaceID: parts[1]}
	if len(parts) == 3 {
		r.filePath = parts[2]
	}

	switch r.kind {
	case KindCollaborate, KindRequestCode:
		if r.filePath == "" {
			return route{}, fmt.Errorf("%w: %s needs a file path", errBadDestination, r.kind)
		}
	case KindJoin, KindLeave, KindChat, KindTyping, KindJoinChat, KindMembers:
		if r.filePath != "" {
			return route{}, fmt.Errorf("%w: %s takes no file path", errBadDestination, r.kind)
		}
	default:
		return route{}, fmt.Errorf("%w: unknown kind %q", errBadDestination, r.kind)
	}
	return r, nil
}
