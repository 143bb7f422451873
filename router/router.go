// Package router applies inbound collaboration events to presence and shared
// state and produces the resulting broadcasts. It is the only place broadcast
// payloads are built.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/metrics"
	"github.com/abdelmounim-dev/collab-coordinator/state"
)

var tracer = otel.Tracer("github.com/abdelmounim-dev/collab-coordinator/router")

// Session is the connection an inbound message arrived on.
type Session interface {
	ID() string
	UserID() string
	// Reply delivers payload to this connection only, framed with topic.
	Reply(topic string, payload any) error
}

// Broadcaster delivers payload to every subscriber of topic on every instance.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload any) error
}

// Presence is the membership registry.
type Presence interface {
	Join(ctx context.Context, workspaceID, userID string) (bool, error)
	Leave(ctx context.Context, workspaceID, userID string) (bool, error)
	ActiveUsers(workspaceID string) []string
	SharedActiveUsers(ctx context.Context, workspaceID string) ([]string, error)
}

// Store is the part of the shared state the router touches.
type Store interface {
	state.SnapshotStore
	state.ChatStore
	state.TypingStore
	BindConnection(ctx context.Context, connectionID, userID, workspaceID string) error
	LookupConnection(ctx context.Context, connectionID string) (state.Binding, bool, error)
	UnbindConnection(ctx context.Context, connectionID string) (state.Binding, bool, error)
}

// Router dispatches inbound frames.
type Router struct {
	presence    Presence
	store       Store
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

func New(presence Presence, store Store, broadcaster Broadcaster, logger *zap.Logger) *Router {
	return &Router{
		presence:    presence,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.Named("router"),
		now:         time.Now,
	}
}

// Dispatch handles one inbound message. Failures are logged and confined to
// this message; nothing is returned to the transport.
func (r *Router) Dispatch(ctx context.Context, sess Session, destination string, payload json.RawMessage) {
	rt, err := parseDestination(destination)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("bad_destination").Inc()
		r.logger.Warn("Dropping message", zap.String("conn", sess.ID()), zap.Error(err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(rt.kind).Inc()

	ctx, span := tracer.Start(ctx, "collab "+rt.kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("collab.workspace", rt.workspaceID),
		attribute.String("collab.user", sess.UserID()),
		attribute.String("collab.connection", sess.ID()),
	)
	if rt.filePath != "" {
		span.SetAttributes(attribute.String("collab.file", rt.filePath))
	}

	switch rt.kind {
	case KindJoin:
		r.handleJoin(ctx, sess, rt)
	case KindLeave:
		r.handleLeave(ctx, sess, rt)
	case KindRequestCode:
		r.handleRequestCode(ctx, sess, rt)
	case KindCollaborate:
		err = r.handleCollaborate(ctx, rt, payload)
	case KindChat:
		err = r.handleChat(ctx, sess, rt, payload)
	case KindTyping:
		err = r.handleTyping(ctx, sess, rt, payload)
	case KindJoinChat:
		r.handleJoinChat(ctx, sess, rt)
	case KindMembers:
		r.handleMembers(ctx, sess, rt)
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		r.logger.Warn("Dropping malformed payload",
			zap.String("conn", sess.ID()), zap.String("kind", rt.kind), zap.Error(err))
	}
}

// AnnounceDisconnect tells the workspace that userID dropped without leaving.
func (r *Router) AnnounceDisconnect(ctx context.Context, workspaceID, userID string) {
	r.broadcast(ctx, SessionTopic(workspaceID), disconnectNotice(userID))
}

// handleJoin binds the connection to the workspace. A connection holds one
// binding, so joining another workspace first leaves the one it was bound to.
func (r *Router) handleJoin(ctx context.Context, sess Session, rt route) {
	userID := sess.UserID()
	prev, bound, err := r.store.LookupConnection(ctx, sess.ID())
	if err != nil {
		r.storeError("lookup", err)
	}
	if bound && prev.WorkspaceID != rt.workspaceID {
		r.logger.Info("Connection switched workspace, leaving previous one",
			zap.String("from", prev.WorkspaceID), zap.String("to", rt.workspaceID), zap.String("conn", sess.ID()))
		r.leave(ctx, sess, prev.WorkspaceID)
	}

	if _, err := r.presence.Join(ctx, rt.workspaceID, userID); err != nil {
		r.storeError("join", err)
	}
	if err := r.store.BindConnection(ctx, sess.ID(), userID, rt.workspaceID); err != nil {
		r.storeError("bind", err)
	}
	r.logger.Info("User joined workspace",
		zap.String("workspace", rt.workspaceID), zap.String("user", userID), zap.String("conn", sess.ID()))
	r.broadcast(ctx, SessionTopic(rt.workspaceID), joinNotice(userID))
}

func (r *Router) handleLeave(ctx context.Context, sess Session, rt route) {
	prev, bound, err := r.store.LookupConnection(ctx, sess.ID())
	if err != nil {
		r.storeError("lookup", err)
	}
	if bound && prev.WorkspaceID != rt.workspaceID {
		// The connection stays bound to where it actually is.
		r.leaveWithoutUnbind(ctx, sess, rt.workspaceID)
		return
	}
	r.leave(ctx, sess, rt.workspaceID)
}

func (r *Router) leave(ctx context.Context, sess Session, workspaceID string) {
	if _, _, err := r.store.UnbindConnection(ctx, sess.ID()); err != nil {
		r.storeError("unbind", err)
	}
	r.leaveWithoutUnbind(ctx, sess, workspaceID)
}

func (r *Router) leaveWithoutUnbind(ctx context.Context, sess Session, workspaceID string) {
	userID := sess.UserID()
	if _, err := r.presence.Leave(ctx, workspaceID, userID); err != nil {
		r.storeError("leave", err)
	}
	r.logger.Info("User left workspace",
		zap.String("workspace", workspaceID), zap.String("user", userID), zap.String("conn", sess.ID()))
	r.broadcast(ctx, SessionTopic(workspaceID), leaveNotice(userID))
}

// handleRequestCode replies with the current snapshot as if the system had
// just made an edit. A store failure yields an empty snapshot.
func (r *Router) handleRequestCode(ctx context.Context, sess Session, rt route) {
	content, err := r.store.GetSnapshot(ctx, rt.workspaceID, rt.filePath)
	if err != nil {
		r.storeError("get_snapshot", err)
		content = ""
	}

	msg := EditMessage{
		WorkspaceID: rt.workspaceID + "/" + rt.filePath,
		SenderID:    SystemSender,
		Type:        "edit",
		Content:     content,
		Timestamp:   r.now().UnixMilli(),
	}
	if err := sess.Reply(CollaborationTopic(rt.workspaceID, rt.filePath), msg); err != nil {
		r.logger.Debug("Snapshot reply not delivered", zap.String("conn", sess.ID()), zap.Error(err))
	}
}

// handleCollaborate stores edit content and echoes the payload untouched to
// everyone on the file topic, the sender included.
func (r *Router) handleCollaborate(ctx context.Context, rt route, payload json.RawMessage) error {
	var msg EditMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}

	if msg.Type == "edit" {
		if err := r.store.SetSnapshot(ctx, rt.workspaceID, rt.filePath, msg.Content); err != nil {
			r.storeError("set_snapshot", err)
		}
	}
	r.broadcast(ctx, CollaborationTopic(rt.workspaceID, rt.filePath), payload)
	return nil
}

func (r *Router) handleChat(ctx context.Context, sess Session, rt route, payload json.RawMessage) error {
	var msg state.ChatMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}
	if msg.SenderID == "" {
		msg.SenderID = sess.UserID()
	}
	msg.Timestamp = r.now().UnixMilli()

	if err := r.store.AppendChat(ctx, rt.workspaceID, msg); err != nil {
		r.storeError("append_chat", err)
	}
	r.broadcast(ctx, ChatTopic(rt.workspaceID), msg)
	return nil
}

func (r *Router) handleTyping(ctx context.Context, sess Session, rt route, payload json.RawMessage) error {
	var status TypingStatus
	if err := decode(payload, &status); err != nil {
		return err
	}
	if status.UserID != sess.UserID() {
		if status.UserID != "" {
			r.logger.Warn("Typing status for another user, using connection identity",
				zap.String("claimed", status.UserID), zap.String("user", sess.UserID()))
		}
		status.UserID = sess.UserID()
	}

	var err error
	if status.IsTyping {
		err = r.store.SetTyping(ctx, rt.workspaceID, status.UserID)
	} else {
		err = r.store.ClearTyping(ctx, rt.workspaceID, status.UserID)
	}
	if err != nil {
		r.storeError("typing", err)
	}
	r.broadcast(ctx, TypingTopic(rt.workspaceID), status)
	return nil
}

func (r *Router) handleJoinChat(ctx context.Context, sess Session, rt route) {
	messages, err := r.store.ListChat(ctx, rt.workspaceID)
	if err != nil {
		r.storeError("list_chat", err)
	}
	if messages == nil {
		messages = []state.ChatMessage{}
	}
	if err := sess.Reply(SessionChatTopic(rt.workspaceID), ChatHistory{ChatMessages: messages}); err != nil {
		r.logger.Debug("Chat history not delivered", zap.String("conn", sess.ID()), zap.Error(err))
	}
}

// handleMembers answers with the cross-instance member list, falling back to
// this instance's view when the shared store is unreachable.
func (r *Router) handleMembers(ctx context.Context, sess Session, rt route) {
	active, err := r.presence.SharedActiveUsers(ctx, rt.workspaceID)
	if err != nil {
		r.storeError("members", err)
		active = r.presence.ActiveUsers(rt.workspaceID)
	}
	typing, err := r.store.TypingUsers(ctx, rt.workspaceID)
	if err != nil {
		r.storeError("typing_users", err)
	}
	if typing == nil {
		typing = []string{}
	}
	if err := sess.Reply(MembersTopic(rt.workspaceID), MemberList{ActiveUsers: active, TypingUsers: typing}); err != nil {
		r.logger.Debug("Member list not delivered", zap.String("conn", sess.ID()), zap.Error(err))
	}
}

func (r *Router) broadcast(ctx context.Context, topic string, payload any) {
	if err := r.broadcaster.Broadcast(ctx, topic, payload); err != nil {
		r.logger.Error("Broadcast failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (r *Router) storeError(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	r.logger.Error("Shared state operation failed", zap.String("op", op), zap.Error(err))
}

var errEmptyPayload = errors.New("empty payload")

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(payload, v)
}
