package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
	"github.com/abdelmounim-dev/collab-coordinator/metrics"
	"github.com/abdelmounim-dev/collab-coordinator/router"
)

// Client frame actions.
const (
	ActionSend        = "send"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

const dispatchTimeout = 10 * time.Second

// Dispatcher handles a "send" frame.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess router.Session, destination string, payload json.RawMessage)
}

// Reaper is told about every connection that ends.
type Reaper interface {
	Reap(ctx context.Context, connectionID string)
}

type inboundFrame struct {
	Action      string          `json:"action"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

type hello struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// Handler manages websocket connections and message routing
type Handler struct {
	manager    *ClientManager
	dispatcher Dispatcher
	reaper     Reaper
	validator  *JWTValidator
	auth       config.AuthConfig
	cfg        config.WebSocketConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates a new websocket handler. validator is only consulted when
// auth is enabled.
func NewHandler(manager *ClientManager, dispatcher Dispatcher, reaper Reaper, validator *JWTValidator,
	auth config.AuthConfig, cfg config.WebSocketConfig, logger *zap.Logger) *Handler {
	return &Handler{
		manager:    manager,
		dispatcher: dispatcher,
		reaper:     reaper,
		validator:  validator,
		auth:       auth,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: logger.Named("websocket"),
	}
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, status, err := h.identify(r)
	if err != nil {
		h.logger.Warn("Rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	if h.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.cfg.MessageSizeLimit))
	}

	session := NewClientSession(uuid.New().String(), userID, conn, h.cfg, h.logger)
	if err := h.manager.AddClient(session); err != nil {
		h.logger.Warn("Refusing connection", zap.String("user", userID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer h.release(session)

	session.Start()
	session.extendReadDeadline()
	conn.SetPongHandler(session.PongHandler())

	ack, _ := json.Marshal(hello{ConnectionID: session.ID(), UserID: userID})
	if !session.enqueue(ack) {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				session.logger.Debug("Read error", zap.Error(err))
			}
			return
		}
		session.UpdateActivity()
		session.extendReadDeadline()
		h.handleFrame(session, msg)
	}
}

// handleFrame runs on the connection's read goroutine, so frames of one
// connection are handled in arrival order.
func (h *Handler) handleFrame(session *ClientSession, msg []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		session.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch frame.Action {
	case ActionSend:
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		h.dispatcher.Dispatch(ctx, session, frame.Destination, frame.Payload)
	case ActionSubscribe:
		if topic := normalizeTopic(frame.Destination); topic != "" {
			h.manager.Subscribe(session, topic)
		}
	case ActionUnsubscribe:
		if topic := normalizeTopic(frame.Destination); topic != "" {
			h.manager.Unsubscribe(session, topic)
		}
	default:
		metrics.MessagesDropped.WithLabelValues("unknown_action").Inc()
		session.logger.Warn("Dropping frame with unknown action", zap.String("action", frame.Action))
	}
}

// release tears the connection down and hands it to the reaper, once.
func (h *Handler) release(session *ClientSession) {
	session.release(func() {
		session.Close(websocket.CloseNormalClosure, "Client disconnected")

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		h.reaper.Reap(ctx, session.ID())
		h.manager.RemoveClient(session.ID())
	})
}

// identify resolves the user behind a handshake: the token subject when auth
// is enabled, otherwise the id the gateway put in the query string.
func (h *Handler) identify(r *http.Request) (string, int, error) {
	query := r.URL.Query()
	if !h.auth.Enabled {
		userID := query.Get(h.auth.UserQueryParam)
		if userID == "" {
			return "", http.StatusBadRequest, errors.New("missing user id")
		}
		return userID, 0, nil
	}

	if h.validator == nil {
		return "", http.StatusInternalServerError, errors.New("auth is enabled but no token validator is configured")
	}
	token := query.Get(h.auth.TokenQueryParam)
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		return "", http.StatusUnauthorized, errors.New("missing authentication token")
	}
	claims, err := h.validator.ValidateToken(r.Context(), token)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, errTokenRevoked) {
			reason = "revoked_token"
		}
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		h.logger.Debug("Token rejected", zap.Error(err))
		return "", http.StatusUnauthorized, errors.New("invalid authentication token")
	}
	metrics.AuthSuccess.Inc()
	return claims.Subject, 0, nil
}

// normalizeTopic accepts "chat/proj1", "/chat/proj1" and "/topic/chat/proj1".
func normalizeTopic(dest string) string {
	dest = strings.TrimPrefix(dest, "/")
	dest = strings.TrimPrefix(dest, "topic/")
	return strings.TrimSuffix(dest, "/")
}
