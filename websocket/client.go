package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
	"github.com/abdelmounim-dev/collab-coordinator/metrics"
)

var errQueueFull = errors.New("send queue full")

// Frame is what the server writes to a client for any topic it subscribed to
// and for direct replies.
type Frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func encodeFrame(topic string, payload []byte) ([]byte, error) {
	return json.Marshal(Frame{Topic: topic, Payload: payload})
}

// ClientSession is one connected client. Writes go through a bounded queue
// drained by writePump; a full queue drops the message for this client only.
type ClientSession struct {
	id     string
	userID string
	conn   *websocket.Conn
	cfg    config.WebSocketConfig
	logger *zap.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	lastActivity  atomic.Int64
	mu            sync.Mutex
	activityTimer *time.Timer
	closeOnce     sync.Once
	closeMsg      []byte
	releaseOnce   sync.Once
}

// NewClientSession creates a session for conn. Call Start to begin writing.
func NewClientSession(id, userID string, conn *websocket.Conn, cfg config.WebSocketConfig, logger *zap.Logger) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	queue := cfg.SendQueueSize
	if queue <= 0 {
		queue = 256
	}
	s := &ClientSession{
		id:     id,
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With(zap.String("conn", id), zap.String("user", userID)),
		send:   make(chan []byte, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	s.lastActivity.Store(time.Now().Unix())
	return s
}

func (s *ClientSession) ID() string     { return s.id }
func (s *ClientSession) UserID() string { return s.userID }

// Done is closed once the session has been closed.
func (s *ClientSession) Done() <-chan struct{} { return s.ctx.Done() }

// Reply sends payload to this client only, framed with topic.
func (s *ClientSession) Reply(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode reply for %s: %w", topic, err)
	}
	frame, err := encodeFrame(topic, data)
	if err != nil {
		return err
	}
	if !s.enqueue(frame) {
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		return errQueueFull
	}
	return nil
}

// enqueue never blocks.
func (s *ClientSession) enqueue(msg []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Start launches the write loop and arms the inactivity timer.
func (s *ClientSession) Start() {
	s.mu.Lock()
	if timeout := s.seconds(s.cfg.ActivityTimeout); timeout > 0 {
		s.activityTimer = time.AfterFunc(timeout, s.onActivityTimeout)
	}
	s.mu.Unlock()

	go s.writePump()
}

func (s *ClientSession) writePump() {
	var tick <-chan time.Time
	if interval := s.seconds(s.cfg.PingInterval); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer s.conn.Close()
	defer s.cancel()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("Write failed", zap.Error(err))
				return
			}
			metrics.MessagesSent.Inc()
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				s.logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		case <-s.ctx.Done():
			s.mu.Lock()
			closeMsg := s.closeMsg
			s.mu.Unlock()
			if closeMsg != nil {
				if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(s.writeTimeout())); err != nil {
					s.logger.Debug("Error sending close message", zap.Error(err))
				}
			}
			return
		}
	}
}

// UpdateActivity records a client message and resets the inactivity timer.
func (s *ClientSession) UpdateActivity() {
	s.lastActivity.Store(time.Now().Unix())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityTimer != nil {
		s.activityTimer.Reset(s.seconds(s.cfg.ActivityTimeout))
	}
}

// LastActivityTime returns the time of last activity
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) onActivityTimeout() {
	s.logger.Info("Connection timed out")
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

// PongHandler extends the read deadline. With keep-alive enabled a pong also
// counts as activity.
func (s *ClientSession) PongHandler() func(string) error {
	return func(string) error {
		s.extendReadDeadline()
		if s.cfg.KeepAlive {
			s.UpdateActivity()
		} else {
			s.lastActivity.Store(time.Now().Unix())
		}
		return nil
	}
}

func (s *ClientSession) extendReadDeadline() {
	if wait := s.seconds(s.cfg.PingInterval + s.cfg.PongTimeout); wait > 0 && s.cfg.PingInterval > 0 {
		s.conn.SetReadDeadline(time.Now().Add(wait))
	}
}

// Close sends a close frame with code and text and tears the connection down.
// Only the first call has any effect.
func (s *ClientSession) Close(code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.activityTimer != nil {
			s.activityTimer.Stop()
		}
		s.closeMsg = websocket.FormatCloseMessage(code, text)
		s.mu.Unlock()
		s.cancel()
	})
}

// release runs fn at most once per session.
func (s *ClientSession) release(fn func()) {
	s.releaseOnce.Do(fn)
}

func (s *ClientSession) writeTimeout() time.Duration {
	if d := s.seconds(s.cfg.WriteTimeout); d > 0 {
		return d
	}
	return 10 * time.Second
}

func (s *ClientSession) seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
