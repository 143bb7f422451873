package websocket

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/metrics"
)

var ErrTooManyConnections = errors.New("connection limit reached")

// ClientManager holds the connections of this instance and their topic
// subscriptions. It is the local end of the broadcast relay.
type ClientManager struct {
	clients sync.Map // connection id -> *ClientSession
	count   int
	limit   int

	mu     sync.RWMutex
	topics map[string]map[string]*ClientSession // topic -> connection id -> session
	subs   map[string]map[string]struct{}       // connection id -> topics

	logger *zap.Logger
}

// NewClientManager creates a manager that accepts at most limit connections;
// limit <= 0 means unbounded.
func NewClientManager(limit int, logger *zap.Logger) *ClientManager {
	return &ClientManager{
		limit:  limit,
		topics: make(map[string]map[string]*ClientSession),
		subs:   make(map[string]map[string]struct{}),
		logger: logger.Named("clients"),
	}
}

// AddClient registers a live connection.
func (m *ClientManager) AddClient(s *ClientSession) error {
	m.mu.Lock()
	if m.limit > 0 && m.count >= m.limit {
		m.mu.Unlock()
		return ErrTooManyConnections
	}
	m.count++
	m.subs[s.ID()] = make(map[string]struct{})
	m.mu.Unlock()

	m.clients.Store(s.ID(), s)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	m.logger.Debug("Client connected", zap.String("conn", s.ID()), zap.String("user", s.UserID()))
	return nil
}

// RemoveClient forgets the connection and all of its subscriptions.
func (m *ClientManager) RemoveClient(id string) {
	if _, loaded := m.clients.LoadAndDelete(id); !loaded {
		return
	}

	m.mu.Lock()
	for topic := range m.subs[id] {
		m.unsubscribeLocked(id, topic)
	}
	delete(m.subs, id)
	m.count--
	m.mu.Unlock()

	metrics.ActiveConnections.Dec()
	m.logger.Debug("Client disconnected", zap.String("conn", id))
}

// GetClient retrieves a live client connection by ID.
func (m *ClientManager) GetClient(id string) (*ClientSession, bool) {
	if client, ok := m.clients.Load(id); ok {
		return client.(*ClientSession), true
	}
	return nil, false
}

// Subscribe adds the connection to topic. Subscribing twice is a no-op.
func (m *ClientManager) Subscribe(s *ClientSession, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics, ok := m.subs[s.ID()]
	if !ok {
		return
	}
	topics[topic] = struct{}{}
	subscribers, ok := m.topics[topic]
	if !ok {
		subscribers = make(map[string]*ClientSession)
		m.topics[topic] = subscribers
	}
	subscribers[s.ID()] = s
}

func (m *ClientManager) Unsubscribe(s *ClientSession, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topics, ok := m.subs[s.ID()]; ok {
		delete(topics, topic)
	}
	m.unsubscribeLocked(s.ID(), topic)
}

func (m *ClientManager) unsubscribeLocked(id, topic string) {
	subscribers, ok := m.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(m.topics, topic)
	}
}

// Deliver queues payload for every local subscriber of topic and returns how
// many accepted it. Subscribers with a full queue miss this message.
func (m *ClientManager) Deliver(topic string, payload []byte) int {
	m.mu.RLock()
	targets := make([]*ClientSession, 0, len(m.topics[topic]))
	for _, s := range m.topics[topic] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	frame, err := encodeFrame(topic, payload)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		m.logger.Warn("Dropping undeliverable broadcast", zap.String("topic", topic), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, s := range targets {
		if s.enqueue(frame) {
			delivered++
			continue
		}
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		m.logger.Debug("Subscriber queue full, message dropped",
			zap.String("conn", s.ID()), zap.String("topic", topic))
	}
	return delivered
}

// Count returns the number of live connections.
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// CloseAllConnections sends close messages to all clients. Their handlers
// finish the cleanup.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		m.logger.Debug("Closing connection", zap.String("conn", key.(string)), zap.String("reason", reason))
		value.(*ClientSession).Close(websocket.CloseGoingAway, reason)
		return true
	})
}
