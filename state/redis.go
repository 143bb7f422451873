package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Snapshot is a stored document together with its last write time.
type Snapshot struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client    *redis.Client
	keys      keyspace
	retention Retention
	now       func() time.Time
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix namespaces every key, so several deployments can share a Redis.
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) { s.keys.prefix = prefix }
}

// WithClock replaces the clock used for typing expiry and snapshot stamps.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, retention Retention, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSnapshot overwrites the file content and records the path in the
// workspace file index. Both keys get a fresh retention window.
func (s *RedisStore) SetSnapshot(ctx context.Context, workspaceID, filePath, content string) error {
	key := s.keys.snapshot(workspaceID, filePath)
	index := s.keys.files(workspaceID)
	ttl := s.retention.Snapshot

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "content", content, "updatedAt", s.now().UnixMilli())
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, index, filePath)
		pipe.Expire(ctx, index, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", key, err)
	}
	return nil
}

// GetSnapshot returns the current content of a file, "" when there is none.
func (s *RedisStore) GetSnapshot(ctx context.Context, workspaceID, filePath string) (string, error) {
	snap, _, err := s.LoadSnapshot(ctx, workspaceID, filePath)
	if err != nil {
		return "", err
	}
	return snap.Content, nil
}

// LoadSnapshot returns the stored snapshot and whether one exists.
func (s *RedisStore) LoadSnapshot(ctx context.Context, workspaceID, filePath string) (Snapshot, bool, error) {
	key := s.keys.snapshot(workspaceID, filePath)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, false, nil
	}

	snap := Snapshot{Content: fields["content"]}
	if ms, err := strconv.ParseInt(fields["updatedAt"], 10, 64); err == nil {
		snap.UpdatedAt = time.UnixMilli(ms)
	}
	return snap, true, nil
}

// AppendChat pushes msg, trims the log to the newest ChatLimit entries and
// resets the retention window in a single transaction.
func (s *RedisStore) AppendChat(ctx context.Context, workspaceID string, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}

	key := s.keys.chat(workspaceID)
	limit := int64(s.retention.ChatLimit)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -limit, -1)
		pipe.Expire(ctx, key, s.retention.Chat)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append chat for %s: %w", workspaceID, err)
	}
	return nil
}

// ListChat returns the chat log oldest first. Entries that fail to decode are skipped.
func (s *RedisStore) ListChat(ctx context.Context, workspaceID string) ([]ChatMessage, error) {
	limit := int64(s.retention.ChatLimit)
	raw, err := s.client.LRange(ctx, s.keys.chat(workspaceID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chat for %s: %w", workspaceID, err)
	}

	messages := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SetTyping claims userID is typing until the typing window elapses.
// Members are scored by their expiry so each one lapses on its own.
func (s *RedisStore) SetTyping(ctx context.Context, workspaceID, userID string) error {
	key := s.keys.typing(workspaceID)
	expiry := s.now().Add(s.retention.Typing).UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(expiry), Member: userID})
		pipe.Expire(ctx, key, s.retention.Typing)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set typing for %s in %s: %w", userID, workspaceID, err)
	}
	return nil
}

func (s *RedisStore) ClearTyping(ctx context.Context, workspaceID, userID string) error {
	if err := s.client.ZRem(ctx, s.keys.typing(workspaceID), userID).Err(); err != nil {
		return fmt.Errorf("failed to clear typing for %s in %s: %w", userID, workspaceID, err)
	}
	return nil
}

// TypingUsers returns the users whose typing claim has not lapsed.
func (s *RedisStore) TypingUsers(ctx context.Context, workspaceID string) ([]string, error) {
	key := s.keys.typing(workspaceID)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	var live *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", now)
		live = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read typing users for %s: %w", workspaceID, err)
	}
	return live.Val(), nil
}

// AddMember records a live session. The membership set has no TTL; it only
// shrinks through RemoveMember and PurgeWorkspace.
func (s *RedisStore) AddMember(ctx context.Context, workspaceID, member string) error {
	if err := s.client.SAdd(ctx, s.keys.users(workspaceID), member).Err(); err != nil {
		return fmt.Errorf("failed to add member %s to %s: %w", member, workspaceID, err)
	}
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, workspaceID, member string) (int64, error) {
	key := s.keys.users(workspaceID)

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, member)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove member %s from %s: %w", member, workspaceID, err)
	}
	return card.Val(), nil
}

func (s *RedisStore) Members(ctx context.Context, workspaceID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.users(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", workspaceID, err)
	}
	return members, nil
}

// BindConnection records which session a connection opened. The record has no
// TTL; it lives until UnbindConnection.
func (s *RedisStore) BindConnection(ctx context.Context, connectionID, userID, workspaceID string) error {
	key := s.keys.conn(connectionID)
	if err := s.client.HSet(ctx, key, "userId", userID, "workspaceId", workspaceID).Err(); err != nil {
		return fmt.Errorf("failed to bind connection %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisStore) LookupConnection(ctx context.Context, connectionID string) (Binding, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.conn(connectionID)).Result()
	if err != nil {
		return Binding{}, false, fmt.Errorf("failed to look up connection %s: %w", connectionID, err)
	}
	b, ok := bindingFrom(fields)
	return b, ok, nil
}

// UnbindConnection deletes the binding and returns what it held.
func (s *RedisStore) UnbindConnection(ctx context.Context, connectionID string) (Binding, bool, error) {
	key := s.keys.conn(connectionID)

	var get *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return Binding{}, false, fmt.Errorf("failed to unbind connection %s: %w", connectionID, err)
	}
	b, ok := bindingFrom(get.Val())
	return b, ok, nil
}

func bindingFrom(fields map[string]string) (Binding, bool) {
	if len(fields) == 0 {
		return Binding{}, false
	}
	return Binding{UserID: fields["userId"], WorkspaceID: fields["workspaceId"]}, true
}

// PurgeWorkspace runs an ordered list of independent deletions. A failing step
// does not stop the rest; whatever is left behind expires through its TTL.
func (s *RedisStore) PurgeWorkspace(ctx context.Context, workspaceID string) error {
	var errs []error

	index := s.keys.files(workspaceID)
	paths, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		errs = append(errs, fmt.Errorf("list files: %w", err))
	}
	for _, path := range paths {
		if err := s.client.Del(ctx, s.keys.snapshot(workspaceID, path)).Err(); err != nil {
			errs = append(errs, fmt.Errorf("delete snapshot %s: %w", path, err))
		}
	}

	for _, key := range []string{
		index,
		s.keys.chat(workspaceID),
		s.keys.typing(workspaceID),
		s.keys.users(workspaceID),
	} {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("partial purge of %s: %w", workspaceID, errors.Join(errs...))
	}
	return nil
}
