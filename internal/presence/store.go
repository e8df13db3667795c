package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend persists the ephemeral state so it survives restarts and is shared
// between instances.
type Backend interface {
	SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error
	DeleteTyping(ctx context.Context, channelID, userID string) error
	ListTyping(ctx context.Context, channelID string) ([]string, error)
	SaveDraft(ctx context.Context, channelID, userID, text string, ttl time.Duration) error
	GetDraft(ctx context.Context, channelID, userID string) (string, bool, error)
	DeleteDraft(ctx context.Context, channelID, userID string) error
}

// RedisStore keeps typing keys and drafts in Redis with expiries.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies it is reachable.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "huddle:"}
}

func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) typingKey(channelID, userID string) string {
	return s.prefix + "typing:" + channelID + ":" + userID
}

func (s *RedisStore) draftKey(channelID, userID string) string {
	return s.prefix + "draft:" + channelID + ":" + userID
}

func (s *RedisStore) SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.typingKey(channelID, userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteTyping(ctx context.Context, channelID, userID string) error {
	if err := s.client.Del(ctx, s.typingKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("delete typing: %w", err)
	}
	return nil
}

func (s *RedisStore) ListTyping(ctx context.Context, channelID string) ([]string, error) {
	prefix := s.typingKey(channelID, "")
	var users []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) SaveDraft(ctx context.Context, channelID, userID, text string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.draftKey(channelID, userID), text, ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) GetDraft(ctx context.Context, channelID, userID string) (string, bool, error) {
	text, err := s.client.Get(ctx, s.draftKey(channelID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get draft: %w", err)
	}
	return text, true, nil
}

func (s *RedisStore) DeleteDraft(ctx context.Context, channelID, userID string) error {
	if err := s.client.Del(ctx, s.draftKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is the single-instance backend used when no Redis is configured.
type MemoryStore struct {
	clock   Clock
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryStore{clock: clock, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: m.clock.Now().Add(ttl)}
}

func (m *MemoryStore) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *MemoryStore) del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *MemoryStore) SetTyping(_ context.Context, channelID, userID string, ttl time.Duration) error {
	m.set("typing:"+channelID+":"+userID, "1", ttl)
	return nil
}

func (m *MemoryStore) DeleteTyping(_ context.Context, channelID, userID string) error {
	m.del("typing:" + channelID + ":" + userID)
	return nil
}

func (m *MemoryStore) ListTyping(_ context.Context, channelID string) ([]string, error) {
	prefix := "typing:" + channelID + ":"
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []string
	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !now.Before(e.expires) {
			delete(m.entries, key)
			continue
		}
		users = append(users, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(users)
	return users, nil
}

func (m *MemoryStore) SaveDraft(_ context.Context, channelID, userID, text string, ttl time.Duration) error {
	m.set("draft:"+channelID+":"+userID, text, ttl)
	return nil
}

func (m *MemoryStore) GetDraft(_ context.Context, channelID, userID string) (string, bool, error) {
	text, ok := m.get("draft:" + channelID + ":" + userID)
	return text, ok, nil
}

func (m *MemoryStore) DeleteDraft(_ context.Context, channelID, userID string) error {
	m.del("draft:" + channelID + ":" + userID)
	return nil
}
