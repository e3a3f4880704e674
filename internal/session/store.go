package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Store maps conversation IDs to session IDs.
type Store interface {
	// Get returns the session mapped to conversationID.
	Get(ctx context.Context, conversationID string) (string, bool, error)
	// PutIfAbsent maps conversationID to sessionID unless a mapping exists,
	// and returns the session that ends up mapped.
	PutIfAbsent(ctx context.Context, conversationID, sessionID string) (string, error)
}

// MemoryStore is a process-local Store bounded by size and TTL. A hit
// renews the mapping's TTL, so only idle conversations expire.
type MemoryStore struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, string]
}

// NewMemoryStore creates a store holding at most size mappings, each expiring
// ttl after it was last read or written. A zero ttl disables expiry.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryStore{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, conversationID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.lru.Get(conversationID)
	if ok {
		m.lru.Add(conversationID, id)
	}
	return id, ok, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, conversationID, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.lru.Get(conversationID); ok {
		return existing, nil
	}
	m.lru.Add(conversationID, sessionID)
	return sessionID, nil
}

// Len reports the number of live mappings.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

const defaultKeyPrefix = "chatobs:session:"

// RedisStore shares mappings across gateway processes. Like MemoryStore,
// reads renew the TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore wraps client. A zero ttl keeps mappings until evicted by redis.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: defaultKeyPrefix}
}

// NewRedisStoreFromURL parses url and connects.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func (r *RedisStore) key(conversationID string) string {
	return r.prefix + conversationID
}

func (r *RedisStore) Get(ctx context.Context, conversationID string) (string, bool, error) {
	var cmd *redis.StringCmd
	if r.ttl > 0 {
		cmd = r.client.GetEx(ctx, r.key(conversationID), r.ttl)
	} else {
		cmd = r.client.Get(ctx, r.key(conversationID))
	}
	id, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return id, true, nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, conversationID, sessionID string) (string, error) {
	// the winner may expire between SETNX and GET; one retry covers it
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, r.key(conversationID), sessionID, r.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return sessionID, nil
		}
		existing, found, err := r.Get(ctx, conversationID)
		if err != nil {
			return "", err
		}
		if found {
			return existing, nil
		}
	}
	return "", fmt.Errorf("redis setnx: mapping for %q kept expiring", conversationID)
}

// Close releases the redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
