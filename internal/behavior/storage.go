package behavior

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBaselineNotFound is returned when no baseline exists for a user.
var ErrBaselineNotFound = errors.New("baseline not found")

// BaselineStorage persists baseline snapshots so they survive restarts.
// The in-process store is authoritative; storage is write-through.
type BaselineStorage interface {
	// Store saves a user's baseline snapshot.
	Store(ctx context.Context, snapshot *BaselineSnapshot) error

	// Get retrieves a user's baseline snapshot.
	Get(ctx context.Context, userID string) (*BaselineSnapshot, error)

	// Delete removes a user's baseline snapshot.
	Delete(ctx context.Context, userID string) error

	// Users lists every user with a stored baseline.
	Users(ctx context.Context) ([]string, error)

	// Close releases any resources.
	Close() error
}

// MemoryBaselineStorage implements BaselineStorage with an in-memory
// map. Suitable for single-instance deployments and testing.
type MemoryBaselineStorage struct {
	mu        sync.RWMutex
	snapshots map[string]*BaselineSnapshot
}

// NewMemoryBaselineStorage creates a new in-memory baseline storage.
func NewMemoryBaselineStorage() *MemoryBaselineStorage {
	return &MemoryBaselineStorage{
		snapshots: make(map[string]*BaselineSnapshot),
	}
}

// Store saves a snapshot.
func (m *MemoryBaselineStorage) Store(ctx context.Context, snapshot *BaselineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.UserID] = snapshot
	return nil
}

// Get retrieves a snapshot by user ID.
func (m *MemoryBaselineStorage) Get(ctx context.Context, userID string) (*BaselineSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[userID]
	if !ok {
		return nil, ErrBaselineNotFound
	}
	return snap, nil
}

// Delete removes a snapshot.
func (m *MemoryBaselineStorage) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, userID)
	return nil
}

// Users lists users with stored baselines.
func (m *MemoryBaselineStorage) Users(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.snapshots))
	for u := range m.snapshots {
		users = append(users, u)
	}
	return users, nil
}

// Close releases resources.
func (m *MemoryBaselineStorage) Close() error {
	return nil
}

// RedisClient defines the subset of Redis operations the baseline
// storage needs. Kept as an interface for easy mocking.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Close() error
}

// RedisBaselineStorage implements BaselineStorage using Redis. Suitable
// for deployments where baselines must survive process restarts.
type RedisBaselineStorage struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisBaselineStorage creates a Redis-backed baseline storage.
func NewRedisBaselineStorage(client RedisClient, prefix string, ttl time.Duration) *RedisBaselineStorage {
	if prefix == "" {
		prefix = "baseline"
	}
	return &RedisBaselineStorage{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisBaselineStorage) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

func (r *RedisBaselineStorage) indexKey() string {
	return fmt.Sprintf("%s:users", r.prefix)
}

// Store saves a snapshot to Redis.
func (r *RedisBaselineStorage) Store(ctx context.Context, snapshot *BaselineSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	if err := r.client.Set(ctx, r.userKey(snapshot.UserID), data, r.ttl); err != nil {
		return fmt.Errorf("failed to store baseline: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), snapshot.UserID); err != nil {
		return fmt.Errorf("failed to index baseline: %w", err)
	}
	return nil
}

// Get retrieves a snapshot from Redis.
func (r *RedisBaselineStorage) Get(ctx context.Context, userID string) (*BaselineSnapshot, error) {
	data, err := r.client.Get(ctx, r.userKey(userID))
	if err != nil {
		return nil, ErrBaselineNotFound
	}
	var snap BaselineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}
	return &snap, nil
}

// Delete removes a snapshot from Redis.
func (r *RedisBaselineStorage) Delete(ctx context.Context, userID string) error {
	if err := r.client.Delete(ctx, r.userKey(userID)); err != nil {
		return fmt.Errorf("failed to delete baseline: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), userID); err != nil {
		return fmt.Errorf("failed to unindex baseline: %w", err)
	}
	return nil
}

// Users lists users with stored baselines.
func (r *RedisBaselineStorage) Users(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.indexKey())
}

// Close releases Redis client resources.
func (r *RedisBaselineStorage) Close() error {
	return r.client.Close()
}
