package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repository tracks when each peer was last seen. Liveness is always
// derived from the recency of that timestamp, never stored as a flag, so
// the /team snapshot can't report a stale "online" after a dropped leave.
type Repository interface {
	Touch(ctx context.Context, peerID, name string, ts time.Time) error
	MarkLeft(ctx context.Context, peerID string) error
	LastSeen(ctx context.Context, peerIDs []string) (map[string]Session, error)
	IsOnline(ctx context.Context, peerID string, ttl time.Duration) (bool, error)
}

// Session is the stored presence record for one peer.
type Session struct {
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

type RedisRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) key(peerID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, peerID)
}

// Touch records a heartbeat. Keys are kept without expiry: a decayed peer
// still answers "last seen at" in the team snapshot.
func (r *RedisRepository) Touch(ctx context.Context, peerID, name string, ts time.Time) error {
	data, err := json.Marshal(Session{Name: name, LastSeen: ts})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(peerID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// MarkLeft zeroes the last-seen so the next staleness check fails
// immediately instead of waiting out the TTL.
func (r *RedisRepository) MarkLeft(ctx context.Context, peerID string) error {
	sessions, err := r.LastSeen(ctx, []string{peerID})
	if err != nil {
		return err
	}
	s := sessions[peerID]
	s.LastSeen = time.Time{}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(peerID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to mark left: %w", err)
	}
	return nil
}

func (r *RedisRepository) LastSeen(ctx context.Context, peerIDs []string) (map[string]Session, error) {
	out := make(map[string]Session, len(peerIDs))
	if len(peerIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(peerIDs))
	for i, id := range peerIDs {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // peer never seen
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out[peerIDs[i]] = s
	}
	return out, nil
}

func (r *RedisRepository) IsOnline(ctx context.Context, peerID string, ttl time.Duration) (bool, error) {
	sessions, err := r.LastSeen(ctx, []string{peerID})
	if err != nil {
		return false, err
	}
	s, ok := sessions[peerID]
	if !ok {
		return false, nil
	}
	return time.Since(s.LastSeen) < ttl, nil
}
