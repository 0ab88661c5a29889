package gatherer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSessionTTL = 24 * time.Hour

// RedisStore keeps each session as a JSON value under gatherer:session:<conversation id>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	// retries bounds optimistic Update attempts when the key changes underneath.
	retries int
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{client: client, ttl: ttl, retries: 5}
}

func sessionKey(id string) string { return fmt.Sprintf("gatherer:session:%s", id) }

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	return r.get(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, id string) (Session, error) {
	raw, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s.clone(), nil
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, sessionKey(s.ConversationID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return nil
}

// Update runs fn inside a WATCH transaction and retries when another writer wins.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(Session) (Session, error)) (Session, error) {
	key := sessionKey(id)
	var out Session
	txf := func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, r.ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}
	for i := 0; i < r.retries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Session{}, fmt.Errorf("update session %s: too much contention", id)
}
