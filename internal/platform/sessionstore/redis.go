package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/casemerge/internal/merge"
)

const keyPrefix = "merge:session:"

// Redis stores sessions as JSON under merge:session:<id> so any replica can
// continue a session.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects using a redis:// URL and checks the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (r *Redis) Put(ctx context.Context, st merge.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.ID, err)
	}
	if err := r.rdb.Set(ctx, key(st.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", st.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id uuid.UUID) (merge.State, error) {
	data, err := r.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return merge.State{}, fmt.Errorf("%w: %s", merge.ErrSessionNotFound, id)
	}
	if err != nil {
		return merge.State{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var st merge.State
	if err := json.Unmarshal(data, &st); err != nil {
		return merge.State{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return st, nil
}

func (r *Redis) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.rdb.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
