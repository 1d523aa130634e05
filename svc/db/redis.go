package db

import (
	"context"
	"encoding/json"
	"time"

	"bindrop/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is an optional second cache tier for paste rows, sitting between
// the in-process LRU and sqlite on the fetch path. Only metadata rows are
// cached, never blob content.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, timeout time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: timeout,
	}, nil
}

func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, "paste:"+p.ID, data, ttl).Err(), "set paste")
}

func (r *Redis) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, "paste:"+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, "paste:"+id).Err(); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
