// Package lease provides a Redis-backed mutual exclusion lease so that only
// one process starts a given runbook at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deskmate/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL    = 30 * time.Minute
	DefaultPrefix = "deskmate:lease:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Redis struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	renewEvery time.Duration
	log        zerolog.Logger
}

func NewRedis(redisAddr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFromClient(client, ttl), nil
}

func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client:     client,
		prefix:     DefaultPrefix,
		ttl:        ttl,
		renewEvery: max(ttl/3, time.Millisecond),
		log:        logging.Component("lease"),
	}
}

// TryLock takes the lease on key if nobody holds it. While held, the lease
// is extended every third of the TTL until unlock is called or ctx ends, so
// a crashed holder loses it after at most one TTL. unlock only deletes the
// lease it took, never one acquired by another holder after expiry.
func (r *Redis) TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error) {
	token := uuid.New().String()
	redisKey := r.prefix + key

	acquired, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(ctx, key, token, stop, done)

	var once sync.Once
	unlock = func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done

		err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release lease %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}

// renew extends the lease until stop is closed, ctx ends or the lease turns
// out to belong to another holder.
func (r *Redis) renew(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := renewScript.Run(ctx, r.client, []string{r.prefix + key}, token, r.ttl.Milliseconds()).Int64()
		switch {
		case errors.Is(err, redis.ErrClosed):
			return
		case err != nil:
			r.log.Warn().Err(err).Str("key", key).Msg("failed to renew lease")
		case n == 0:
			r.log.Warn().Str("key", key).Msg("lease lost while held")
			return
		}
	}
}

// Held reports whether key is currently leased.
func (r *Redis) Held(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
