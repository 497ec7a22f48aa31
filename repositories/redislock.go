package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

const (
	DefaultLockKey = "vulndash:processing:lock"
	DefaultLockTTL = time.Hour
)

// deletes the key only if it still holds our token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a RunLock shared by every replica pointing at the same Redis
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	mu     sync.Mutex
	token  string
}

var _ ports.RunLock = (*RedisLock)(nil)

// NewRedisLock connects to url and checks the connection
func NewRedisLock(ctx context.Context, url, key string, ttl time.Duration) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}, nil
}

// TryLock takes the lock without waiting, the TTL bounds a crashed holder
func (r *RedisLock) TryLock(ctx context.Context) (bool, error) {
	ctx, span := otel.Tracer("").Start(ctx, "RedisLock.TryLock")
	defer span.End()
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", r.key, err)
	}
	if ok {
		r.mu.Lock()
		r.token = token
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *RedisLock) Unlock(ctx context.Context) error {
	ctx, span := otel.Tracer("").Start(ctx, "RedisLock.Unlock")
	defer span.End()
	r.mu.Lock()
	token := r.token
	r.token = ""
	r.mu.Unlock()
	if token == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisLock) Close() error {
	return r.client.Close()
}
