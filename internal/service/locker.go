package service

import (
	"context"
	"coursehub_backend/internal/domain"
	"coursehub_backend/pkg/logger"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 只有持有者才能释放锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 基于 SET NX PX 的分布式锁，跨实例串行化同一选课的写操作
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	poll   time.Duration
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "coursehub:lock:", poll: 25 * time.Millisecond}
}

// Acquire 轮询直到拿到锁；等待上限为 ttl 或 ctx 截止
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	const op = "RedisLocker.Acquire"
	token := uuid.NewString()
	fullKey := l.prefix + key
	deadline := time.Now().Add(ttl)

	for {
		ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, domain.NewError(domain.CodeInternal, op, "redis lock failed", err)
		}
		if ok {
			return func() {
				// 使用独立 ctx，请求取消后仍能释放
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.rdb, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
					logger.Log.Warn("Failed to release lock", zap.String("key", fullKey), zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.NewError(domain.CodeConflict, op, "timed out waiting for lock "+key, nil)
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.CodeConflict, op, "lock wait cancelled", ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

// LocalLocker 进程内按 key 的互斥锁，Redis 未配置时使用
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if ttl > 0 {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lk.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lk.ch
				l.unref(key, lk)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, lk)
		return nil, domain.NewError(domain.CodeConflict, "LocalLocker.Acquire", "lock wait cancelled", ctx.Err())
	case <-timeout:
		l.unref(key, lk)
		return nil, domain.NewError(domain.CodeConflict, "LocalLocker.Acquire", "timed out waiting for lock "+key, nil)
	}
}

func (l *LocalLocker) unref(key string, lk *localLock) {
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
