package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// EventMessage outbox 中一条领域事件的投递形态
type EventMessage struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	EnrollmentID string          `json:"enrollmentId"`
	OccurredAt   time.Time       `json:"occurredAt"`
	Payload      json.RawMessage `json:"payload"`
}

type EventHandler func(ctx context.Context, msg EventMessage) error

// EventBus 至少一次投递；消费者需按 EventMessage.ID 幂等
type EventBus interface {
	Publish(ctx context.Context, msg EventMessage) error
}

// LocalEventBus 进程内订阅分发
type LocalEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{handlers: make(map[string][]EventHandler)}
}

func (b *LocalEventBus) Subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *LocalEventBus) Publish(ctx context.Context, msg EventMessage) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[msg.Name]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisEventPublisher 将事件 PUBLISH 到 Redis 频道，供下游通知/统计服务订阅
type RedisEventPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisEventPublisher(rdb *redis.Client, channel string) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb, channel: channel}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, data).Err()
}

// FanoutBus 依次投递到全部总线
type FanoutBus []EventBus

func (f FanoutBus) Publish(ctx context.Context, msg EventMessage) error {
	var errs []error
	for _, b := range f {
		if err := b.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
