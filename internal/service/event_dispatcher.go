package service

import (
	"context"
	"coursehub_backend/internal/model"
	"coursehub_backend/pkg/logger"
	"coursehub_backend/pkg/monitoring"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OutboxStore 由 repository.EventRepository 实现
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]model.EnrollmentEvent, error)
	MarkPublished(ctx context.Context, id uint, at time.Time) error
	MarkFailed(ctx context.Context, id uint, cause string) error
	MarkDead(ctx context.Context, id uint, cause string, at time.Time) error
}

// EventDispatcher 将 outbox 中未投递的事件转发到事件总线
type EventDispatcher struct {
	outbox      OutboxStore
	bus         EventBus
	batch       int
	maxAttempts int
	now         func() time.Time
	mu          sync.Mutex
}

func NewEventDispatcher(outbox OutboxStore, bus EventBus, batch, maxAttempts int) *EventDispatcher {
	if batch <= 0 {
		batch = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &EventDispatcher{outbox: outbox, bus: bus, batch: batch, maxAttempts: maxAttempts, now: time.Now}
}

// Flush 投递一批待发事件，返回成功条数。
// 失败的事件记录错误后留待下次重试，累计 maxAttempts 次失败后进入死信
func (d *EventDispatcher) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, err := d.outbox.FetchPending(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		msg := EventMessage{
			ID:           ev.EventID,
			Name:         ev.Name,
			EnrollmentID: ev.EnrollmentID,
			OccurredAt:   ev.OccurredAt,
			Payload:      json.RawMessage(ev.Payload),
		}
		if err := d.bus.Publish(ctx, msg); err != nil {
			if ev.Attempts+1 >= d.maxAttempts {
				monitoring.EventsPublished.WithLabelValues(ev.Name, "dead").Inc()
				logger.Log.Error("Enrollment event moved to dead letter",
					zap.String("event_id", ev.EventID),
					zap.String("event", ev.Name),
					zap.Int("attempts", ev.Attempts+1),
					zap.Error(err))
				if markErr := d.outbox.MarkDead(ctx, ev.ID, err.Error(), d.now().UTC()); markErr != nil {
					return published, markErr
				}
				continue
			}
			monitoring.EventsPublished.WithLabelValues(ev.Name, "error").Inc()
			logger.Log.Warn("Failed to publish enrollment event",
				zap.String("event_id", ev.EventID),
				zap.String("event", ev.Name),
				zap.Error(err))
			if markErr := d.outbox.MarkFailed(ctx, ev.ID, err.Error()); markErr != nil {
				return published, markErr
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, ev.ID, d.now().UTC()); err != nil {
			return published, err
		}
		monitoring.EventsPublished.WithLabelValues(ev.Name, "ok").Inc()
		published++
	}
	return published, nil
}

// Run 周期性 Flush，直到 ctx 取消
func (d *EventDispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
				logger.Log.Error("Event dispatch failed", zap.Error(err))
			}
		}
	}
}
