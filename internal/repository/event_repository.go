package repository

import (
	"context"
	"time"

	"coursehub_backend/internal/model"

	"gorm.io/gorm"
)

// EventRepository 选课事件 outbox 的读写
type EventRepository struct {
	DB *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{DB: db}
}

// FetchPending 按写入顺序取出尚未投递、也未进入死信的事件
func (r *EventRepository) FetchPending(ctx context.Context, limit int) ([]model.EnrollmentEvent, error) {
	var events []model.EnrollmentEvent
	err := r.DB.WithContext(ctx).
		Where("published_at IS NULL AND failed_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, MapError("Event.FetchPending", err)
	}
	return events, nil
}

func (r *EventRepository) MarkPublished(ctx context.Context, id uint, at time.Time) error {
	err := r.DB.WithContext(ctx).Model(&model.EnrollmentEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Updates(map[string]any{
			"published_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error
	return MapError("Event.MarkPublished", err)
}

func (r *EventRepository) MarkFailed(ctx context.Context, id uint, cause string) error {
	err := r.DB.WithContext(ctx).Model(&model.EnrollmentEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateCause(cause),
		}).Error
	return MapError("Event.MarkFailed", err)
}

// MarkDead 最后一次失败：记录错误并移出待投递队列
func (r *EventRepository) MarkDead(ctx context.Context, id uint, cause string, at time.Time) error {
	err := r.DB.WithContext(ctx).Model(&model.EnrollmentEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateCause(cause),
			"failed_at":  at,
		}).Error
	return MapError("Event.MarkDead", err)
}

// ListDead 死信事件，供排查和人工重放
func (r *EventRepository) ListDead(ctx context.Context, limit int) ([]model.EnrollmentEvent, error) {
	var events []model.EnrollmentEvent
	err := r.DB.WithContext(ctx).
		Where("failed_at IS NOT NULL").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, MapError("Event.ListDead", err)
	}
	return events, nil
}

func truncateCause(cause string) string {
	if len(cause) > 500 {
		return cause[:500]
	}
	return cause
}

func (r *EventRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]model.EnrollmentEvent, error) {
	var events []model.EnrollmentEvent
	err := r.DB.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, MapError("Event.ListByEnrollment", err)
	}
	return events, nil
}
