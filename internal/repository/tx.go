package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"coursehub_backend/internal/domain"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrStaleVersion 乐观锁比较失败
var ErrStaleVersion = errors.New("enrollment version changed since load")

// Hooks 仓储写操作的观测钩子
type Hooks interface {
	ObserveOperation(name, status string, dur time.Duration)
	IncConflict(name string)
}

type noopHooks struct{}

func (noopHooks) ObserveOperation(string, string, time.Duration) {}
func (noopHooks) IncConflict(string)                             {}

func executeWrite(ctx context.Context, db *gorm.DB, hooks Hooks, op string, fn func(tx *gorm.DB) error) error {
	if hooks == nil {
		hooks = noopHooks{}
	}
	start := time.Now()
	err := db.WithContext(ctx).Transaction(fn)
	mapped := MapError(op, err)

	status := "success"
	if mapped != nil {
		status = string(domain.CodeOf(mapped))
		if domain.IsCode(mapped, domain.CodeConflict) {
			hooks.IncConflict(op)
		}
	}
	hooks.ObserveOperation(op, status, time.Since(start))
	return mapped
}

// MapError 将 gorm / 驱动错误映射为领域错误码
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, ErrStaleVersion):
		return domain.Wrap(domain.CodeConflict, op, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.Wrap(domain.CodeNotFound, op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.Wrap(domain.CodeAlreadyExists, op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062: // ER_DUP_ENTRY
			return domain.Wrap(domain.CodeAlreadyExists, op, err)
		case 1213, 1205: // deadlock / lock wait timeout
			return domain.Wrap(domain.CodeConflict, op, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"), strings.Contains(msg, "duplicate entry"):
		return domain.Wrap(domain.CodeAlreadyExists, op, err)
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "database is locked"):
		return domain.Wrap(domain.CodeConflict, op, err)
	}
	return domain.Wrap(domain.CodeInternal, op, err)
}
