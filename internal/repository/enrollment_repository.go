package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coursehub_backend/internal/domain"
	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnrollmentRepository struct {
	DB    *gorm.DB
	Hooks Hooks
	Clock func() time.Time
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: db, Hooks: noopHooks{}, Clock: time.Now}
}

// 仍占用名额的状态：同一学员同一课程只允许一条
var openStatuses = []string{string(enrollment.StatusActive), string(enrollment.StatusSuspended)}

func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	const op = "Enrollment.FindByID"
	var row model.Enrollment
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, MapError(op, err)
	}
	out, err := r.hydrate(ctx, []model.Enrollment{row})
	if err != nil {
		return nil, MapError(op, err)
	}
	return out[0], nil
}

// FindByUserID 跨租户查询某用户的全部选课
func (r *EnrollmentRepository) FindByUserID(ctx context.Context, userID string) ([]*enrollment.Enrollment, error) {
	return r.findMany(ctx, "Enrollment.FindByUserID", func(db *gorm.DB) *gorm.DB {
		return db.Where("student_id = ?", userID)
	})
}

// FindByStudent 租户内某学员的全部选课
func (r *EnrollmentRepository) FindByStudent(ctx context.Context, tenantID, studentID string) ([]*enrollment.Enrollment, error) {
	return r.findMany(ctx, "Enrollment.FindByStudent", func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ? AND student_id = ?", tenantID, studentID)
	})
}

func (r *EnrollmentRepository) FindByCourseID(ctx context.Context, courseID string) ([]*enrollment.Enrollment, error) {
	return r.findMany(ctx, "Enrollment.FindByCourseID", func(db *gorm.DB) *gorm.DB {
		return db.Where("course_id = ?", courseID)
	})
}

// FindByUserAndCourse 返回最近一次选课；不存在时返回 NotFound
func (r *EnrollmentRepository) FindByUserAndCourse(ctx context.Context, userID, courseID string) (*enrollment.Enrollment, error) {
	return r.findLatest(ctx, "Enrollment.FindByUserAndCourse", func(db *gorm.DB) *gorm.DB {
		return db.Where("student_id = ? AND course_id = ?", userID, courseID)
	})
}

func (r *EnrollmentRepository) FindByStudentAndCourse(ctx context.Context, tenantID, studentID, courseID string) (*enrollment.Enrollment, error) {
	return r.findLatest(ctx, "Enrollment.FindByStudentAndCourse", func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ? AND student_id = ? AND course_id = ?", tenantID, studentID, courseID)
	})
}

// FindOpenByStudentAndCourse 查找 active/suspended 状态的选课
func (r *EnrollmentRepository) FindOpenByStudentAndCourse(ctx context.Context, tenantID, studentID, courseID string) (*enrollment.Enrollment, error) {
	return r.findLatest(ctx, "Enrollment.FindOpenByStudentAndCourse", func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ? AND student_id = ? AND course_id = ? AND status IN ?",
			tenantID, studentID, courseID, openStatuses)
	})
}

// FindExpiredIDs 有效期已过但状态尚未更新的选课
func (r *EnrollmentRepository) FindExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Model(&model.Enrollment{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", openStatuses, now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, MapError("Enrollment.FindExpiredIDs", err)
	}
	return ids, nil
}

// Save 原子地保存聚合根、课时/模块进度及待发布事件。
// 已存在的聚合按版本号做 CAS，快照过期时返回 conflict
func (r *EnrollmentRepository) Save(ctx context.Context, e *enrollment.Enrollment) error {
	const op = "Enrollment.Save"
	snap := e.Snapshot()
	events := e.PendingEvents()
	nextVersion := snap.Version + 1

	err := executeWrite(ctx, r.DB, r.Hooks, op, func(tx *gorm.DB) error {
		row := toEnrollmentRow(snap)
		row.Version = nextVersion

		if snap.Version == 0 {
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		} else {
			res := tx.Model(&model.Enrollment{}).
				Where("id = ? AND version = ?", snap.ID, snap.Version).
				Updates(map[string]any{
					"status":                row.Status,
					"completion_percentage": row.CompletionPercentage,
					"total_time_spent":      row.TotalTimeSpent,
					"last_accessed_at":      row.LastAccessedAt,
					"completed_at":          row.CompletedAt,
					"expires_at":            row.ExpiresAt,
					"certificate_id":        row.CertificateID,
					"suspend_reason":        row.SuspendReason,
					"version":               nextVersion,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: enrollment %s at version %d", ErrStaleVersion, snap.ID, snap.Version)
			}
		}

		if err := r.saveLessons(tx, snap); err != nil {
			return err
		}
		if err := r.saveModules(tx, snap); err != nil {
			return err
		}
		return r.appendEvents(tx, events)
	})
	if err != nil {
		return err
	}
	e.MarkPersisted(nextVersion)
	return nil
}

func (r *EnrollmentRepository) saveLessons(tx *gorm.DB, snap enrollment.Snapshot) error {
	if len(snap.Lessons) == 0 {
		return nil
	}
	rows := make([]model.LessonProgress, 0, len(snap.Lessons))
	now := r.now()
	for _, p := range snap.Lessons {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return err
		}
		rows = append(rows, model.LessonProgress{
			EnrollmentID:     snap.ID,
			LessonID:         p.LessonID,
			ModuleID:         p.ModuleID,
			Status:           string(p.Status),
			StartedAt:        p.StartedAt,
			CompletedAt:      p.CompletedAt,
			LastAccessedAt:   p.LastAccessedAt,
			TimeSpentSeconds: p.TimeSpentSeconds,
			Attempts:         p.Attempts,
			Score:            p.Score,
			Passed:           p.Passed,
			ProgressData:     datatypes.JSON(data),
			UpdatedAt:        now,
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "enrollment_id"}, {Name: "lesson_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
}

func (r *EnrollmentRepository) saveModules(tx *gorm.DB, snap enrollment.Snapshot) error {
	if len(snap.Modules) == 0 {
		return nil
	}
	rows := make([]model.ModuleProgress, 0, len(snap.Modules))
	now := r.now()
	for _, m := range snap.Modules {
		rows = append(rows, model.ModuleProgress{
			EnrollmentID:      snap.ID,
			ModuleID:          m.ModuleID,
			TotalLessons:      m.TotalLessons,
			CompletedLessons:  m.CompletedLessons,
			InProgressLessons: m.InProgressLessons,
			TotalTimeSpent:    m.TotalTimeSpent,
			UpdatedAt:         now,
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "enrollment_id"}, {Name: "module_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
}

// appendEvents 写入 outbox；(enrollment_id, dedupe_key) 已存在的事件被忽略
func (r *EnrollmentRepository) appendEvents(tx *gorm.DB, events []enrollment.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.EnrollmentEvent, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		meta := ev.Meta()
		rows = append(rows, model.EnrollmentEvent{
			EventID:      uuid.New().String(),
			EnrollmentID: meta.EnrollmentID,
			DedupeKey:    ev.DedupeKey(),
			Name:         ev.Name(),
			Payload:      datatypes.JSON(payload),
			OccurredAt:   meta.OccurredAt,
		})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *EnrollmentRepository) findLatest(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) (*enrollment.Enrollment, error) {
	var row model.Enrollment
	err := scope(r.DB.WithContext(ctx)).Order("enrolled_at DESC").First(&row).Error
	if err != nil {
		return nil, MapError(op, err)
	}
	out, err := r.hydrate(ctx, []model.Enrollment{row})
	if err != nil {
		return nil, MapError(op, err)
	}
	return out[0], nil
}

func (r *EnrollmentRepository) findMany(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) ([]*enrollment.Enrollment, error) {
	var rows []model.Enrollment
	if err := scope(r.DB.WithContext(ctx)).Order("enrolled_at DESC").Find(&rows).Error; err != nil {
		return nil, MapError(op, err)
	}
	out, err := r.hydrate(ctx, rows)
	if err != nil {
		return nil, MapError(op, err)
	}
	return out, nil
}

// hydrate 批量加载课时/模块进度并重建聚合
func (r *EnrollmentRepository) hydrate(ctx context.Context, rows []model.Enrollment) ([]*enrollment.Enrollment, error) {
	if len(rows) == 0 {
		return []*enrollment.Enrollment{}, nil
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	var lessonRows []model.LessonProgress
	if err := r.DB.WithContext(ctx).Where("enrollment_id IN ?", ids).Find(&lessonRows).Error; err != nil {
		return nil, err
	}
	var moduleRows []model.ModuleProgress
	if err := r.DB.WithContext(ctx).Where("enrollment_id IN ?", ids).Find(&moduleRows).Error; err != nil {
		return nil, err
	}

	lessonsBy := make(map[string][]enrollment.LessonProgress, len(rows))
	for _, lr := range lessonRows {
		p, err := fromLessonRow(lr)
		if err != nil {
			return nil, domain.NewError(domain.CodeInternal, "Enrollment.hydrate",
				fmt.Sprintf("corrupt progress data for lesson %s", lr.LessonID), err)
		}
		lessonsBy[lr.EnrollmentID] = append(lessonsBy[lr.EnrollmentID], p)
	}
	modulesBy := make(map[string][]enrollment.ModuleProgress, len(rows))
	for _, mr := range moduleRows {
		modulesBy[mr.EnrollmentID] = append(modulesBy[mr.EnrollmentID], enrollment.ModuleProgress{
			ModuleID:          mr.ModuleID,
			TotalLessons:      mr.TotalLessons,
			CompletedLessons:  mr.CompletedLessons,
			InProgressLessons: mr.InProgressLessons,
			TotalTimeSpent:    mr.TotalTimeSpent,
		})
	}

	out := make([]*enrollment.Enrollment, 0, len(rows))
	for _, row := range rows {
		out = append(out, enrollment.Restore(enrollment.Snapshot{
			ID:                   row.ID,
			TenantID:             row.TenantID,
			StudentID:            row.StudentID,
			CourseID:             row.CourseID,
			PaymentIntentID:      row.PaymentIntentID,
			Status:               enrollment.Status(row.Status),
			CompletionPercentage: row.CompletionPercentage,
			TotalTimeSpent:       row.TotalTimeSpent,
			EnrolledAt:           row.EnrolledAt,
			LastAccessedAt:       row.LastAccessedAt,
			CompletedAt:          row.CompletedAt,
			ExpiresAt:            row.ExpiresAt,
			CertificateID:        row.CertificateID,
			SuspendReason:        row.SuspendReason,
			Version:              row.Version,
			Lessons:              lessonsBy[row.ID],
			Modules:              modulesBy[row.ID],
		}, enrollment.WithClock(r.now)))
	}
	return out, nil
}

func (r *EnrollmentRepository) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock()
}

func toEnrollmentRow(s enrollment.Snapshot) model.Enrollment {
	return model.Enrollment{
		UUIDBase:             model.UUIDBase{ID: s.ID},
		TenantID:             s.TenantID,
		StudentID:            s.StudentID,
		CourseID:             s.CourseID,
		PaymentIntentID:      s.PaymentIntentID,
		Status:               string(s.Status),
		CompletionPercentage: s.CompletionPercentage,
		TotalTimeSpent:       s.TotalTimeSpent,
		EnrolledAt:           s.EnrolledAt,
		LastAccessedAt:       s.LastAccessedAt,
		CompletedAt:          s.CompletedAt,
		ExpiresAt:            s.ExpiresAt,
		CertificateID:        s.CertificateID,
		SuspendReason:        s.SuspendReason,
	}
}

func fromLessonRow(lr model.LessonProgress) (enrollment.LessonProgress, error) {
	var data enrollment.ProgressData
	if len(lr.ProgressData) > 0 {
		if err := json.Unmarshal(lr.ProgressData, &data); err != nil {
			return enrollment.LessonProgress{}, err
		}
	}
	return enrollment.LessonProgress{
		LessonID:         lr.LessonID,
		ModuleID:         lr.ModuleID,
		Status:           enrollment.LessonStatus(lr.Status),
		StartedAt:        lr.StartedAt,
		CompletedAt:      lr.CompletedAt,
		LastAccessedAt:   lr.LastAccessedAt,
		TimeSpentSeconds: lr.TimeSpentSeconds,
		Attempts:         lr.Attempts,
		Score:            lr.Score,
		Passed:           lr.Passed,
		Data:             data,
	}, nil
}
