package repository

import (
	"context"

	"coursehub_backend/internal/model"

	"gorm.io/gorm"
)

// CourseRepository 课程结构只读访问 + 选课计数
type CourseRepository struct {
	DB *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{DB: db}
}

// FindByID 加载课程及其模块、课时（均按 order 排序）
func (r *CourseRepository) FindByID(ctx context.Context, courseID, tenantID string) (*model.Course, error) {
	return r.findOne(ctx, "Course.FindByID", func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND tenant_id = ?", courseID, tenantID)
	})
}

// FindByIDAnyTenant 不限租户，仅供平台级管理员使用
func (r *CourseRepository) FindByIDAnyTenant(ctx context.Context, courseID string) (*model.Course, error) {
	return r.findOne(ctx, "Course.FindByIDAnyTenant", func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", courseID)
	})
}

func (r *CourseRepository) findOne(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) (*model.Course, error) {
	var course model.Course
	err := r.DB.WithContext(ctx).
		Preload("Modules", func(db *gorm.DB) *gorm.DB {
			return db.Order("`order` ASC, id ASC")
		}).
		Preload("Modules.Lessons", func(db *gorm.DB) *gorm.DB {
			return db.Order("`order` ASC, id ASC")
		}).
		Scopes(scope).
		First(&course).Error
	if err != nil {
		return nil, MapError(op, err)
	}
	return &course, nil
}

// IncrementEnrollmentCount 与选课保存不在同一事务，失败时由对账任务修正
func (r *CourseRepository) IncrementEnrollmentCount(ctx context.Context, courseID string, delta int) error {
	err := r.DB.WithContext(ctx).Model(&model.Course{}).
		Where("id = ?", courseID).
		UpdateColumn("enrollment_count", gorm.Expr("enrollment_count + ?", delta)).Error
	return MapError("Course.IncrementEnrollmentCount", err)
}

// ReconcileEnrollmentCounts 按选课表重新统计所有课程的选课数，返回被修正的课程数
func (r *CourseRepository) ReconcileEnrollmentCounts(ctx context.Context) (int64, error) {
	res := r.DB.WithContext(ctx).Exec(`
		UPDATE courses SET enrollment_count = (
			SELECT COUNT(*) FROM enrollments
			WHERE enrollments.course_id = courses.id AND enrollments.deleted_at IS NULL
		)
		WHERE deleted_at IS NULL AND enrollment_count <> (
			SELECT COUNT(*) FROM enrollments
			WHERE enrollments.course_id = courses.id AND enrollments.deleted_at IS NULL
		)`)
	if res.Error != nil {
		return 0, MapError("Course.ReconcileEnrollmentCounts", res.Error)
	}
	return res.RowsAffected, nil
}
