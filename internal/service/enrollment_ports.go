package service

import (
	"context"
	"time"

	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/internal/model"
)

// EnrollmentStore 选课聚合的持久化契约，由 repository.EnrollmentRepository 实现
type EnrollmentStore interface {
	FindByID(ctx context.Context, id string) (*enrollment.Enrollment, error)
	FindByStudent(ctx context.Context, tenantID, studentID string) ([]*enrollment.Enrollment, error)
	FindByCourseID(ctx context.Context, courseID string) ([]*enrollment.Enrollment, error)
	FindOpenByStudentAndCourse(ctx context.Context, tenantID, studentID, courseID string) (*enrollment.Enrollment, error)
	FindExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	Save(ctx context.Context, e *enrollment.Enrollment) error
}

// CourseReader 课程结构只读访问 + 选课计数
type CourseReader interface {
	FindByID(ctx context.Context, courseID, tenantID string) (*model.Course, error)
	FindByIDAnyTenant(ctx context.Context, courseID string) (*model.Course, error)
	IncrementEnrollmentCount(ctx context.Context, courseID string, delta int) error
}

type CertificateRequest struct {
	EnrollmentID string
	TenantID     string
	StudentID    string
	CourseID     string
	CompletedAt  time.Time
}

// CertificateIssuer 签发证书并返回证书 ID；同一选课重复调用返回同一证书
type CertificateIssuer interface {
	Issue(ctx context.Context, req CertificateRequest) (string, error)
}

// CertificateAttacher 将已签发的证书挂接到选课
type CertificateAttacher interface {
	AttachCertificate(ctx context.Context, enrollmentID, certificateID string) error
}

// Locker 按 key 串行化写操作；release 必须调用
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
