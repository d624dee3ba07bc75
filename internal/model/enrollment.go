package model

import (
	"time"

	"gorm.io/datatypes"
)

// Enrollment 选课聚合根的持久化行，Version 用于乐观锁
type Enrollment struct {
	UUIDBase
	TenantID             string     `gorm:"type:varchar(36);index;not null"`
	StudentID            string     `gorm:"type:varchar(36);index:idx_enrollment_student_course;not null"`
	CourseID             string     `gorm:"type:varchar(36);index:idx_enrollment_student_course;index;not null"`
	PaymentIntentID      string     `gorm:"size:128"`
	Status               string     `gorm:"size:20;index:idx_enrollment_status_expiry;not null"`
	CompletionPercentage int        `gorm:"default:0"`
	TotalTimeSpent       int        `gorm:"default:0"`
	EnrolledAt           time.Time  `gorm:"not null"`
	LastAccessedAt       *time.Time
	CompletedAt          *time.Time
	ExpiresAt            *time.Time `gorm:"index:idx_enrollment_status_expiry"`
	CertificateID        string     `gorm:"type:varchar(36)"`
	SuspendReason        string     `gorm:"size:255"`
	Version              int        `gorm:"not null;default:0"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}

type LessonProgress struct {
	EnrollmentID     string `gorm:"primaryKey;type:varchar(36)"`
	LessonID         string `gorm:"primaryKey;type:varchar(36)"`
	ModuleID         string `gorm:"type:varchar(36);index"`
	Status           string `gorm:"size:20;not null"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastAccessedAt   *time.Time
	TimeSpentSeconds int `gorm:"default:0"`
	Attempts         int `gorm:"default:0"`
	Score            *float64
	Passed           *bool
	ProgressData     datatypes.JSON
	UpdatedAt        time.Time
}

func (LessonProgress) TableName() string {
	return "lesson_progress"
}

type ModuleProgress struct {
	EnrollmentID      string `gorm:"primaryKey;type:varchar(36)"`
	ModuleID          string `gorm:"primaryKey;type:varchar(36)"`
	TotalLessons      int    `gorm:"default:0"`
	CompletedLessons  int    `gorm:"default:0"`
	InProgressLessons int    `gorm:"default:0"`
	TotalTimeSpent    int    `gorm:"default:0"`
	UpdatedAt         time.Time
}

func (ModuleProgress) TableName() string {
	return "module_progress"
}

// EnrollmentEvent 事务性 outbox：与聚合在同一事务写入，再由分发器投递
type EnrollmentEvent struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	EventID      string         `gorm:"type:varchar(36);uniqueIndex;not null"`
	EnrollmentID string         `gorm:"type:varchar(36);uniqueIndex:idx_event_dedupe;not null"`
	DedupeKey    string         `gorm:"size:128;uniqueIndex:idx_event_dedupe;not null"`
	Name         string         `gorm:"size:64;not null"`
	Payload      datatypes.JSON `gorm:"not null"`
	OccurredAt   time.Time      `gorm:"not null"`
	PublishedAt  *time.Time     `gorm:"index"`
	FailedAt     *time.Time     `gorm:"index"` // 超过最大投递次数，不再重试
	Attempts     int            `gorm:"default:0"`
	LastError    string         `gorm:"size:512"`
	CreatedAt    time.Time
}

func (EnrollmentEvent) TableName() string {
	return "enrollment_events"
}
