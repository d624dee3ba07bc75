package enrollment

import "time"

// Snapshot 聚合的完整状态，供仓储读写
type Snapshot struct {
	ID                   string
	TenantID             string
	StudentID            string
	CourseID             string
	PaymentIntentID      string
	Status               Status
	CompletionPercentage int
	TotalTimeSpent       int
	EnrolledAt           time.Time
	LastAccessedAt       *time.Time
	CompletedAt          *time.Time
	ExpiresAt            *time.Time
	CertificateID        string
	SuspendReason        string
	Version              int
	Lessons              []LessonProgress
	Modules              []ModuleProgress
}

func (e *Enrollment) Snapshot() Snapshot {
	return Snapshot{
		ID:                   e.id,
		TenantID:             e.tenantID,
		StudentID:            e.studentID,
		CourseID:             e.courseID,
		PaymentIntentID:      e.paymentIntentID,
		Status:               e.status,
		CompletionPercentage: e.completionPercentage,
		TotalTimeSpent:       e.totalTimeSpent,
		EnrolledAt:           e.enrolledAt,
		LastAccessedAt:       copyTime(e.lastAccessedAt),
		CompletedAt:          copyTime(e.completedAt),
		ExpiresAt:            copyTime(e.expiresAt),
		CertificateID:        e.certificateID,
		SuspendReason:        e.suspendReason,
		Version:              e.version,
		Lessons:              e.Lessons(),
		Modules:              e.Modules(),
	}
}

// Restore 从持久化状态重建聚合，不产生任何事件
func Restore(s Snapshot, opts ...Option) *Enrollment {
	e := &Enrollment{
		id:                   s.ID,
		tenantID:             s.TenantID,
		studentID:            s.StudentID,
		courseID:             s.CourseID,
		paymentIntentID:      s.PaymentIntentID,
		status:               s.Status,
		completionPercentage: s.CompletionPercentage,
		totalTimeSpent:       s.TotalTimeSpent,
		enrolledAt:           s.EnrolledAt,
		lastAccessedAt:       copyTime(s.LastAccessedAt),
		completedAt:          copyTime(s.CompletedAt),
		expiresAt:            copyTime(s.ExpiresAt),
		certificateID:        s.CertificateID,
		suspendReason:        s.SuspendReason,
		version:              s.Version,
		lessons:              make(map[string]LessonProgress, len(s.Lessons)),
		modules:              make(map[string]ModuleProgress, len(s.Modules)),
		clock:                time.Now,
	}
	if e.status == "" {
		e.status = StatusActive
	}
	for _, p := range s.Lessons {
		e.lessons[p.LessonID] = p
	}
	for _, m := range s.Modules {
		e.modules[m.ModuleID] = m
	}
	for _, o := range opts {
		o(e)
	}
	return e
}
