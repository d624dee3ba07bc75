package enrollment

import (
	"strconv"
	"time"
)

const (
	EventEnrollmentCreated     = "enrollment.created"
	EventLessonCompleted       = "enrollment.lesson_completed"
	EventModuleCompleted       = "enrollment.module_completed"
	EventCourseCompleted       = "enrollment.course_completed"
	EventCertificateIssued     = "enrollment.certificate_issued"
	EventEnrollmentSuspended   = "enrollment.suspended"
	EventEnrollmentReactivated = "enrollment.reactivated"
	EventEnrollmentExpired     = "enrollment.expired"
)

// Event 领域事件。DedupeKey 在同一 Enrollment 内唯一标识一个事实，
// 持久化层据此拒绝重复事件
type Event interface {
	Name() string
	DedupeKey() string
	Meta() EventHeader
}

type EventHeader struct {
	EnrollmentID string    `json:"enrollmentId"`
	TenantID     string    `json:"tenantId"`
	StudentID    string    `json:"studentId"`
	CourseID     string    `json:"courseId"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (h EventHeader) Meta() EventHeader { return h }

type EnrollmentCreatedEvent struct {
	EventHeader
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

func (EnrollmentCreatedEvent) Name() string      { return EventEnrollmentCreated }
func (EnrollmentCreatedEvent) DedupeKey() string { return "created" }

type LessonCompletedEvent struct {
	EventHeader
	LessonID string   `json:"lessonId"`
	Score    *float64 `json:"score,omitempty"`
	Passed   bool     `json:"passed"`
}

func (LessonCompletedEvent) Name() string        { return EventLessonCompleted }
func (e LessonCompletedEvent) DedupeKey() string { return "lesson_completed:" + e.LessonID }

type ModuleCompletedEvent struct {
	EventHeader
	ModuleID string `json:"moduleId"`
}

func (ModuleCompletedEvent) Name() string        { return EventModuleCompleted }
func (e ModuleCompletedEvent) DedupeKey() string { return "module_completed:" + e.ModuleID }

type CourseCompletedEvent struct {
	EventHeader
	CertificateIssued bool   `json:"certificateIssued"`
	CertificateID     string `json:"certificateId,omitempty"`
}

func (CourseCompletedEvent) Name() string      { return EventCourseCompleted }
func (CourseCompletedEvent) DedupeKey() string { return "course_completed" }

type CertificateIssuedEvent struct {
	EventHeader
	CertificateID string `json:"certificateId"`
}

func (CertificateIssuedEvent) Name() string      { return EventCertificateIssued }
func (CertificateIssuedEvent) DedupeKey() string { return "certificate_issued" }

// Transition 标识可重复发生的状态切换：聚合版本号 + 本轮未提交事件中的位置
type Transition struct {
	Version  int `json:"version"`
	Position int `json:"position"`
}

func (t Transition) key(prefix string) string {
	return prefix + ":" + strconv.Itoa(t.Version) + "." + strconv.Itoa(t.Position)
}

type EnrollmentSuspendedEvent struct {
	EventHeader
	Transition
	Reason string `json:"reason,omitempty"`
}

func (EnrollmentSuspendedEvent) Name() string        { return EventEnrollmentSuspended }
func (e EnrollmentSuspendedEvent) DedupeKey() string { return e.key("suspended") }

type EnrollmentReactivatedEvent struct {
	EventHeader
	Transition
}

func (EnrollmentReactivatedEvent) Name() string        { return EventEnrollmentReactivated }
func (e EnrollmentReactivatedEvent) DedupeKey() string { return e.key("reactivated") }

type EnrollmentExpiredEvent struct {
	EventHeader
	ExpiresAt time.Time `json:"expiresAt"`
}

func (EnrollmentExpiredEvent) Name() string      { return EventEnrollmentExpired }
func (EnrollmentExpiredEvent) DedupeKey() string { return "expired" }
