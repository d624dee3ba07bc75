// Package enrollment 学员选课聚合：课时进度、模块进度投影、完成度与状态机。
//
// 聚合只在内存中变更状态并记录待发布的领域事件，不做任何外部调用。
// 持久化与事件投递由编排层（service 包）负责。
package enrollment

import (
	"math"
	"sort"
	"strings"
	"time"

	"coursehub_backend/internal/domain"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// LessonRef 课程结构中的课时引用，用于创建选课时预置进度记录
type LessonRef struct {
	LessonID string
	ModuleID string
}

type NewParams struct {
	ID              string
	TenantID        string
	StudentID       string
	CourseID        string
	PaymentIntentID string
	ExpiresAt       *time.Time
	Lessons         []LessonRef
}

type Option func(*Enrollment)

// WithClock 替换时间来源（测试用）
func WithClock(clock func() time.Time) Option {
	return func(e *Enrollment) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Enrollment 聚合根
type Enrollment struct {
	id              string
	tenantID        string
	studentID       string
	courseID        string
	paymentIntentID string

	status               Status
	completionPercentage int
	totalTimeSpent       int
	enrolledAt           time.Time
	lastAccessedAt       *time.Time
	completedAt          *time.Time
	expiresAt            *time.Time
	certificateID        string
	suspendReason        string

	lessons map[string]LessonProgress
	modules map[string]ModuleProgress

	version int
	events  []Event
	clock   func() time.Time
}

func New(p NewParams, opts ...Option) (*Enrollment, error) {
	const op = "Enrollment.New"
	for field, v := range map[string]string{
		"id":         p.ID,
		"tenant_id":  p.TenantID,
		"student_id": p.StudentID,
		"course_id":  p.CourseID,
	} {
		if strings.TrimSpace(v) == "" {
			return nil, domain.NewError(domain.CodeValidation, op, "missing "+field, nil)
		}
	}

	e := &Enrollment{
		id:              p.ID,
		tenantID:        p.TenantID,
		studentID:       p.StudentID,
		courseID:        p.CourseID,
		paymentIntentID: p.PaymentIntentID,
		status:          StatusActive,
		expiresAt:       copyTime(p.ExpiresAt),
		lessons:         make(map[string]LessonProgress, len(p.Lessons)),
		modules:         make(map[string]ModuleProgress),
		clock:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.enrolledAt = e.now()

	for _, ref := range p.Lessons {
		if ref.LessonID == "" {
			continue
		}
		e.lessons[ref.LessonID] = LessonProgress{
			LessonID: ref.LessonID,
			ModuleID: ref.ModuleID,
			Status:   LessonNotStarted,
		}
	}

	e.raise(EnrollmentCreatedEvent{
		EventHeader:     e.header(),
		PaymentIntentID: p.PaymentIntentID,
		ExpiresAt:       copyTime(p.ExpiresAt),
	})
	return e, nil
}

// StartLesson 幂等地创建课时记录，并将 not_started 推进到 in_progress
func (e *Enrollment) StartLesson(lessonID string) error {
	return e.StartLessonIn(LessonRef{LessonID: lessonID})
}

// StartLessonIn 同 StartLesson，新建记录时带上所属模块
func (e *Enrollment) StartLessonIn(ref LessonRef) error {
	const op = "Enrollment.StartLesson"
	if err := e.ensureWritable(op); err != nil {
		return err
	}
	if strings.TrimSpace(ref.LessonID) == "" {
		return domain.NewError(domain.CodeValidation, op, "missing lesson_id", nil)
	}

	now := e.now()
	p, ok := e.lessons[ref.LessonID]
	if !ok {
		p = LessonProgress{LessonID: ref.LessonID, Status: LessonNotStarted}
	}
	if p.ModuleID == "" {
		p.ModuleID = ref.ModuleID
	}
	p = p.start(now)
	p.LastAccessedAt = timePtr(now)
	e.lessons[ref.LessonID] = p
	e.lastAccessedAt = timePtr(now)
	return nil
}

// UpdateLessonProgress 合并进度快照并累计学习时长（秒）
func (e *Enrollment) UpdateLessonProgress(lessonID string, patch ProgressData, timeSpent int) error {
	const op = "Enrollment.UpdateLessonProgress"
	if err := e.ensureWritable(op); err != nil {
		return err
	}
	if timeSpent < 0 {
		return domain.NewError(domain.CodeValidation, op, "time spent must be >= 0", nil)
	}
	p, ok := e.lessons[lessonID]
	if !ok {
		return domain.InvalidState(op, "lesson %s has no progress record", lessonID)
	}

	now := e.now()
	p = p.start(now)
	p.Data = p.Data.Merge(patch)
	p.TimeSpentSeconds += timeSpent
	p.LastAccessedAt = timePtr(now)
	e.lessons[lessonID] = p

	e.totalTimeSpent += timeSpent
	e.lastAccessedAt = timePtr(now)
	return nil
}

// CompleteLesson 完成课时；重复调用为空操作。
// 完成度达到 100 时同步将选课标记为已完成
func (e *Enrollment) CompleteLesson(lessonID string, score *float64) error {
	const op = "Enrollment.CompleteLesson"
	if err := e.ensureWritable(op); err != nil {
		return err
	}
	p, ok := e.lessons[lessonID]
	if !ok {
		return domain.InvalidState(op, "lesson %s has no progress record", lessonID)
	}
	if p.IsCompleted() {
		return nil
	}
	if score != nil && (*score < 0 || *score > 100 || math.IsNaN(*score)) {
		return domain.NewError(domain.CodeValidation, op, "score must be within [0,100]", nil)
	}

	now := e.now()
	p = p.complete(now, score)
	p.LastAccessedAt = timePtr(now)
	e.lessons[lessonID] = p
	e.lastAccessedAt = timePtr(now)

	e.raise(LessonCompletedEvent{
		EventHeader: e.header(),
		LessonID:    lessonID,
		Score:       p.Score,
		Passed:      *p.Passed,
	})

	e.recalculate()
	if e.completionPercentage == 100 && e.status == StatusActive {
		return e.MarkAsCompleted("")
	}
	return nil
}

// UpdateModuleProgress 写入外部计算的模块进度；模块首次变为全部完成时发出事件
func (e *Enrollment) UpdateModuleProgress(m ModuleProgress) {
	if m.ModuleID == "" {
		return
	}
	prev, had := e.modules[m.ModuleID]
	e.modules[m.ModuleID] = m
	if m.IsComplete() && !(had && prev.IsComplete()) {
		e.raise(ModuleCompletedEvent{EventHeader: e.header(), ModuleID: m.ModuleID})
	}
}

// MarkAsCompleted 幂等；强制完成度为 100
func (e *Enrollment) MarkAsCompleted(certificateID string) error {
	const op = "Enrollment.MarkAsCompleted"
	if e.status == StatusCompleted {
		return nil
	}
	if e.status != StatusActive {
		return domain.InvalidState(op, "cannot complete enrollment in status %s", e.status)
	}

	now := e.now()
	e.status = StatusCompleted
	e.completionPercentage = 100
	e.completedAt = timePtr(now)
	if certificateID != "" {
		e.certificateID = certificateID
	}
	e.raise(CourseCompletedEvent{
		EventHeader:       e.header(),
		CertificateIssued: certificateID != "",
		CertificateID:     certificateID,
	})
	return nil
}

// AttachCertificate 为已完成的选课挂接证书，同一证书重复挂接为空操作
func (e *Enrollment) AttachCertificate(certificateID string) error {
	const op = "Enrollment.AttachCertificate"
	if strings.TrimSpace(certificateID) == "" {
		return domain.NewError(domain.CodeValidation, op, "missing certificate_id", nil)
	}
	if e.status != StatusCompleted {
		return domain.InvalidState(op, "enrollment is %s, not completed", e.status)
	}
	if e.certificateID == certificateID {
		return nil
	}
	if e.certificateID != "" {
		return domain.InvalidState(op, "certificate %s already attached", e.certificateID)
	}
	e.certificateID = certificateID
	// 与完成事件同批提交时，直接补全完成事件中的证书信息
	for i, ev := range e.events {
		if cc, ok := ev.(CourseCompletedEvent); ok {
			cc.CertificateIssued = true
			cc.CertificateID = certificateID
			e.events[i] = cc
		}
	}
	e.raise(CertificateIssuedEvent{EventHeader: e.header(), CertificateID: certificateID})
	return nil
}

func (e *Enrollment) Suspend(reason string) error {
	const op = "Enrollment.Suspend"
	if e.status != StatusActive {
		return domain.InvalidState(op, "cannot suspend enrollment in status %s", e.status)
	}
	e.status = StatusSuspended
	e.suspendReason = strings.TrimSpace(reason)
	e.raise(EnrollmentSuspendedEvent{
		EventHeader: e.header(),
		Transition:  e.transition(),
		Reason:      e.suspendReason,
	})
	return nil
}

func (e *Enrollment) Reactivate() error {
	const op = "Enrollment.Reactivate"
	if e.status != StatusSuspended {
		return domain.InvalidState(op, "cannot reactivate enrollment in status %s", e.status)
	}
	e.status = StatusActive
	e.suspendReason = ""
	e.raise(EnrollmentReactivatedEvent{EventHeader: e.header(), Transition: e.transition()})
	return nil
}

// CheckExpiration 过期检测（惰性）。状态发生变化时返回 true。
// active 与 suspended 的选课到期后都会转为 expired；completed 不受影响
func (e *Enrollment) CheckExpiration() bool {
	if e.expiresAt == nil {
		return false
	}
	if e.status != StatusActive && e.status != StatusSuspended {
		return false
	}
	if e.now().Before(*e.expiresAt) {
		return false
	}
	e.status = StatusExpired
	e.raise(EnrollmentExpiredEvent{EventHeader: e.header(), ExpiresAt: *e.expiresAt})
	return true
}

// recalculate 完成度 = round(100 * 已完成 / 已跟踪)，只增不减
func (e *Enrollment) recalculate() {
	pct := percentage(e.CompletedLessons(), len(e.lessons))
	if pct > e.completionPercentage {
		e.completionPercentage = pct
	}
}

func (e *Enrollment) ensureWritable(op string) error {
	switch e.status {
	case StatusSuspended, StatusExpired:
		return domain.InvalidState(op, "enrollment %s is %s", e.id, e.status)
	}
	return nil
}

func (e *Enrollment) raise(ev Event) {
	e.events = append(e.events, ev)
}

func (e *Enrollment) header() EventHeader {
	return EventHeader{
		EnrollmentID: e.id,
		TenantID:     e.tenantID,
		StudentID:    e.studentID,
		CourseID:     e.courseID,
		OccurredAt:   e.now(),
	}
}

func (e *Enrollment) transition() Transition {
	return Transition{Version: e.version, Position: len(e.events)}
}

func (e *Enrollment) now() time.Time {
	return e.clock().UTC()
}

func (e *Enrollment) ID() string                { return e.id }
func (e *Enrollment) TenantID() string          { return e.tenantID }
func (e *Enrollment) StudentID() string         { return e.studentID }
func (e *Enrollment) CourseID() string          { return e.courseID }
func (e *Enrollment) PaymentIntentID() string   { return e.paymentIntentID }
func (e *Enrollment) Status() Status            { return e.status }
func (e *Enrollment) CompletionPercentage() int { return e.completionPercentage }
func (e *Enrollment) TotalTimeSpent() int       { return e.totalTimeSpent }
func (e *Enrollment) EnrolledAt() time.Time     { return e.enrolledAt }
func (e *Enrollment) LastAccessedAt() *time.Time {
	return copyTime(e.lastAccessedAt)
}
func (e *Enrollment) CompletedAt() *time.Time { return copyTime(e.completedAt) }
func (e *Enrollment) ExpiresAt() *time.Time   { return copyTime(e.expiresAt) }
func (e *Enrollment) CertificateID() string   { return e.certificateID }
func (e *Enrollment) SuspendReason() string   { return e.suspendReason }
func (e *Enrollment) Version() int            { return e.version }
func (e *Enrollment) IsCompleted() bool       { return e.status == StatusCompleted }

func (e *Enrollment) Lesson(lessonID string) (LessonProgress, bool) {
	p, ok := e.lessons[lessonID]
	return p, ok
}

// Lessons 按 LessonID 排序返回课时进度副本
func (e *Enrollment) Lessons() []LessonProgress {
	out := make([]LessonProgress, 0, len(e.lessons))
	for _, p := range e.lessons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessonID < out[j].LessonID })
	return out
}

func (e *Enrollment) Module(moduleID string) (ModuleProgress, bool) {
	m, ok := e.modules[moduleID]
	return m, ok
}

func (e *Enrollment) Modules() []ModuleProgress {
	out := make([]ModuleProgress, 0, len(e.modules))
	for _, m := range e.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

func (e *Enrollment) TrackedLessons() int { return len(e.lessons) }

func (e *Enrollment) CompletedLessons() int {
	n := 0
	for _, p := range e.lessons {
		if p.IsCompleted() {
			n++
		}
	}
	return n
}

// PendingEvents 尚未持久化的领域事件
func (e *Enrollment) PendingEvents() []Event {
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// MarkPersisted 由仓储在保存成功后调用：更新版本号并清空待发布事件
func (e *Enrollment) MarkPersisted(version int) {
	e.version = version
	e.events = nil
}

func percentage(done, total int) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(done) / float64(total)))
	if pct > 100 {
		return 100
	}
	return pct
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
