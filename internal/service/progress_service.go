package service

import (
	"context"
	"coursehub_backend/internal/config"
	"coursehub_backend/internal/domain"
	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/internal/model"
	"coursehub_backend/pkg/logger"
	"coursehub_backend/pkg/monitoring"
	"coursehub_backend/pkg/tracing"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ProgressConfig struct {
	SaveRetries         int
	LockTTL             time.Duration
	RecentProgressLimit int
	ExpirySweepBatch    int
	CertificateMode     string
}

func ProgressConfigFrom(cfg *config.Config) ProgressConfig {
	return ProgressConfig{
		SaveRetries:         cfg.Enrollment.SaveRetries,
		LockTTL:             cfg.Enrollment.LockTTL,
		RecentProgressLimit: cfg.Enrollment.RecentProgressLimit,
		ExpirySweepBatch:    cfg.Enrollment.ExpirySweepBatch,
		CertificateMode:     cfg.Certificate.Mode,
	}
}

// ProgressService 选课与学习进度用例编排：加载聚合、访问控制、保存、事件与证书
type ProgressService struct {
	store      EnrollmentStore
	courses    CourseReader
	issuer     CertificateIssuer
	locker     Locker
	dispatcher *EventDispatcher
	cfg        ProgressConfig
	syncCerts  atomic.Bool
	now        func() time.Time
}

type ProgressOption func(*ProgressService)

func WithProgressClock(now func() time.Time) ProgressOption {
	return func(s *ProgressService) { s.now = now }
}

// WithDispatcher 保存成功后立即投递 outbox 事件
func WithDispatcher(d *EventDispatcher) ProgressOption {
	return func(s *ProgressService) { s.dispatcher = d }
}

func NewProgressService(store EnrollmentStore, courses CourseReader, issuer CertificateIssuer, locker Locker, cfg ProgressConfig, opts ...ProgressOption) *ProgressService {
	if cfg.SaveRetries < 1 {
		cfg.SaveRetries = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.RecentProgressLimit <= 0 {
		cfg.RecentProgressLimit = 10
	}
	if cfg.ExpirySweepBatch <= 0 {
		cfg.ExpirySweepBatch = 200
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	s := &ProgressService{
		store:   store,
		courses: courses,
		issuer:  issuer,
		locker:  locker,
		cfg:     cfg,
		now:     time.Now,
	}
	s.SetCertificateMode(cfg.CertificateMode)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetCertificateMode sync：请求内签发；其他值交给异步队列
func (s *ProgressService) SetCertificateMode(mode string) {
	s.syncCerts.Store(mode == config.CertificateModeSync)
}

func (s *ProgressService) EnrollInCourse(ctx context.Context, actor Actor, dto EnrollInCourseDto) (summary EnrollmentSummary, err error) {
	const op = "ProgressService.EnrollInCourse"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("course_id", dto.CourseID))
	defer end(&err)

	if dto.TenantID == "" {
		dto.TenantID = actor.TenantID
	}
	if dto.StudentID == "" {
		dto.StudentID = actor.UserID
	}
	if strings.TrimSpace(dto.CourseID) == "" || dto.TenantID == "" || dto.StudentID == "" {
		return summary, domain.NewError(domain.CodeValidation, op, "tenantId, studentId and courseId are required", nil)
	}
	if err = authorizeEnroll(op, actor, dto); err != nil {
		return summary, err
	}

	release, err := s.locker.Acquire(ctx, "enroll:"+dto.TenantID+":"+dto.StudentID+":"+dto.CourseID, s.cfg.LockTTL)
	if err != nil {
		return summary, err
	}
	defer release()

	existing, err := s.store.FindOpenByStudentAndCourse(ctx, dto.TenantID, dto.StudentID, dto.CourseID)
	switch {
	case err == nil:
		// 已过期但尚未落库的旧选课不占用名额
		if !existing.CheckExpiration() {
			return summary, domain.NewError(domain.CodeAlreadyExists, op,
				"student already has an open enrollment "+existing.ID()+" for this course", nil)
		}
		if err = s.store.Save(ctx, existing); err != nil {
			return summary, err
		}
	case !domain.IsCode(err, domain.CodeNotFound):
		return summary, err
	}

	course, err := s.courses.FindByID(ctx, dto.CourseID, dto.TenantID)
	if err != nil {
		return summary, err
	}
	if !course.IsPublished() {
		return summary, domain.InvalidState(op, "course %s is %s", course.ID, course.Status)
	}

	var expiresAt *time.Time
	if course.AccessDays > 0 {
		t := s.now().UTC().AddDate(0, 0, course.AccessDays)
		expiresAt = &t
	}

	e, err := enrollment.New(enrollment.NewParams{
		ID:              uuid.NewString(),
		TenantID:        dto.TenantID,
		StudentID:       dto.StudentID,
		CourseID:        course.ID,
		PaymentIntentID: dto.PaymentIntentID,
		ExpiresAt:       expiresAt,
		Lessons:         lessonRefs(course),
	}, enrollment.WithClock(s.now))
	if err != nil {
		return summary, err
	}
	if err = s.store.Save(ctx, e); err != nil {
		return summary, err
	}

	// 计数与选课不在同一事务，失败只记日志，由对账任务修正
	if incErr := s.courses.IncrementEnrollmentCount(ctx, course.ID, 1); incErr != nil {
		logger.Log.Warn("Failed to increment course enrollment count",
			zap.String("course_id", course.ID),
			zap.Error(incErr))
	}
	s.flushEvents(ctx)

	logger.Log.Info("Student enrolled",
		zap.String("enrollment_id", e.ID()),
		zap.String("student_id", e.StudentID()),
		zap.String("course_id", e.CourseID()))
	return toEnrollmentSummary(e), nil
}

func (s *ProgressService) StartLesson(ctx context.Context, actor Actor, enrollmentID, lessonID string) (lesson LessonSummary, err error) {
	const op = "ProgressService.StartLesson"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("enrollment_id", enrollmentID))
	defer end(&err)

	course, err := s.loadAuthorized(ctx, op, actor, enrollmentID)
	if err != nil {
		return lesson, err
	}
	ref, err := findLessonRef(op, course, lessonID)
	if err != nil {
		return lesson, err
	}

	e, err := s.mutate(ctx, op, enrollmentID, func(e *enrollment.Enrollment) error {
		if err := e.StartLessonIn(ref); err != nil {
			return err
		}
		s.refreshModule(e, course, ref.ModuleID)
		return nil
	})
	if err != nil {
		return lesson, err
	}
	p, _ := e.Lesson(lessonID)
	return toLessonSummary(p), nil
}

// UpdateLessonProgress 合并进度；completed=true 时完成课时、重算模块进度，课程完成后处理证书
func (s *ProgressService) UpdateLessonProgress(ctx context.Context, actor Actor, enrollmentID string, dto UpdateLessonProgressDto) (summary ProgressSummary, err error) {
	const op = "ProgressService.UpdateLessonProgress"
	ctx, end := tracing.StartSpan(ctx, op,
		attribute.String("enrollment_id", enrollmentID),
		attribute.String("lesson_id", dto.LessonID))
	defer end(&err)

	course, err := s.loadAuthorized(ctx, op, actor, enrollmentID)
	if err != nil {
		return summary, err
	}
	ref, err := findLessonRef(op, course, dto.LessonID)
	if err != nil {
		return summary, err
	}

	e, err := s.mutate(ctx, op, enrollmentID, func(e *enrollment.Enrollment) error {
		wasCompleted := e.IsCompleted()
		if err := e.UpdateLessonProgress(ref.LessonID, dto.progressData(), dto.timeSpent()); err != nil {
			return err
		}
		if dto.completed() {
			if err := e.CompleteLesson(ref.LessonID, dto.Score); err != nil {
				return err
			}
		}
		s.refreshModule(e, course, ref.ModuleID)
		if !wasCompleted && e.IsCompleted() && s.syncCerts.Load() {
			s.handleCourseCompletion(ctx, e)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}
	return s.summarize(e, course), nil
}

// handleCourseCompletion 同步签发证书；失败只记录日志，选课保持已完成且无证书
func (s *ProgressService) handleCourseCompletion(ctx context.Context, e *enrollment.Enrollment) {
	completedAt := s.now().UTC()
	if at := e.CompletedAt(); at != nil {
		completedAt = *at
	}
	certID, err := s.issuer.Issue(ctx, CertificateRequest{
		EnrollmentID: e.ID(),
		TenantID:     e.TenantID(),
		StudentID:    e.StudentID(),
		CourseID:     e.CourseID(),
		CompletedAt:  completedAt,
	})
	if err == nil {
		err = e.AttachCertificate(certID)
	}
	if err != nil {
		monitoring.CertificateIssuance.WithLabelValues("sync", "error").Inc()
		logger.Log.Error("Certificate issuance failed, enrollment stays completed without certificate",
			zap.String("enrollment_id", e.ID()),
			zap.Error(domain.Wrap(domain.CodeExternalServiceFailure, "ProgressService.handleCourseCompletion", err)))
		return
	}
	monitoring.CertificateIssuance.WithLabelValues("sync", "ok").Inc()
}

// AttachCertificate 异步签发完成后由 CertificateWorker 调用
func (s *ProgressService) AttachCertificate(ctx context.Context, enrollmentID, certificateID string) (err error) {
	const op = "ProgressService.AttachCertificate"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("enrollment_id", enrollmentID))
	defer end(&err)

	_, err = s.mutate(ctx, op, enrollmentID, func(e *enrollment.Enrollment) error {
		return e.AttachCertificate(certificateID)
	})
	return err
}

// GetEnrollmentProgress 只读；过期状态只在返回结果中体现，由过期扫描落库
func (s *ProgressService) GetEnrollmentProgress(ctx context.Context, actor Actor, enrollmentID string) (summary ProgressSummary, err error) {
	const op = "ProgressService.GetEnrollmentProgress"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("enrollment_id", enrollmentID))
	defer end(&err)

	e, err := s.store.FindByID(ctx, enrollmentID)
	if err != nil {
		return summary, err
	}
	course, err := s.courses.FindByID(ctx, e.CourseID(), e.TenantID())
	if err != nil {
		return summary, err
	}
	if err = s.authorizeEnrollment(ctx, op, actor, e, course); err != nil {
		return summary, err
	}
	e.CheckExpiration()
	return s.summarize(e, course), nil
}

func (s *ProgressService) GetCourseEnrollments(ctx context.Context, actor Actor, courseID string) (list []EnrollmentSummary, err error) {
	const op = "ProgressService.GetCourseEnrollments"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("course_id", courseID))
	defer end(&err)

	course, err := s.findCourseFor(ctx, actor, courseID)
	if err != nil {
		return nil, err
	}
	if err = s.authorizeCourse(op, actor, course); err != nil {
		return nil, err
	}

	all, err := s.store.FindByCourseID(ctx, courseID)
	if err != nil {
		return nil, err
	}
	list = make([]EnrollmentSummary, 0, len(all))
	for _, e := range all {
		if e.TenantID() != course.TenantID {
			continue
		}
		e.CheckExpiration()
		list = append(list, toEnrollmentSummary(e))
	}
	return list, nil
}

// GetStudentEnrollments 当前用户在本租户内的全部选课
func (s *ProgressService) GetStudentEnrollments(ctx context.Context, actor Actor) (list []EnrollmentSummary, err error) {
	const op = "ProgressService.GetStudentEnrollments"
	ctx, end := tracing.StartSpan(ctx, op)
	defer end(&err)

	all, err := s.store.FindByStudent(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return nil, err
	}
	list = make([]EnrollmentSummary, 0, len(all))
	for _, e := range all {
		e.CheckExpiration()
		list = append(list, toEnrollmentSummary(e))
	}
	return list, nil
}

func (s *ProgressService) SuspendEnrollment(ctx context.Context, actor Actor, enrollmentID, reason string) (summary EnrollmentSummary, err error) {
	const op = "ProgressService.SuspendEnrollment"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("enrollment_id", enrollmentID))
	defer end(&err)

	if err = s.authorizeManageByID(ctx, op, actor, enrollmentID); err != nil {
		return summary, err
	}
	e, err := s.mutate(ctx, op, enrollmentID, func(e *enrollment.Enrollment) error {
		return e.Suspend(reason)
	})
	if err != nil {
		return summary, err
	}
	logger.Log.Info("Enrollment suspended",
		zap.String("enrollment_id", enrollmentID),
		zap.String("by", actor.UserID),
		zap.String("reason", reason))
	return toEnrollmentSummary(e), nil
}

func (s *ProgressService) ReactivateEnrollment(ctx context.Context, actor Actor, enrollmentID string) (summary EnrollmentSummary, err error) {
	const op = "ProgressService.ReactivateEnrollment"
	ctx, end := tracing.StartSpan(ctx, op, attribute.String("enrollment_id", enrollmentID))
	defer end(&err)

	if err = s.authorizeManageByID(ctx, op, actor, enrollmentID); err != nil {
		return summary, err
	}
	e, err := s.mutate(ctx, op, enrollmentID, func(e *enrollment.Enrollment) error {
		return e.Reactivate()
	})
	if err != nil {
		return summary, err
	}
	return toEnrollmentSummary(e), nil
}

// ExpireOverdue 主动扫描：将已过有效期的选课置为 expired 并发出 EnrollmentExpiredEvent
func (s *ProgressService) ExpireOverdue(ctx context.Context) (expired int, err error) {
	const op = "ProgressService.ExpireOverdue"
	ctx, end := tracing.StartSpan(ctx, op)
	defer end(&err)

	ids, err := s.store.FindExpiredIDs(ctx, s.now().UTC(), s.cfg.ExpirySweepBatch)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		changed, err := s.expireOne(ctx, id)
		if err != nil {
			logger.Log.Warn("Failed to expire enrollment", zap.String("enrollment_id", id), zap.Error(err))
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		s.flushEvents(ctx)
		logger.Log.Info("Expired overdue enrollments", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *ProgressService) expireOne(ctx context.Context, id string) (bool, error) {
	release, err := s.locker.Acquire(ctx, "enrollment:"+id, s.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < s.cfg.SaveRetries; attempt++ {
		e, err := s.store.FindByID(ctx, id)
		if err != nil {
			return false, err
		}
		if !e.CheckExpiration() {
			return false, nil
		}
		lastErr = s.store.Save(ctx, e)
		if lastErr == nil {
			return true, nil
		}
		if !domain.IsCode(lastErr, domain.CodeConflict) {
			return false, lastErr
		}
	}
	return false, lastErr
}

// mutate 在选课锁内执行 加载 -> 变更 -> 保存；版本冲突时基于最新状态重放 fn。
// 加载时发现已过期会先落库过期状态，再以 invalid_state 拒绝本次写入
func (s *ProgressService) mutate(ctx context.Context, op, enrollmentID string, fn func(e *enrollment.Enrollment) error) (*enrollment.Enrollment, error) {
	release, err := s.locker.Acquire(ctx, "enrollment:"+enrollmentID, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.SaveRetries; attempt++ {
		e, err := s.store.FindByID(ctx, enrollmentID)
		if err != nil {
			return nil, err
		}

		if e.CheckExpiration() {
			if err := s.store.Save(ctx, e); err != nil {
				if domain.IsCode(err, domain.CodeConflict) {
					lastErr = err
					continue
				}
				return nil, err
			}
			s.flushEvents(ctx)
			return nil, domain.InvalidState(op, "enrollment %s has expired", enrollmentID)
		}

		if err := fn(e); err != nil {
			return nil, err
		}

		err = s.store.Save(ctx, e)
		if err == nil {
			s.flushEvents(ctx)
			return e, nil
		}
		if !domain.IsCode(err, domain.CodeConflict) {
			return nil, err
		}
		lastErr = err
		logger.Log.Warn("Enrollment version conflict, retrying",
			zap.String("op", op),
			zap.String("enrollment_id", enrollmentID),
			zap.Int("attempt", attempt))
	}
	return nil, lastErr
}

// loadAuthorized 访问控制在写入前完成；返回课程结构供后续重算
func (s *ProgressService) loadAuthorized(ctx context.Context, op string, actor Actor, enrollmentID string) (*model.Course, error) {
	e, err := s.store.FindByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	course, err := s.courses.FindByID(ctx, e.CourseID(), e.TenantID())
	if err != nil {
		return nil, err
	}
	if err := s.authorizeEnrollment(ctx, op, actor, e, course); err != nil {
		return nil, err
	}
	return course, nil
}

func (s *ProgressService) authorizeManageByID(ctx context.Context, op string, actor Actor, enrollmentID string) error {
	e, err := s.store.FindByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	course, err := s.courses.FindByID(ctx, e.CourseID(), e.TenantID())
	if err != nil {
		return err
	}
	return s.authorizeManage(op, actor, e, course)
}

// refreshModule 按课程结构和当前课时记录重算模块进度
func (s *ProgressService) refreshModule(e *enrollment.Enrollment, course *model.Course, moduleID string) {
	for i := range course.Modules {
		if course.Modules[i].ID == moduleID {
			e.UpdateModuleProgress(projectModule(e, &course.Modules[i]))
			return
		}
	}
}

func (s *ProgressService) flushEvents(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}
	if _, err := s.dispatcher.Flush(ctx); err != nil {
		logger.Log.Warn("Immediate event dispatch failed, will retry in background", zap.Error(err))
	}
}

func (s *ProgressService) summarize(e *enrollment.Enrollment, course *model.Course) ProgressSummary {
	summary := ProgressSummary{
		EnrollmentID:         e.ID(),
		CourseID:             e.CourseID(),
		Status:               e.Status(),
		CompletionPercentage: e.CompletionPercentage(),
		TotalTimeSpent:       e.TotalTimeSpent(),
		LastAccessedAt:       e.LastAccessedAt(),
		CompletedAt:          e.CompletedAt(),
		CertificateID:        e.CertificateID(),
		Modules:              make([]ModuleSummary, 0, len(course.Modules)),
		RecentProgress:       []LessonSummary{},
	}
	for i := range course.Modules {
		m := projectModule(e, &course.Modules[i])
		summary.Modules = append(summary.Modules, ModuleSummary{
			ModuleID:          m.ModuleID,
			Title:             course.Modules[i].Title,
			TotalLessons:      m.TotalLessons,
			CompletedLessons:  m.CompletedLessons,
			InProgressLessons: m.InProgressLessons,
			TotalTimeSpent:    m.TotalTimeSpent,
			Percentage:        m.Percentage(),
			Completed:         m.IsComplete(),
		})
	}

	var touched []enrollment.LessonProgress
	for _, p := range e.Lessons() {
		if p.LastAccessedAt != nil {
			touched = append(touched, p)
		}
	}
	sort.SliceStable(touched, func(i, j int) bool {
		return touched[i].LastAccessedAt.After(*touched[j].LastAccessedAt)
	})
	if len(touched) > s.cfg.RecentProgressLimit {
		touched = touched[:s.cfg.RecentProgressLimit]
	}
	for _, p := range touched {
		summary.RecentProgress = append(summary.RecentProgress, toLessonSummary(p))
	}
	return summary
}

func projectModule(e *enrollment.Enrollment, m *model.CourseModule) enrollment.ModuleProgress {
	mp := enrollment.ModuleProgress{ModuleID: m.ID, TotalLessons: len(m.Lessons)}
	for _, l := range m.Lessons {
		p, ok := e.Lesson(l.ID)
		if !ok {
			continue
		}
		switch p.Status {
		case enrollment.LessonCompleted:
			mp.CompletedLessons++
		case enrollment.LessonInProgress:
			mp.InProgressLessons++
		}
		mp.TotalTimeSpent += p.TimeSpentSeconds
	}
	return mp
}

func lessonRefs(course *model.Course) []enrollment.LessonRef {
	refs := make([]enrollment.LessonRef, 0, course.LessonCount())
	for _, m := range course.Modules {
		for _, l := range m.Lessons {
			refs = append(refs, enrollment.LessonRef{LessonID: l.ID, ModuleID: m.ID})
		}
	}
	return refs
}

func findLessonRef(op string, course *model.Course, lessonID string) (enrollment.LessonRef, error) {
	if strings.TrimSpace(lessonID) == "" {
		return enrollment.LessonRef{}, domain.NewError(domain.CodeValidation, op, "missing lessonId", nil)
	}
	l, ok := course.FindLesson(lessonID)
	if !ok {
		return enrollment.LessonRef{}, domain.NotFound(op, "lesson %s not found in course %s", lessonID, course.ID)
	}
	return enrollment.LessonRef{LessonID: l.ID, ModuleID: l.ModuleID}, nil
}
