package service

import (
	"context"

	"coursehub_backend/internal/domain"
	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/internal/model"
)

// Actor 发起请求的身份（来自 JWT）
type Actor struct {
	UserID   string
	TenantID string
	Role     model.UserRole
}

// SystemActor 后台任务使用，跳过访问控制
var SystemActor = Actor{UserID: "system", Role: model.SuperAdmin}

func (a Actor) isAdmin() bool {
	return a.Role == model.Admin || a.Role == model.SuperAdmin
}

// sameTenant super_admin 可跨租户
func (a Actor) sameTenant(tenantID string) bool {
	return a.Role == model.SuperAdmin || a.TenantID == tenantID
}

// authorizeEnrollment 学员只能访问自己的选课；讲师只能访问自己课程下的选课；管理员限本租户
func (s *ProgressService) authorizeEnrollment(ctx context.Context, op string, actor Actor, e *enrollment.Enrollment, course *model.Course) error {
	if !actor.sameTenant(e.TenantID()) {
		return domain.AccessDenied(op, "enrollment %s belongs to another tenant", e.ID())
	}
	switch {
	case actor.isAdmin():
		return nil
	case actor.Role == model.Instructor:
		if course == nil {
			var err error
			course, err = s.courses.FindByID(ctx, e.CourseID(), e.TenantID())
			if err != nil {
				return err
			}
		}
		if course.InstructorID == actor.UserID {
			return nil
		}
	case actor.Role == model.Learner:
		if e.StudentID() == actor.UserID {
			return nil
		}
	}
	return domain.AccessDenied(op, "user %s may not access enrollment %s", actor.UserID, e.ID())
}

// authorizeManage 暂停/恢复：仅管理员或课程讲师
func (s *ProgressService) authorizeManage(op string, actor Actor, e *enrollment.Enrollment, course *model.Course) error {
	if !actor.sameTenant(e.TenantID()) {
		return domain.AccessDenied(op, "enrollment %s belongs to another tenant", e.ID())
	}
	if actor.isAdmin() || (actor.Role == model.Instructor && course.InstructorID == actor.UserID) {
		return nil
	}
	return domain.AccessDenied(op, "user %s may not manage enrollment %s", actor.UserID, e.ID())
}

// findCourseFor 按调用者租户查找课程；super_admin 不受租户限制
func (s *ProgressService) findCourseFor(ctx context.Context, actor Actor, courseID string) (*model.Course, error) {
	if actor.Role == model.SuperAdmin {
		return s.courses.FindByIDAnyTenant(ctx, courseID)
	}
	return s.courses.FindByID(ctx, courseID, actor.TenantID)
}

func (s *ProgressService) authorizeCourse(op string, actor Actor, course *model.Course) error {
	if !actor.sameTenant(course.TenantID) {
		return domain.AccessDenied(op, "course %s belongs to another tenant", course.ID)
	}
	if actor.isAdmin() || (actor.Role == model.Instructor && course.InstructorID == actor.UserID) {
		return nil
	}
	return domain.AccessDenied(op, "user %s may not list enrollments of course %s", actor.UserID, course.ID)
}

// authorizeEnroll 学员/讲师只能为自己选课，管理员可为本租户任意学员选课
func authorizeEnroll(op string, actor Actor, dto EnrollInCourseDto) error {
	if !actor.sameTenant(dto.TenantID) {
		return domain.AccessDenied(op, "cannot enroll into tenant %s", dto.TenantID)
	}
	if actor.isAdmin() || dto.StudentID == actor.UserID {
		return nil
	}
	return domain.AccessDenied(op, "user %s may not enroll student %s", actor.UserID, dto.StudentID)
}
