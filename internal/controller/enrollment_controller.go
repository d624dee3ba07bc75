package controller

import (
	"coursehub_backend/internal/service"
	"coursehub_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type EnrollmentController struct {
	ProgressService *service.ProgressService
}

func NewEnrollmentController(progressService *service.ProgressService) *EnrollmentController {
	return &EnrollmentController{ProgressService: progressService}
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

// actorFrom 由 JWT 声明构造请求身份
func actorFrom(ctx *gin.Context) (service.Actor, bool) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return service.Actor{}, false
	}
	return service.Actor{UserID: user.UserID, TenantID: user.TenantID, Role: user.Role}, true
}

// @Summary 选课
// @Description 学员为自己选课；管理员可通过 studentId 为本租户学员选课
// @Tags 选课
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.EnrollInCourseDto true "选课信息"
// @Success 201 {object} util.Response
// @Router /api/enrollments [post]
func (c *EnrollmentController) Enroll(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	var req service.EnrollInCourseDto
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	summary, err := c.ProgressService.EnrollInCourse(ctx.Request.Context(), actor, req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Created(ctx, summary)
}

// @Summary 我的选课
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/enrollments/me [get]
func (c *EnrollmentController) ListMine(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	list, err := c.ProgressService.GetStudentEnrollments(ctx.Request.Context(), actor)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, list)
}

// @Summary 学习进度
// @Description 完成度、各模块进度和最近学习的课时
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Param id path string true "选课ID"
// @Success 200 {object} util.Response
// @Router /api/enrollments/{id}/progress [get]
func (c *EnrollmentController) GetProgress(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	summary, err := c.ProgressService.GetEnrollmentProgress(ctx.Request.Context(), actor, ctx.Param("id"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, summary)
}

// @Summary 开始学习课时
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Param id path string true "选课ID"
// @Param lessonId path string true "课时ID"
// @Success 200 {object} util.Response
// @Router /api/enrollments/{id}/lessons/{lessonId}/start [post]
func (c *EnrollmentController) StartLesson(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	lesson, err := c.ProgressService.StartLesson(ctx.Request.Context(), actor, ctx.Param("id"), ctx.Param("lessonId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, lesson)
}

// @Summary 更新课时进度
// @Description 合并视频位置/测验答案/作业提交，累计学习时长；completed=true 时完成课时
// @Tags 选课
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "选课ID"
// @Param lessonId path string true "课时ID"
// @Param body body service.UpdateLessonProgressDto true "进度"
// @Success 200 {object} util.Response
// @Router /api/enrollments/{id}/lessons/{lessonId} [patch]
func (c *EnrollmentController) UpdateLessonProgress(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	var req service.UpdateLessonProgressDto
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	req.LessonID = ctx.Param("lessonId")

	summary, err := c.ProgressService.UpdateLessonProgress(ctx.Request.Context(), actor, ctx.Param("id"), req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, summary)
}

// @Summary 课程选课列表
// @Description 课程讲师或管理员查看
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Param courseId path string true "课程ID"
// @Param page query int false "页码"
// @Param limit query int false "每页数量"
// @Success 200 {object} util.Response
// @Router /api/courses/{courseId}/enrollments [get]
func (c *EnrollmentController) ListCourseEnrollments(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	page := util.ParseIntDefault(ctx.Query("page"), 1, 0)
	limit := util.ParseIntDefault(ctx.Query("limit"), util.DefaultPageSize, util.MaxPageSize)

	list, err := c.ProgressService.GetCourseEnrollments(ctx.Request.Context(), actor, ctx.Param("courseId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, util.PageOf(list, page, limit))
}

// @Summary 暂停选课
// @Tags 选课
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "选课ID"
// @Success 200 {object} util.Response
// @Router /api/enrollments/{id}/suspend [post]
func (c *EnrollmentController) Suspend(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	var req suspendRequest
	// 原因可选，空 body 也允许
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			util.BadRequest(ctx, err.Error())
			return
		}
	}

	summary, err := c.ProgressService.SuspendEnrollment(ctx.Request.Context(), actor, ctx.Param("id"), req.Reason)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, summary)
}

func (c *EnrollmentController) Reactivate(ctx *gin.Context) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return
	}

	summary, err := c.ProgressService.ReactivateEnrollment(ctx.Request.Context(), actor, ctx.Param("id"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, summary)
}
