package app

import (
	"coursehub_backend/internal/config"
	"coursehub_backend/internal/middleware"
	"coursehub_backend/internal/model"
	"coursehub_backend/internal/util"
	"coursehub_backend/pkg/monitoring"
	"coursehub_backend/pkg/security"
	"time"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())
	router.NoRoute(util.NotFound)

	limited := cfg.RateLimit.MaxRequests > 0 && cfg.RateLimit.WindowMinutes > 0
	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute

	// 1. 公共路由(无需登录)，按 IP 限流
	public := router.Group("/api")
	if limited {
		public.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, window))
	}
	{
		public.GET("/health", c.health.HealthCheck)
	}

	// 证书清单（本地存储时）
	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	// 2. 需要授权的路由；登录后按用户限流
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	if limited {
		authGroup.Use(security.RateLimiterBy(cfg.RateLimit.MaxRequests, window, util.UserKey))
	}
	{
		a.registerEnrollmentRoutes(authGroup, c)
		a.registerCourseRoutes(authGroup, c)
	}
}

func (a *App) registerEnrollmentRoutes(rg *gin.RouterGroup, c *controllers) {
	enrollments := rg.Group("/enrollments")
	{
		enrollments.POST("", c.enrollment.Enroll)
		enrollments.GET("/me", c.enrollment.ListMine)
		enrollments.GET("/:id/progress", c.enrollment.GetProgress)
		enrollments.POST("/:id/lessons/:lessonId/start", c.enrollment.StartLesson)
		enrollments.PATCH("/:id/lessons/:lessonId", c.enrollment.UpdateLessonProgress)

		// 暂停/恢复：讲师或管理员，服务层再校验课程归属
		manage := enrollments.Group("")
		manage.Use(middleware.RoleMiddleware(model.Instructor))
		{
			manage.POST("/:id/suspend", c.enrollment.Suspend)
			manage.POST("/:id/reactivate", c.enrollment.Reactivate)
		}
	}
}

func (a *App) registerCourseRoutes(rg *gin.RouterGroup, c *controllers) {
	courses := rg.Group("/courses")
	courses.Use(middleware.RoleMiddleware(model.Instructor))
	{
		courses.GET("/:courseId/enrollments", c.enrollment.ListCourseEnrollments)
	}
}
