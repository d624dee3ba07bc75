package app

import (
	"context"
	"coursehub_backend/internal/config"
	"coursehub_backend/internal/controller"
	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/internal/repository"
	"coursehub_backend/internal/service"
	"coursehub_backend/pkg/configwatcher"
	"coursehub_backend/pkg/database"
	"coursehub_backend/pkg/logger"
	"coursehub_backend/pkg/monitoring"
	"coursehub_backend/pkg/security"
	"coursehub_backend/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	configMu        sync.Mutex
	configCallbacks []func(*config.Config)
}

type repositories struct {
	enrollment  *repository.EnrollmentRepository
	course      *repository.CourseRepository
	event       *repository.EventRepository
	certificate *repository.CertificateRepository
}

type services struct {
	storage     *service.StorageService
	certificate *service.CertificateService
	progress    *service.ProgressService
	dispatcher  *service.EventDispatcher
	worker      *service.CertificateWorker
	bus         *service.LocalEventBus
}

type controllers struct {
	enrollment *controller.EnrollmentController
	health     *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) applyConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logger.Log.Error("Reloaded config rejected", zap.Error(err))
		return
	}
	a.configMu.Lock()
	callbacks := append([]func(*config.Config){}, a.configCallbacks...)
	a.configMu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	enrollments := repository.NewEnrollmentRepository(db)
	enrollments.Hooks = monitoring.RepositoryHooks{}
	return &repositories{
		enrollment:  enrollments,
		course:      repository.NewCourseRepository(db),
		event:       repository.NewEventRepository(db),
		certificate: repository.NewCertificateRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)
	s.certificate = service.NewCertificateService(repos.certificate, s.storage)

	// 进程内订阅者 + Redis 频道（供外部服务消费）
	s.bus = service.NewLocalEventBus()
	bus := service.FanoutBus{s.bus}
	if rdb != nil {
		bus = append(bus, service.NewRedisEventPublisher(rdb, cfg.Events.Channel))
	}
	s.dispatcher = service.NewEventDispatcher(repos.event, bus, cfg.Events.DispatchBatch, cfg.Events.MaxAttempts)

	var locker service.Locker = service.NewLocalLocker()
	var queue service.CertificateQueue = service.NewMemoryCertificateQueue()
	if rdb != nil {
		locker = service.NewRedisLocker(rdb)
		queue = service.NewRedisCertificateQueue(rdb, cfg.Certificate.QueueKey)
	} else {
		logger.Log.Warn("Redis not configured, using in-process lock and certificate queue")
	}

	s.progress = service.NewProgressService(
		repos.enrollment,
		repos.course,
		s.certificate,
		locker,
		service.ProgressConfigFrom(cfg),
		service.WithDispatcher(s.dispatcher),
	)

	s.worker = service.NewCertificateWorker(queue, s.certificate, s.progress, retryPolicy(cfg))
	s.bus.Subscribe(enrollment.EventCourseCompleted, s.worker.OnCourseCompleted)

	a.RegisterConfigCallback(func(c *config.Config) {
		s.worker.SetPolicy(retryPolicy(c))
		s.progress.SetCertificateMode(c.Certificate.Mode)
		logger.Log.Info("Certificate settings updated",
			zap.String("mode", c.Certificate.Mode),
			zap.Int("max_attempts", c.Certificate.MaxAttempts))
	})

	return s
}

func retryPolicy(cfg *config.Config) service.RetryPolicy {
	return service.RetryPolicy{
		MaxAttempts: cfg.Certificate.MaxAttempts,
		BaseBackoff: cfg.Certificate.BaseBackoff,
		MaxBackoff:  cfg.Certificate.MaxBackoff,
	}
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		enrollment: controller.NewEnrollmentController(s.progress),
		health:     controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 事件投递、过期扫描、计数对账、证书签发
func (a *App) startBackgroundTasks(ctx context.Context, s *services, repos *repositories, cfg *config.Config) {
	a.goTask(func() { s.dispatcher.Run(ctx, cfg.Events.DispatchInterval) })
	a.goTask(func() { s.worker.Run(ctx) })

	a.goTask(func() {
		every(ctx, cfg.Enrollment.ExpirySweepInterval, func() {
			if _, err := s.progress.ExpireOverdue(ctx); err != nil {
				logger.Log.Error("Expiry sweep error", zap.Error(err))
			}
		})
	})

	a.goTask(func() {
		every(ctx, cfg.Enrollment.ReconcileInterval, func() {
			fixed, err := repos.course.ReconcileEnrollmentCounts(ctx)
			if err != nil {
				logger.Log.Error("Enrollment count reconcile error", zap.Error(err))
				return
			}
			if fixed > 0 {
				logger.Log.Info("Enrollment counts reconciled", zap.Int64("courses", fixed))
			}
		})
	})

	a.goTask(func() {
		path := filepath.Join(cfg.ConfigDir, "config.yaml")
		if err := configwatcher.WatchConfig(ctx, path, a.applyConfig); err != nil {
			logger.Log.Warn("Config watcher disabled", zap.Error(err))
		}
	})
}

func (a *App) goTask(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("Invalid configuration", zap.Error(err))
	}

	migrate := cfg.Server.Mode != gin.ReleaseMode || cfg.ForceMigrate
	db, err := database.InitDB(&cfg.Database, migrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	app.Redis = rdb

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("coursehub-enrollment", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.startBackgroundTasks(ctx, services, repos, cfg)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// 停止后台任务，最后再投递一次 outbox
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.services != nil {
		if _, err := a.services.dispatcher.Flush(ctx); err != nil {
			logger.Log.Warn("Final event flush failed", zap.Error(err))
		}
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}

	log.Println("Server exiting")
}
