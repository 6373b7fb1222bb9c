package main

import (
	"context"

	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/internal/handlers"
	"github.com/huangang/taskboard/internal/models"
	"github.com/huangang/taskboard/internal/services"
	"github.com/huangang/taskboard/internal/utils"
	"github.com/huangang/taskboard/pkg/logger"
	"gorm.io/gorm"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	db            *gorm.DB
	authService   *services.AuthService
	digestService *services.DigestService
	taskQueue     services.TaskQueue
	worker        *services.Worker

	authHandler         *handlers.AuthHandler
	projectHandler      *handlers.ProjectHandler
	memberHandler       *handlers.ProjectMemberHandler
	taskHandler         *handlers.TaskHandler
	notificationHandler *handlers.NotificationHandler
	digestHandler       *handlers.DigestHandler
	userHandler         *handlers.UserHandler
	systemLogHandler    *handlers.SystemLogHandler
	healthHandler       *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(ctx context.Context, cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := models.GetDB()

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize system logger
	services.InitSystemLogger(db)

	// Start system log cleanup scheduler
	services.StartLogCleanupScheduler(ctx, db, cfg.Log.RetentionDays)

	files, err := services.NewLocalFileStore(cfg.Storage.Dir)
	if err != nil {
		logger.Fatalf("Failed to prepare attachment storage: %v", err)
	}

	authService := services.NewAuthService(db, &cfg.JWT)
	notificationService := services.NewNotificationService(db)
	memberService := services.NewMembershipService(db, notificationService)
	taskService := services.NewTaskService(db, notificationService, files)
	projectService := services.NewProjectService(db)
	userService := services.NewUserService(db)

	mailer := services.NewSMTPMailer(cfg.Mail)
	if !mailer.Enabled() {
		logger.Warn().Msg("[Digest] SMTP is not configured; digest emails will fail")
	}
	digestService := services.NewDigestService(db, mailer, services.NewHolidayService(), cfg.Digest)

	// Initialize task queue (uses Redis if enabled, otherwise sync mode)
	taskQueue := services.InitTaskQueue(cfg)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(digestService.ProcessJob)
	}
	digestService.SetQueue(taskQueue)

	// Start async worker if Redis is enabled
	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(digestService.ProcessJob)
			if err := worker.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start worker")
			}
		}
	}

	if cfg.Digest.Enabled {
		if err := digestService.StartScheduler(cfg.DigestSchedule()); err != nil {
			logger.Error().Err(err).Msg("Failed to start digest scheduler")
		}
	}

	// Create default admin user
	if err := authService.CreateAdminIfNotExists(&cfg.Admin); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	return &appServices{
		db:            db,
		authService:   authService,
		digestService: digestService,
		taskQueue:     taskQueue,
		worker:        worker,

		authHandler:         handlers.NewAuthHandler(authService),
		projectHandler:      handlers.NewProjectHandler(projectService),
		memberHandler:       handlers.NewProjectMemberHandler(memberService),
		taskHandler:         handlers.NewTaskHandler(taskService),
		notificationHandler: handlers.NewNotificationHandler(notificationService),
		digestHandler:       handlers.NewDigestHandler(digestService),
		userHandler:         handlers.NewUserHandler(userService),
		systemLogHandler:    handlers.NewSystemLogHandler(services.NewSystemLogService(db)),
		healthHandler:       handlers.NewHealthHandler(db, taskQueue),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.digestService.StopScheduler()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
}
