package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sekolah-adm-api/api/swagger"
	"github.com/noah-isme/sekolah-adm-api/internal/handler"
	"github.com/noah-isme/sekolah-adm-api/internal/middleware"
	"github.com/noah-isme/sekolah-adm-api/internal/models"
	"github.com/noah-isme/sekolah-adm-api/internal/repository"
	"github.com/noah-isme/sekolah-adm-api/internal/service"
	"github.com/noah-isme/sekolah-adm-api/pkg/cache"
	"github.com/noah-isme/sekolah-adm-api/pkg/config"
	"github.com/noah-isme/sekolah-adm-api/pkg/database"
	"github.com/noah-isme/sekolah-adm-api/pkg/jobs"
	"github.com/noah-isme/sekolah-adm-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sekolah-adm-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sekolah-adm-api/pkg/middleware/requestid"
)

// @title Sekolah ADM API
// @version 1.0.0
// @description School administration API with deferred-approval writes and undo snapshots
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, pending counters uncached", "error", err)
		redisClient = nil
	}

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	announcementRepo := repository.NewAnnouncementRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)
	pendingRepo := repository.NewPendingChangeRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "sekolah-adm-api",
	})

	snapshotSvc := service.NewSnapshotService(snapshotRepo, logr, service.SnapshotServiceConfig{
		TTL: cfg.Snapshots.TTL,
	})

	handlers := service.NewHandlerRegistry()
	reversers := service.NewReverseRegistry()

	var restricted []models.UserRole
	if cfg.Approval.Enabled {
		for _, role := range cfg.Approval.RestrictedRoles {
			restricted = append(restricted, models.UserRole(role))
		}
	}
	gate := service.NewApprovalGate(pendingRepo, restricted, logr)

	approvalSvc := service.NewApprovalService(pendingRepo, handlers, userRepo, userRepo, cacheRepo, metricsSvc, db, logr, service.ApprovalServiceConfig{
		HandlerTimeout: cfg.Approval.HandlerTimeout,
	})
	undoSvc := service.NewUndoService(snapshotRepo, reversers, userRepo, metricsSvc, db, logr)

	studentSvc := service.NewStudentService(studentRepo, snapshotSvc, gate, db, nil, logr)
	announcementSvc := service.NewAnnouncementService(announcementRepo, snapshotSvc, gate, db, nil, logr)

	if err := studentSvc.RegisterApproval(handlers, reversers); err != nil {
		logr.Sugar().Fatalw("failed to register student approval handlers", "error", err)
	}
	if err := announcementSvc.RegisterApproval(handlers, reversers); err != nil {
		logr.Sugar().Fatalw("failed to register announcement approval handlers", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var retentionSvc *service.RetentionService
	retentionQueue := jobs.NewQueue("retention", func(ctx context.Context, job jobs.Job) error {
		return retentionSvc.Handle(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Retention.Workers,
		MaxRetries: cfg.Retention.Retries,
		Logger:     logr,
	})
	retentionSvc = service.NewRetentionService(retentionQueue, snapshotRepo, pendingRepo, metricsSvc, service.RetentionConfig{
		Interval:          cfg.Retention.Interval,
		ResolvedRetainFor: cfg.Retention.ResolvedRetainFor,
	}, logr)
	if cfg.Retention.Enabled {
		retentionQueue.Start(ctx)
		defer retentionQueue.Stop()
		retentionSvc.Start(ctx)
		defer retentionSvc.Stop()
	}

	authHandler := handler.NewAuthHandler(authSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	announcementHandler := handler.NewAnnouncementHandler(announcementSvc)
	approvalHandler := handler.NewApprovalHandler(approvalSvc)
	snapshotHandler := handler.NewSnapshotHandler(snapshotSvc, undoSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	authProtected := auth.Group("")
	authProtected.Use(middleware.JWT(authSvc))
	authProtected.POST("/logout", authHandler.Logout)
	authProtected.POST("/change-password", authHandler.ChangePassword)
	authProtected.GET("/me", authHandler.Me)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	students := protected.Group("/students")
	students.GET("", studentHandler.List)
	students.GET("/:id", studentHandler.Get)
	studentAudit := middleware.Audit(userRepo, models.AuditActionChangeRequest, "students")
	students.POST("", studentAudit, studentHandler.Create)
	students.PUT("/:id", studentAudit, studentHandler.Update)
	students.DELETE("/:id", studentAudit, studentHandler.Delete)

	announcements := protected.Group("/announcements")
	announcements.GET("", announcementHandler.List)
	announcements.GET("/:id", announcementHandler.Get)
	announcementAudit := middleware.Audit(userRepo, models.AuditActionChangeRequest, "announcements")
	announcements.POST("", announcementAudit, announcementHandler.Create)
	announcements.PUT("/:id", announcementAudit, announcementHandler.Update)
	announcements.DELETE("/:id", announcementAudit, announcementHandler.Delete)

	adminOnly := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	pending := protected.Group("/pending-changes")
	pending.GET("", approvalHandler.List)
	pending.GET("/count", adminOnly, approvalHandler.PendingCount)
	pending.GET("/:id", approvalHandler.Get)
	pending.POST("/:id/approve", adminOnly, approvalHandler.Approve)
	pending.POST("/:id/reject", adminOnly, approvalHandler.Reject)

	snapshots := protected.Group("/snapshots")
	snapshots.Use(adminOnly)
	snapshots.GET("", snapshotHandler.List)
	snapshots.GET("/:id", snapshotHandler.Get)
	snapshots.POST("/:id/undo", snapshotHandler.Undo)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}
