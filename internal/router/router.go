package router

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/handler"
	"github.com/stemsi/exstem-session-engine/internal/middleware"
	"github.com/stemsi/exstem-session-engine/internal/response"
	"github.com/stemsi/exstem-session-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Session *handler.SessionHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
	Health  *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds the lifetime of background middleware state.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.Health.Live)
	router.GET("/ready", handlers.Health.Ready)

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitPerMinute, time.Minute)

	// ─── 1. Auth Group ─────────────────────────────────────────────────
	auth := router.Group("/api/v1/auth")
	auth.Use(middleware.RequireAnyJWT(authService), middleware.NoStore())
	{
		auth.GET("/me", handlers.Auth.GetMe)
		auth.POST("/student/logout", middleware.RequireStudentJWT(authService), handlers.Auth.StudentLogout)
	}

	// ─── 2. Session Group (JWT + Single Device) ────────────────────────
	api := router.Group("/api/v1")
	api.Use(
		middleware.RequireAnyJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		limiter.Middleware(),
		middleware.NoStore(),
	)
	{
		api.POST("/assessments/:assessment_id/sessions",
			middleware.RequireStudentJWT(authService),
			handlers.Session.StartSession,
		)

		sessions := api.Group("/sessions/:token")
		{
			sessions.GET("", handlers.Session.GetSession)
			sessions.GET("/status", handlers.Session.GetStatus)
			sessions.POST("/answers", handlers.Session.SubmitAnswer)
			sessions.POST("/submit", handlers.Session.SubmitAssessment)
			sessions.POST("/heartbeat", handlers.Session.Heartbeat)
			sessions.PUT("/progress", handlers.Session.UpdateProgress)
			sessions.POST("/pause", handlers.Session.Pause)
			sessions.POST("/resume", handlers.Session.Resume)
			sessions.POST("/security-events", handlers.Session.ReportSecurityEvent)
		}
	}

	// ─── 3. Proctor Group ──────────────────────────────────────────────
	proctor := router.Group("/api/v1/proctor")
	proctor.Use(middleware.RequireProctorJWT(authService), middleware.NoStore())
	{
		proctor.GET("/sessions/:token/analysis", handlers.Session.GetBehaviorAnalysis)
		proctor.GET("/assessments/:assessment_id/sessions", handlers.Monitor.GetSnapshot)
		proctor.GET("/assessments/:assessment_id/monitor", handlers.Monitor.MonitorAssessmentSSE)
		proctor.POST("/students/:student_id/reset-login", handlers.Auth.ResetStudentLogin)
	}

	// ─── 4. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireAnyJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		ws.GET("/sessions/:token", handlers.WS.SessionStream)
	}

	return router
}
