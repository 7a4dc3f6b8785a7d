package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-simulator/internal/config"
	"github.com/stemsi/exstem-simulator/internal/handler"
	"github.com/stemsi/exstem-simulator/internal/metrics"
	"github.com/stemsi/exstem-simulator/internal/middleware"
	"github.com/stemsi/exstem-simulator/internal/response"
	"github.com/stemsi/exstem-simulator/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Simulator *handler.SimulatorHandler
	WS        *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(metrics.MetricsMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.PrometheusHandler())

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)

	// ─── 1. Simulator Group (JWT + Rate Limited) ───────────────────────
	sim := router.Group("/api/v1/simulator")
	sim.Use(
		middleware.RequireJWT(authService),
		limiter.Middleware(),
		middleware.NoStore(),
	)
	{
		exams := sim.Group("/exams")
		exams.POST("", handlers.Simulator.StartExam)
		exams.GET("", middleware.Brotli(0), handlers.Simulator.ListExams)
		exams.GET("/active", handlers.Simulator.GetActiveExam)

		exams.GET("/:attempt_id", handlers.Simulator.GetExam)
		exams.POST("/:attempt_id/resume", handlers.Simulator.ResumeExam)
		exams.POST("/:attempt_id/answer", handlers.Simulator.SelectAnswer)
		exams.POST("/:attempt_id/next", handlers.Simulator.NextQuestion)
		exams.POST("/:attempt_id/previous", handlers.Simulator.PreviousQuestion)
		exams.POST("/:attempt_id/jump", handlers.Simulator.JumpToQuestion)
		exams.POST("/:attempt_id/flag", handlers.Simulator.ToggleFlag)
		exams.POST("/:attempt_id/finish", handlers.Simulator.FinishSession)
		exams.POST("/:attempt_id/continue", handlers.Simulator.ContinueExam)
		exams.POST("/:attempt_id/abandon", handlers.Simulator.AbandonExam)
		exams.GET("/:attempt_id/results", handlers.Simulator.GetResults)
		exams.GET("/:attempt_id/review", middleware.Brotli(0), handlers.Simulator.GetReview)
	}

	// ─── 2. WebSocket Group (WS Auth) ──────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(authService))
	{
		ws.GET("/simulator/exams/:attempt_id/stream", handlers.WS.ExamStream)
	}

	return router
}
