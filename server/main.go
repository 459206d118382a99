package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/bindery-labs/bindery/pkg/config"
	"github.com/bindery-labs/bindery/pkg/ratelimit"
	"github.com/bindery-labs/bindery/pkg/scoring"
	"github.com/bindery-labs/bindery/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	configPath = flag.String("config", "/etc/bindery/server.yaml", "Config file path")
	listenFlag = flag.String("listen", "", "Listen address (overrides config)")
	dbFlag     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

// Server wires the authenticated device API: token-gated registration,
// HMAC-verified heartbeats that double as task assignment, report intake,
// and the operator surface.
type Server struct {
	db            *gorm.DB
	queue         *TaskQueue
	audit         *SecurityAuditLog
	rateLimiter   ratelimit.Limiter
	tokenHasher   TokenHasher
	logger        zerolog.Logger
	tolerance     time.Duration
	rotationGrace time.Duration
	adminToken    string
	batchSize     int
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}
	if err := cfg.Validate(); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("bindery server starting")

	ctx := context.Background()
	provider, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "bindery-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer provider.Shutdown(ctx)

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	policy, err := scoring.LoadPolicy(cfg.Scoring.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load scoring policy")
	}

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowS)*time.Second)
	limiter.StartEviction(
		time.Duration(cfg.RateLimit.EvictEveryS)*time.Second,
		time.Duration(cfg.RateLimit.IdleTTLS)*time.Second,
	)
	defer limiter.Stop()

	srv := &Server{
		db:            db,
		queue:         NewTaskQueue(db),
		audit:         NewSecurityAuditLog(db, policy, logger),
		rateLimiter:   limiter,
		tokenHasher:   NewTokenHasher([]byte(cfg.TokenSalt)),
		logger:        logger,
		tolerance:     time.Duration(cfg.Auth.ToleranceS) * time.Second,
		rotationGrace: time.Duration(cfg.Auth.RotationGraceS) * time.Second,
		adminToken:    cfg.AdminToken,
		batchSize:     cfg.Dispatch.BatchSize,
	}

	if cfg.Sweep.Enable {
		sweeper := NewSweeper(
			srv.queue,
			time.Duration(cfg.Sweep.IntervalS)*time.Second,
			time.Duration(cfg.Sweep.AssignedTimeoutS)*time.Second,
			cfg.Sweep.MaxAttempts,
			logger,
		)
		go sweeper.Run(ctx)
		logger.Info().
			Int("interval_s", cfg.Sweep.IntervalS).
			Int("assigned_timeout_s", cfg.Sweep.AssignedTimeoutS).
			Msg("stale-assignment sweeper enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))
	srv.registerRoutes(r)

	logger.Info().Str("listen", cfg.Listen).Msg("listening")
	if err := r.Run(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	r.POST("/devices/register", s.handleRegister)

	signed := r.Group("/devices/:id", s.requireSignedDevice)
	signed.POST("/heartbeat", s.handleHeartbeat)
	signed.GET("/tasks", s.handleListTasks)
	signed.POST("/report", s.handleReport)
	signed.POST("/rotate", s.handleRotateSecret)

	admin := r.Group("/admin", s.requireAdmin)
	admin.POST("/tokens", s.handleIssueToken)
	admin.GET("/tokens", s.handleListTokens)
	admin.DELETE("/tokens/:id", s.handleDeactivateToken)
	admin.GET("/devices", s.handleListDevices)
	admin.POST("/devices/:id/ban", s.handleBanDevice)
	admin.DELETE("/devices/:id/ban", s.handleUnbanDevice)
	admin.POST("/devices/:id/rotate", s.handleFlagRotation)
	admin.DELETE("/devices/:id/rotate", s.handleClearRotation)
	admin.POST("/devices/:id/commands", s.handleQueueCommand)
	admin.POST("/tasks", s.handleCreateTask)
	admin.GET("/tasks", s.handleAdminListTasks)
	admin.GET("/violations", s.handleListViolations)
	admin.GET("/stats", s.handleStats)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	if cfg.JSON {
		return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}
