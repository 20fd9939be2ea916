// Package main runs the recording studio backend: HTTP API, WebSocket
// signaling, and the merge worker pool, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duetcast/backend/config"
	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/internal/coordinator"
	"github.com/duetcast/backend/internal/middleware"
	"github.com/duetcast/backend/internal/pipeline"
	"github.com/duetcast/backend/internal/realtime"
	"github.com/duetcast/backend/internal/recordings"
	"github.com/duetcast/backend/internal/rooms"
	"github.com/duetcast/backend/internal/upload"
	"github.com/duetcast/backend/internal/worker"
	"github.com/duetcast/backend/pkg/database"
	"github.com/duetcast/backend/pkg/queue"
	"github.com/duetcast/backend/pkg/redis"
	"github.com/duetcast/backend/pkg/response"
	"github.com/duetcast/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.RecordingsBucket != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	} else {
		logger.Warn("no recordings bucket configured, artifact publishing disabled")
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	resolver := auth.NewResolver(jwtService, authRepo, logger)

	// Rooms + realtime
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	registry := rooms.NewRegistry(logger)
	roomHandler := rooms.NewHandler(registry)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(registry, iceServers, redisPubSub, redisPubSub, logger)

	// Recordings + merge pipeline
	recordingRepo := recordings.NewRepository(pool)
	var artifacts coordinator.ArtifactStore
	var signer recordings.Signer
	if s3Client != nil {
		artifacts = s3Client
		signer = s3Client
	}
	recordingHandler := recordings.NewHandler(recordingRepo, signer, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	coord := coordinator.New(
		coordinator.Config{
			StartLead:    time.Duration(cfg.Pipeline.StartLeadSeconds) * time.Second,
			SettleWindow: time.Duration(cfg.Pipeline.SettleSeconds) * time.Second,
		},
		hub, recordingRepo, artifacts, jobQueue, registry, logger,
	)
	hub.SetRecordingControl(coord)

	// Uploads
	uploadMgr := upload.NewManager(cfg.Upload.Dir, logger)
	uploadHandler := upload.NewHandler(uploadMgr, coord, cfg.Upload.MaxChunkBytes, logger)

	merger := pipeline.New(pipeline.Config{
		FFmpegPath:  cfg.Pipeline.FFmpegPath,
		FFprobePath: cfg.Pipeline.FFprobePath,
	}, nil, logger)
	mergeProcessor := worker.NewMergeProcessor(cfg.Upload.Dir, merger, coord, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
	}

	// Rooms
	router.POST("/api/rooms", middleware.JWT(jwtService), roomHandler.Create)
	router.GET("/api/rooms/:id", roomHandler.Get)

	// Uploads: open to guests, identity enforced against the declared userId.
	uploadGroup := router.Group("/api/upload")
	uploadGroup.Use(middleware.OptionalJWT(jwtService))
	{
		uploadGroup.POST("/init-session", uploadHandler.InitSession)
		uploadGroup.POST("/chunk", uploadHandler.PutChunk)
		uploadGroup.POST("/finalize-session", uploadHandler.FinalizeSession)
		uploadGroup.POST("/complete", uploadHandler.PutComplete)
	}

	// Recording library (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/recordings", recordingHandler.List)
		api.GET("/recordings/:id", recordingHandler.Get)
		api.DELETE("/recordings/:id", recordingHandler.Delete)
	}

	// WebSocket (token in query; guests welcome)
	router.GET("/ws", realtime.ServeWS(hub, resolver, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Merge worker pool
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		go mergeProcessor.Run(workerCtx)
	}
	logger.Info("merge workers started", zap.Int("count", cfg.Pipeline.Workers))

	// Stale upload session sweep
	go func() {
		expiry := time.Duration(cfg.Upload.SessionExpiryMin) * time.Minute
		ticker := time.NewTicker(expiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				uploadMgr.ExpireOlderThan(expiry)
			}
		}
	}()

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
