package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"yt-clipper/internal/auth"
	"yt-clipper/internal/config"
	"yt-clipper/internal/downloader"
	apphttp "yt-clipper/internal/http"
	"yt-clipper/internal/reaper"
	"yt-clipper/internal/repository/sqlite"
	"yt-clipper/internal/service"
	"yt-clipper/internal/session"
	"yt-clipper/internal/storage"
	"yt-clipper/internal/toolexec"
	"yt-clipper/internal/transcoder"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, keeping %s", cfg.Log.Level, logger.GetLevel())
	}

	secret, err := jwtSecret(cfg, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// gctx ends on a signal or when any group member fails
	g, gctx := errgroup.WithContext(ctx)

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	sessionRepo := sqlite.NewSessionRepository(db)
	fileRepo := sqlite.NewWorkingFileRepository(db)
	if err := sqlite.InitAll(ctx, sessionRepo, fileRepo); err != nil {
		logger.Fatalf("init repositories: %v", err)
	}

	videosDir, err := filepath.Abs(cfg.Videos.Dir)
	if err != nil {
		logger.Fatalf("resolve videos dir: %v", err)
	}
	registry := service.NewFileRegistry(videosDir, sessionRepo, fileRepo, logger)
	// files from a previous run have no session to belong to
	if err := registry.Reset(ctx); err != nil {
		logger.Fatalf("reset videos dir: %v", err)
	}

	runner := &toolexec.ExecRunner{Timeout: cfg.Tools.Timeout}
	dl := downloader.NewYtDlp(downloader.Config{Binary: cfg.Tools.YtDlp, Logger: logger}, runner)
	tc, err := transcoder.NewFFmpeg(transcoder.Config{
		FFmpeg:    cfg.Tools.FFmpeg,
		FFprobe:   cfg.Tools.FFprobe,
		CacheSize: cfg.Probe.CacheSize,
		Logger:    logger,
	}, runner)
	if err != nil {
		logger.Fatalf("setup transcoder: %v", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	manager := session.NewManager(session.Config{
		Compress: transcoder.Options{
			Codec:  cfg.Compress.Codec,
			CRF:    cfg.Compress.CRF,
			Preset: cfg.Compress.Preset,
		},
		Export: session.ExportConfig{
			Bucket:     cfg.Storage.Bucket,
			KeyPrefix:  cfg.Storage.KeyPrefix,
			PresignTTL: cfg.Storage.PresignTTL,
		},
		Lifetime: gctx,
		Logger:   logger,
	}, service.NewSessionService(sessionRepo), registry, dl, tc, storageSvc)

	sweeper := reaper.New(reaper.Config{
		Interval:    cfg.Reaper.Interval,
		Retention:   cfg.Reaper.Retention,
		ProtectLive: cfg.Reaper.ProtectLive,
		SessionIdle: cfg.Reaper.SessionIdle,
		Logger:      logger,
	}, registry, manager)

	tokens, err := auth.NewTokenIssuer(secret, cfg.Auth.SessionTTL)
	if err != nil {
		logger.Fatalf("setup tokens: %v", err)
	}
	admin := auth.NewAdmin(cfg.Auth.AdminUser, cfg.Auth.AdminPasswordHash)
	if !admin.Enabled() {
		logger.Warn("admin password hash not set, maintenance endpoints are disabled")
	}

	production := cfg.Server.Mode == config.ModeProduction
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), apphttp.RequestLogger(logger))
	handler := apphttp.NewHandler(manager, tokens, admin, sweeper, logger, apphttp.Options{
		HideInternalErrors: production,
		SecureCookies:      production,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apphttp.WithCORS(router, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Infof("listening on %s (videos in %s)", cfg.Server.Addr, videosDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("server stopped: %v", err)
	}
	logger.Info("bye")
}

// jwtSecret returns the configured signing secret. Development runs without
// one get a random secret, so sessions do not survive a restart.
func jwtSecret(cfg config.Config, logger *logrus.Logger) (string, error) {
	if secret := strings.TrimSpace(cfg.Auth.JWTSecret); secret != "" {
		return secret, nil
	}
	if cfg.Server.Mode == config.ModeProduction {
		return "", fmt.Errorf("auth jwt secret is required in production")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	logger.Warn("auth jwt secret not set, using a random one")
	return hex.EncodeToString(buf), nil
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if !cfg.StorageEnabled() {
		logger.Info("storage bucket not set, clip export is disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
