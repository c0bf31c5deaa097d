package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"edge-recorder/config"
	"edge-recorder/constant"
	busHandler "edge-recorder/handler"
	"edge-recorder/pkg/eventbus"
	"edge-recorder/pkg/gstpipeline"
	"edge-recorder/repository"
	"edge-recorder/service"
)

const shutdownGrace = 5 * time.Second

// RunAgent wires the store, pipeline, bus, uploader and coordinator together
// and blocks until SIGINT/SIGTERM. It returns the process exit code.
func RunAgent(cfg *config.Config) int {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).
		Bool("isProduction", cfg.IsProduction()).Send()
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := os.MkdirAll(cfg.Recording.BaseDirectory, 0o755); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("cannot create base directory")
		return constant.ExitConfigError
	}

	if err := gstpipeline.Probe(cfg.Pipeline); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("capture pipeline elements unavailable")
		return constant.ExitPipelineError
	}

	store, err := repository.NewStore(
		filepath.Join(cfg.Recording.BaseDirectory, repository.IndexFilename),
		cfg.Upload.StallRecovery,
	)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("cannot open fragment index")
		return constant.ExitStorageError
	}
	defer store.Close()

	conn, err := config.NewNATSConn(ctx, &cfg.EventBus)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("NewNATSConn")
		return constant.ExitConfigError
	}
	bus := eventbus.NewAdapter(conn, eventbus.DefaultRegistry())

	var urls service.URLSource
	if cfg.Upload.CoordinatorURL != "" {
		urls = service.NewCoordinatorURLSource(cfg.Upload.CoordinatorURL)
	} else {
		urls = service.NewMinioURLSource(cfg.Storage, cfg.MinIO.Bucket)
	}

	pipeline := service.GstPipeline{Controller: gstpipeline.NewController(cfg.Pipeline)}
	coordinator := service.NewCoordinator(cfg, store, bus, pipeline)
	uploader := service.NewUploader(store, bus, urls, cfg.Upload)
	retention := service.NewRetention(store, time.Duration(cfg.Upload.RetentionSeconds)*time.Second)

	if err := coordinator.Recover(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("recovery scan failed")
		return constant.ExitStorageError
	}

	deps := busHandler.ServiceDependencies{Coordinator: coordinator}
	responders := map[string]func(context.Context, eventbus.Message) (interface{}, error){
		eventbus.SubjectRecordingStart:  busHandler.StartHandler(deps),
		eventbus.SubjectRecordingStop:   busHandler.StopHandler(deps),
		eventbus.SubjectRecordingStatus: busHandler.StatusHandler(deps),
	}
	for subject, h := range responders {
		if err := bus.Respond(ctx, subject, h); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("subject", subject).Msg("cannot serve subject")
			return constant.ExitConfigError
		}
	}

	go uploader.Run(ctx)
	go retention.Run(ctx)

	r := gin.Default()
	addRoutes(r, coordinator)

	httpServer := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("addr", httpServer.Addr).Msg("start http server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down agent")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Msg("agent shutdown")
	return constant.ExitOK
}

func addRoutes(r *gin.Engine, coordinator *service.Coordinator) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
	r.GET("/status", func(c *gin.Context) {
		reply, err := coordinator.Status(c.Request.Context())
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, reply)
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
