package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
	internalhttp "github.com/QVSorrow/low-level-video/internal/http"
	"github.com/QVSorrow/low-level-video/internal/http/handlers"
	"github.com/QVSorrow/low-level-video/internal/jobs"
	"github.com/QVSorrow/low-level-video/internal/startup"
	"github.com/QVSorrow/low-level-video/internal/storage"
	"github.com/QVSorrow/low-level-video/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lowvideo server",
	Long: `Start the lowvideo HTTP server and API.

The server provides:
- REST API for starting, listing and cancelling transcode and record jobs
- Server-sent progress events per job
- Health check endpoint
- OpenAPI documentation at /docs`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (default server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (default server.port)")
	serveCmd.Flags().Int("max-jobs", 0, "concurrently running jobs (default server.max_jobs)")
}

func serverConfig(cmd *cobra.Command) internalhttp.ServerConfig {
	sc := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		LogRequests:     cfg.Server.LogRequests,
	}
	if cmd.Flags().Changed("host") {
		sc.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		sc.Port, _ = cmd.Flags().GetInt("port")
	}
	return sc
}

func runServe(cmd *cobra.Command, _ []string) error {
	outputDir := cfg.Storage.OutputPath()
	sandbox, err := storage.NewSandbox(outputDir)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	// Remove outputs abandoned by a previous run.
	removed, err := startup.CleanupPartialOutputs(logger, outputDir, cfg.Storage.PartialMaxAge.Duration())
	if err != nil {
		logger.Warn("failed to clean partial outputs", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned partial outputs on startup", slog.Int("removed_count", removed))
	}

	transcodeDefaults, err := transcodeOptions(cfg)
	if err != nil {
		return err
	}
	recordDefaults, err := recordOptions(cfg)
	if err != nil {
		return err
	}

	maxJobs := cfg.Server.MaxJobs
	if cmd.Flags().Changed("max-jobs") {
		maxJobs, _ = cmd.Flags().GetInt("max-jobs")
	}
	manager := jobs.NewManager(jobs.Config{
		Deps:              pipelineDeps(cfg, nil, logger),
		Outputs:           sandbox,
		MaxJobs:           maxJobs,
		Retention:         cfg.Storage.OutputRetention.Duration(),
		RetentionInterval: cfg.Storage.RetentionInterval.Duration(),
		Logger:            logger,
	})
	if err := manager.Start(); err != nil {
		return fmt.Errorf("starting job manager: %w", err)
	}

	sc := serverConfig(cmd)
	server := internalhttp.NewServer(sc, logger)

	detector := ffmpeg.NewBinaryDetector().
		WithFFmpegPath(cfg.FFmpeg.BinaryPath).
		WithFFprobePath(cfg.FFmpeg.ProbePath)
	handlers.NewHealthHandler(version.Short()).
		WithJobs(manager).
		WithFFmpeg(detector).
		Register(server.API())

	jobHandler := handlers.NewJobHandler(manager, handlers.Defaults{
		Transcode: transcodeDefaults,
		Record:    recordDefaults,
		Render:    renderOptions(cfg),
	})
	jobHandler.Register(server.API())
	jobHandler.RegisterSSE(server.Router())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting lowvideo server",
		slog.String("host", sc.Host),
		slog.Int("port", sc.Port),
		slog.String("output_dir", outputDir),
		slog.Int("max_jobs", maxJobs),
		slog.String("version", version.Version),
	)

	serveErr := server.ListenAndServe(ctx)

	// Running jobs are cancelled; their partial outputs are discarded.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Warn("jobs did not stop in time", slog.String("error", err.Error()))
	}
	return serveErr
}
