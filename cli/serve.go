package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalrun/config"
	"github.com/petal-labs/petalrun/server"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and stream distributor",
		Long: "serve exposes the run API with its SSE and WebSocket streams.\n" +
			"With an in-memory queue it also executes runs in-process; with a\n" +
			"Redis queue pass --workers to do so, or run \"petalrun worker\" separately.",
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "Listen address (default from config, :8080)")
	cmd.Flags().Bool("workers", false, "Consume the job queue in this process")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 0, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	// Streams stay open for the whole run, so there is no write timeout by default.
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 disables)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	embedWorkers, _ := cmd.Flags().GetBool("workers")
	if cfg.Queue.Backend == config.BackendMemory {
		embedWorkers = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := newStack(cfg, nil)
	defer func() {
		if err := st.Close(); err != nil {
			st.logger.Warn("closing components", "error", err)
		}
	}()

	runs, err := st.store()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	jobs, err := st.queue()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	dist, err := st.distributor()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if err := dist.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting stream distributor: %v", err)
	}
	defer func() { _ = dist.Stop() }()

	sweeper, err := st.sweeper(ctx)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			return exitError(exitRuntime, "starting sweeper: %v", err)
		}
		defer func() { _ = sweeper.Stop(context.Background()) }()
	}

	api := server.NewServer(server.ServerConfig{
		Runs:         runs,
		Queue:        jobs,
		Distributor:  dist,
		ArtifactDir:  st.localArtifactDir(),
		SSEHeartbeat: cfg.Stream.Heartbeat,
		CORSOrigin:   cfg.CORSOrigin,
		MaxBody:      cfg.MaxBody,
		Logger:       st.logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      api.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(cmd.OutOrStdout(), "petalrun listening on %s\n", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if embedWorkers {
		proc, err := st.processor(ctx)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		g.Go(func() error {
			st.logger.Info("consuming job queue", "queue", cfg.Queue.Name, "backend", cfg.Queue.Backend,
				"concurrency", cfg.Queue.Concurrency)
			return jobs.Consume(gctx, proc)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.MaxBody, _ = flags.GetInt64("max-body")
	}
}
