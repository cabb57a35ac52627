package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"workflow-orchestrator/api/rest/routes"
	"workflow-orchestrator/core/monitoring"
	"workflow-orchestrator/core/scheduler"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background housekeeping",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start", zap.Error(err))
		return err
	}
	if err := a.executor.Restore(ctx); err != nil {
		a.close()
		return err
	}

	housekeeping, err := scheduler.NewScheduler(a.pool, a.executor, scheduler.Config{
		SweepInterval:   cfg.Tunnel.SweepInterval,
		PurgeInterval:   cfg.Retention.PurgeInterval,
		RetentionWindow: cfg.Retention.Window,
	}, log)
	if err != nil {
		a.close()
		return err
	}
	housekeeping.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, a.executor, monitoring.NewMetricsExporter(a.executor, a.pool))

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		log.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server forced to shutdown", zap.Error(err))
	}
	if err := housekeeping.Stop(); err != nil {
		log.Warn("Failed to stop housekeeping", zap.Error(err))
	}
	a.shutdown(shutdownCtx)
	log.Info("Server exited")
	return nil
}
