package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dominds/internal/config"
	"dominds/internal/llm"
	"dominds/internal/server"
	"dominds/pkg/logger"
)

// NewServeCmd creates the serve command. It is also the root command's
// default behavior.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dominds server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	log := logger.Get()

	mode := cfg.Gateway.Mode
	if mode != "dev" && mode != "prod" {
		return fmt.Errorf("invalid mode %q: must be dev or prod", mode)
	}

	srv, err := server.New(cfg, llm.Unconfigured(), config.AuthKeySet())
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	log.Info().
		Str("host", cfg.Gateway.Host).
		Int("port", cfg.Gateway.Port).
		Str("mode", mode).
		Msg("dominds server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-srv.ErrorChan():
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
