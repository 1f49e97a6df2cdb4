package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/khalidbs/vulnveille/cmd/config"
	"github.com/khalidbs/vulnveille/pkg/database"
	"github.com/khalidbs/vulnveille/pkg/extract"
	"github.com/khalidbs/vulnveille/pkg/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bulletin tracking web server",
	RunE:  serve,
}

func serve(cmd *cobra.Command, args []string) error {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg := config.Use()

	db := database.Use()
	defer db.Close()

	extractor, err := extract.NewClient(cfg.OpenRouter, log)
	if err != nil {
		return err
	}

	matcher, err := extract.NewMatcher(cfg.Matching.File, log)
	if err != nil {
		return err
	}
	defer matcher.Close()
	if err := matcher.Watch(); err != nil {
		log.Warn().Err(err).Msg("matching table watch unavailable, edits need a restart")
	}

	config.WatchConfig(func() {
		log.Info().Msg("configuration reloaded")
	})

	server, err := web.New(db, extractor, matcher, cfg.UploadDir, log)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
