package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fresh0/internal/fresh0"
)

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		boot.Fatal().Err(err).Msg("fresh0")
	}
}

// run serves until ctx is done. Every path out of run closes the service.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fresh0", flag.ContinueOnError)
	configPath := fs.String("config", getenvDefault("FRESH0_CONFIG", "/fresh0.yaml"), "path to fresh0.yaml")
	watch := fs.Bool("watch", true, "reload widgets when the config file changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := fresh0.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", *configPath, err)
	}

	logger, err := fresh0.NewLogger(os.Stdout, cfg.Logging.Level)
	if err != nil {
		return err
	}

	svc, err := fresh0.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *watch {
		go func() {
			if err := fresh0.WatchConfig(ctx, *configPath, svc, logger); err != nil {
				logger.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Int("widgets", len(cfg.Widgets)).Str("storage", cfg.Storage.Backend).Msg("fresh0 listening")
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
