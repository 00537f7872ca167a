package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiodesk/relay/internal/auth"
	"github.com/studiodesk/relay/internal/config"
	"github.com/studiodesk/relay/internal/gateway"
	"github.com/studiodesk/relay/internal/logger"
	"github.com/studiodesk/relay/internal/presence"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "studiodesk relay server",
		RunE:  run,
	}

	root.Flags().String("config", "", "path to relay.yaml")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().Bool("dev", false, "dev mode: in-memory presence, no redis required")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	dev, _ := cmd.Flags().GetBool("dev")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Listen = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	secret, generated, err := auth.SecretFromConfig(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}
	if generated {
		logger.Log.Warn("no jwt secret configured, generated an ephemeral one",
			"secret", base64.StdEncoding.EncodeToString(secret))
	}

	store, err := openPresence(cfg, dev)
	if err != nil {
		return err
	}

	srv := gateway.NewServer(cfg.Gateway, secret, store, logger.Log)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Log-level changes apply without a restart; everything else needs one.
	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, func(next *config.Config) {
				logger.SetLevel(next.Logging.Level)
				logger.Log.Info("log level updated", "level", next.Logging.Level)
			})
			if err != nil && ctx.Err() == nil {
				logger.Log.Warn("config watch stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("relayd listening", "addr", cfg.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openPresence(cfg *config.Config, dev bool) (presence.Store, error) {
	if dev || cfg.Presence.Backend == "memory" {
		logger.Log.Info("presence backend: memory")
		return presence.NewMemoryStore(cfg.Presence.TTL), nil
	}
	store, err := presence.NewRedisStore(presence.RedisConfig{
		Addr:     cfg.Presence.RedisAddr,
		Password: cfg.Presence.RedisPassword,
		DB:       cfg.Presence.RedisDB,
		TTL:      cfg.Presence.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Log.Info("presence backend: redis", "addr", cfg.Presence.RedisAddr)
	return store, nil
}
