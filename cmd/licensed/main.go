package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"hotfix-license-server/internal/config"
	"hotfix-license-server/internal/httpapi"
	"hotfix-license-server/internal/logging"
	"hotfix-license-server/internal/metrics"
	"hotfix-license-server/internal/protocol"
	"hotfix-license-server/internal/store"
	"hotfix-license-server/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "licensed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.HTTP.Addr, "http", cfg.HTTP.Addr, "HTTP listen address (or env LICENSE_HTTP_ADDR)")
	flag.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "store driver: bbolt or postgres (or env LICENSE_STORE_DRIVER)")
	flag.StringVar(&cfg.Store.Path, "db", cfg.Store.Path, "bbolt file path (or env LICENSE_STORE_FILE)")
	flag.StringVar(&cfg.Bot.Token, "bot-token", cfg.Bot.Token, "Telegram bot token, empty disables the bot (or env LICENSE_BOT_TOKEN)")
	flag.Int64Var(&cfg.Bot.AdminChatID, "admin-chat-id", cfg.Bot.AdminChatID, "Telegram admin chat id (or env LICENSE_BOT_ADMIN_CHAT_ID)")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Info("store opened", slog.String("driver", cfg.Store.Driver))

	if cfg.AdminSecret == "" {
		log.Warn("no admin secret configured, admin operations are disabled")
	}

	m := metrics.New()
	engine, err := protocol.NewEngine(protocol.Config{
		Store:       st,
		AdminSecret: cfg.AdminSecret,
		MaxNonceAge: cfg.MaxNonceAge,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	apiOpts := httpapi.Options{
		Engine:         engine,
		Logger:         log,
		Metrics:        m,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		TrustProxy:     cfg.HTTP.TrustProxy,
	}
	if cfg.RateLimit.Enabled {
		apiOpts.RPS = cfg.RateLimit.RPS
		apiOpts.Burst = cfg.RateLimit.Burst
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(apiOpts).Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", slog.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Bot.Token != "" {
		bot, err := telegram.NewBot(cfg.Bot.Token, cfg.Bot.AdminChatID, engine, cfg.AdminSecret, log)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("telegram bot: %w", err)
		}
		g.Go(func() error { return bot.Run(gctx) })
	} else {
		log.Info("telegram bot disabled")
	}

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return store.OpenBBolt(cfg.Path)
	}
}
