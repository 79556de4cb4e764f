package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"opdesk/internal/audit"
	"opdesk/internal/cancel"
	"opdesk/internal/history"
	"opdesk/internal/liveview"
	"opdesk/internal/notify"
	"opdesk/internal/platform/config"
	"opdesk/internal/platform/httpserver"
	"opdesk/internal/platform/logger"
	"opdesk/internal/platform/postgres"
	platformredis "opdesk/internal/platform/redis"
	"opdesk/internal/reconcile"
	"opdesk/internal/registrar"
	"opdesk/internal/shard"
	"opdesk/internal/store"
	"opdesk/internal/visit"
	"opdesk/internal/visit/handler"
	visitmetrics "opdesk/internal/visit/metrics"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Environment)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := shard.NewCodec(cfg.Timezone)
	if err != nil {
		return err
	}

	gateway, cleanup, err := buildGateway(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	secretHash, err := resolveSecretHash(cfg, log)
	if err != nil {
		return err
	}

	publisher := audit.NewPublisher(0)
	auditStore, closeAudit, err := buildAuditStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	worker := audit.NewWorker(auditStore, publisher.Inbox(), log)
	go func() { _ = worker.Run(ctx) }()

	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}

	fetcher := history.NewFetcher(gateway, log)
	views := reconcile.ViewFactory(func(ctx context.Context, mode visit.Mode) (reconcile.LiveSource, error) {
		view := liveview.New(gateway, mode.LivePath(), log)
		if err := view.Start(ctx); err != nil {
			return nil, err
		}
		return view, nil
	})
	reconciler := reconcile.New(fetcher, views, codec, log,
		reconcile.WithSearchWindowDays(cfg.SearchWindowDays),
		reconcile.WithDebounce(cfg.DebounceInterval),
	)

	coordinator, err := cancel.New(gateway, codec, secretHash, log,
		cancel.WithAuditPublisher(publisher),
		cancel.WithNotifier(notifier),
	)
	if err != nil {
		return err
	}
	reg, err := registrar.New(gateway, codec, log,
		registrar.WithAuditPublisher(publisher),
		registrar.WithNotifier(notifier),
	)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	handler.New(reconciler, reg, coordinator, codec, visitmetrics.New()).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting opdesk", "addr", cfg.Addr, "timezone", cfg.Timezone)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := httpserver.Shutdown(srv); err != nil {
		return err
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	closeNotifier(flushCtx)
	log.Info("shutdown complete")
	return nil
}

// buildGateway connects the document store: Redis when configured, otherwise
// an in-process store suitable for development.
func buildGateway(cfg config.Config, log *slog.Logger) (store.Gateway, func(), error) {
	client, err := platformredis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		log.Warn("redis not configured, using in-memory store")
		return store.NewMemoryGateway(), func() {}, nil
	}
	return store.NewRedisGateway(client.Client), func() { _ = client.Close() }, nil
}

// resolveSecretHash prefers the pre-hashed cancellation secret. A plaintext
// secret is hashed at startup for development setups.
func resolveSecretHash(cfg config.Config, log *slog.Logger) (string, error) {
	if cfg.CancelSecretHash != "" {
		return cfg.CancelSecretHash, nil
	}
	if cfg.CancelSecret != "" {
		log.Warn("hashing plaintext cancellation secret, set OPDESK_CANCEL_SECRET_HASH in production")
		hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.CancelSecret), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	}
	return "", errors.New("cancellation secret not configured")
}

func buildAuditStore(cfg config.Config, log *slog.Logger) (audit.Store, func(), error) {
	db, err := postgres.Open(cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if db == nil {
		log.Warn("postgres not configured, audit trail is in-memory")
		return audit.NewMemoryStore(), func() {}, nil
	}
	return audit.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

func buildNotifier(cfg config.Config, log *slog.Logger) (notify.Notifier, func(context.Context), error) {
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("kafka not configured, lifecycle notices are disabled")
		return notify.Noop{}, func(context.Context) {}, nil
	}
	kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	if err != nil {
		return nil, nil, err
	}
	return kn, func(ctx context.Context) {
		if err := kn.Close(ctx); err != nil {
			log.Warn("kafka close failed", "error", err)
		}
	}, nil
}
