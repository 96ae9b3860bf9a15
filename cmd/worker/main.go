package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/heartbeat"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/ingest"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/mvrefresh"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/scheduler"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/config"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/infrastructure/graph"
	adminhttp "github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/infrastructure/http"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/infrastructure/persistence/postgres"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/observability"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// shutdownTimeout bounds how long draining the admin server may take once a
// stop signal arrives.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		// The logger may not be initialized when config loading fails.
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		// A timeout keeps shutdown from hanging when the collector is
		// unreachable.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "Failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	store, err := postgres.Connect(ctx, postgres.Config{
		DSN:            cfg.Database.URL,
		ConnectTimeout: cfg.Database.ConnectTimeout(),
		AutoMigrate:    cfg.Database.AutoMigrate,
		Retry: postgres.RetryPolicy{
			MaxRetries: cfg.Database.WriteMaxRetries,
			BaseMS:     cfg.Database.WriteRetryBaseMS,
			MaxMS:      cfg.Database.WriteRetryMaxMS,
			JitterMS:   cfg.Database.WriteRetryJitterMS,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close store",
				runtimelog.AttrActor, runtimelog.ActorDB,
				"error", err)
		}
	}()

	slog.InfoContext(ctx, "Storage initialized",
		runtimelog.AttrActor, runtimelog.ActorDB,
		"url", maskPassword(cfg.Database.URL),
		"auto_migrate", cfg.Database.AutoMigrate)

	graphClient, err := graph.New(graph.Config{
		BaseURL:        cfg.Graph.BaseURL,
		TenantID:       cfg.Graph.TenantID,
		ClientID:       cfg.Graph.ClientID,
		ClientSecret:   cfg.Graph.ClientSecret,
		MaxRetries:     cfg.Graph.MaxRetries,
		ConnectTimeout: cfg.Graph.ConnectTimeout,
		ReadTimeout:    cfg.Graph.ReadTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create graph client: %w", err)
	}

	coordinator := mvrefresh.NewCoordinator(store)
	ingestJob := ingest.NewJob(store, graphClient, coordinator, ingest.Config{
		FlushEvery:                 cfg.Graph.FlushEvery,
		PageSize:                   cfg.Graph.PageSize,
		MaxConcurrency:             cfg.Graph.MaxConcurrency,
		PermissionsBatchSize:       cfg.Graph.PermissionsBatchSize,
		PermissionsStaleAfterHours: cfg.Graph.PermissionsStaleAfterHours,
	})

	sched := scheduler.New(store, scheduler.WithPollInterval(cfg.Scheduler.PollInterval()))
	sched.Register(domain.JobTypeGraphIngest, func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		return ingestJob.Run(ctx, runID, job.JobID, job.Config, actor)
	})
	sched.Register(domain.JobTypeMVRefresh, func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		_, err := coordinator.Run(ctx, runID, job.JobID, job.Config, actor)
		return err
	})

	if cfg.Scheduler.RecoverInterruptedRuns {
		recovered, err := sched.RecoverInterruptedRuns(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover interrupted runs: %w", err)
		}
		if recovered > 0 {
			slog.InfoContext(ctx, "Closed interrupted runs from previous worker",
				runtimelog.AttrActor, runtimelog.ActorScheduler,
				"count", recovered)
		}
	}

	emitter := heartbeat.New(heartbeat.Config{
		URL:           cfg.Heartbeat.URL,
		Interval:      cfg.Heartbeat.Interval(),
		Timeout:       cfg.Heartbeat.Timeout(),
		FailThreshold: cfg.Heartbeat.FailThreshold,
	})

	api := adminhttp.NewAPI(store, sched, emitter)
	server := adminhttp.NewAPIServer(api, adminhttp.ServerConfig{
		Addr:          cfg.Admin.ListenAddr,
		InternalToken: cfg.Admin.InternalAPIToken,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		return emitter.Start(gctx)
	})
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Drain the admin server once anything asks for shutdown. A fresh
		// context is required: gctx is already canceled at that point.
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("Worker shut down",
		runtimelog.AttrActor, runtimelog.ActorScheduler)
	return err
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		// If parsing fails, fall back to full redaction to be safe
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			username := u.User.Username()
			u.User = url.UserPassword(username, "xxxxxx")
		}
	}
	return u.String()
}
