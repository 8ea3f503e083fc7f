package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/parcel-chat/internal/api"
	"github.com/ashureev/parcel-chat/internal/bot"
	"github.com/ashureev/parcel-chat/internal/config"
	"github.com/ashureev/parcel-chat/internal/identity"
	"github.com/ashureev/parcel-chat/internal/middleware"
	"github.com/ashureev/parcel-chat/internal/orders"
	"github.com/ashureev/parcel-chat/internal/realtime"
	"github.com/ashureev/parcel-chat/internal/rules"
	"github.com/ashureev/parcel-chat/internal/session"
	"github.com/ashureev/parcel-chat/internal/store"
	"github.com/ashureev/parcel-chat/internal/stream"
	"github.com/ashureev/parcel-chat/internal/trainer"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout     = 10 * time.Second
	healthCheckInterval = 15 * time.Second
	trainerCleanupEvery = time.Hour
	grpcServiceName     = "parcel.chat.v1.Chat"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat HTTP/websocket API and the gRPC health service",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	},
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	table, err := rules.Load(cfg.Rules.Path, rules.Options{
		Strict:        cfg.Rules.Strict,
		ResponseDelay: cfg.Rules.ResponseDelay,
	})
	if err != nil {
		return fmt.Errorf("load rule table: %w", err)
	}
	for _, d := range table.Dangling() {
		logger.Warn("Rule table has a dangling sub-option reference", "option_set", d.SetKey, "node", d.NodeID, "missing", d.Missing)
	}
	logger.Info("Rule table loaded", "path", cfg.Rules.Path, "option_sets", len(table.Sets()), "nodes", table.NodeCount())

	matcher, err := bot.NewMatcher(table.EscalationKeywords(), cfg.Orders.IDLength)
	if err != nil {
		return fmt.Errorf("build matcher: %w", err)
	}

	var query orders.Query = orders.NewLocal(repo)
	if cfg.Orders.ServiceAddr != "" {
		client, err := orders.NewGrpcClient(orders.DefaultGrpcClientConfig(cfg.Orders.ServiceAddr), logger)
		if err != nil {
			logger.Warn("Order service unreachable, falling back to local order table", "address", cfg.Orders.ServiceAddr, "error", err)
		} else {
			defer client.Close()
			query = client
		}
	}
	query = orders.WithTimeout(query, cfg.Orders.LookupTimeout)

	hub := realtime.NewHub(repo, cfg.Session.HistoryLimit, logger)
	defer hub.Close()

	trainerLog := trainer.New(repo, trainer.Config{
		Enabled:   cfg.Trainer.Enabled,
		QueueSize: cfg.Trainer.QueueSize,
	}, logger)
	defer func() {
		if closeErr := trainerLog.Close(); closeErr != nil {
			logger.Warn("Trainer log did not drain", "error", closeErr)
		}
	}()

	sessions := session.NewManager(session.Deps{
		Channels: hub,
		Orders:   query,
		Trainer:  trainerLog,
		Table:    table,
		Matcher:  matcher,
		Logger:   logger,
	}, session.Config{IdleTTL: cfg.Session.IdleTTL})
	defer sessions.Close()
	sessions.StartReaper(ctx)

	limiter := api.NewRateLimiter(cfg.RateLimitPerMinute)
	limiter.StartEviction(ctx)

	registry := stream.NewRegistry(logger)

	// Initialize handlers.
	base := api.NewHandler(repo, hub, sessions, table, logger)
	healthHandler := api.NewHealthHandler(base)
	chatHandler := api.NewChatHandler(base, limiter)
	operatorHandler := api.NewOperatorHandler(base, cfg.OperatorToken)
	if cfg.OperatorToken == "" {
		logger.Warn("OPERATOR_TOKEN is not set; operator API is unauthenticated")
	}
	wsHandler := stream.NewWebSocketHandler(sessions, hub, registry, limiter, cfg.AllowedOrigins, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)
	operatorHandler.RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Websocket streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var (
		grpcSrv   *grpc.Server
		healthSrv *health.Server
		grpcLis   net.Listener
	)
	if cfg.GRPCPort != "" {
		grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcSrv = grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthSrv.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			logger.Info("gRPC health service listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			watchDatabase(gctx, repo, healthSrv, logger)
			return nil
		})
	}

	if cfg.Trainer.Enabled && cfg.Trainer.Retention > 0 {
		g.Go(func() error {
			pruneTrainerLog(gctx, repo, cfg.Trainer.Retention, logger)
			return nil
		})
	}

	// Wait for shutdown signal or a server failure.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		registry.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

// watchDatabase flips the gRPC health status with the database ping until
// ctx is done.
func watchDatabase(ctx context.Context, repo store.Repository, hs *health.Server, logger *slog.Logger) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	serving := true
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := repo.Ping(pingCtx)
			cancel()
			if ok := err == nil; ok != serving {
				serving = ok
				status := healthpb.HealthCheckResponse_SERVING
				if !ok {
					status = healthpb.HealthCheckResponse_NOT_SERVING
					logger.Error("Database unreachable, reporting NOT_SERVING", "error", err)
				} else {
					logger.Info("Database reachable again, reporting SERVING")
				}
				hs.SetServingStatus("", status)
				hs.SetServingStatus(grpcServiceName, status)
			}
		}
	}
}

// pruneTrainerLog deletes trainer records past retention once an hour.
func pruneTrainerLog(ctx context.Context, repo store.Repository, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(trainerCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.CleanupTrainerLog(ctx, retention)
			if err != nil {
				logger.Warn("Trainer log cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Trainer log pruned", "deleted", n, "retention", retention)
			}
		}
	}
}
