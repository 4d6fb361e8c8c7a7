// Package main is the sync engine's entry point: it wires the Postgres
// persistence layer, the IMAP/Gmail sync and send drivers, the idle
// watchdog, and the HTTP/gRPC/metrics servers together and runs them with
// the same graceful-shutdown shape the platform's original server used.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"                        // v1.9.1
	_ "github.com/lib/pq"                             // v1.10.9
	"github.com/prometheus/client_golang/prometheus"  // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"        // v1.26.0
	"google.golang.org/grpc" // v1.58.2
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/mailforge/syncengine/internal/actions"
	"github.com/mailforge/syncengine/internal/config"
	"github.com/mailforge/syncengine/internal/eventbus"
	"github.com/mailforge/syncengine/internal/gmailsync"
	"github.com/mailforge/syncengine/internal/handlers"
	"github.com/mailforge/syncengine/internal/idempotency"
	"github.com/mailforge/syncengine/internal/idlewatch"
	"github.com/mailforge/syncengine/internal/imapsync"
	"github.com/mailforge/syncengine/internal/jobqueue"
	"github.com/mailforge/syncengine/internal/oauthmgr"
	"github.com/mailforge/syncengine/internal/sendpipeline"
	"github.com/mailforge/syncengine/internal/services"
	"github.com/mailforge/syncengine/internal/store"
	"github.com/mailforge/syncengine/internal/syncstate"
)

const (
	defaultGracePeriod     = time.Second * 30
	defaultShutdownTimeout = time.Second * 60
	defaultRequestTimeout  = time.Second * 30
)

// Server holds every long-running component the sync engine starts: the
// HTTP/gRPC/metrics listeners, the background idle watchdog, and the
// database connection all of them share.
type Server struct {
	cfg             *config.Config
	httpServer      *http.Server
	grpcServer      *grpc.Server
	metricsServer   *http.Server
	healthCheck     *health.Server
	logger          *zap.Logger
	db              *sql.DB
	idle            *idlewatch.Manager
	shutdownTimeout time.Duration
	wg              sync.WaitGroup
}

var (
	serverUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncengine_server_uptime_seconds",
		Help: "Time since server startup in seconds",
	})

	activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncengine_server_active_connections",
		Help: "Number of active connections by protocol",
	}, []string{"protocol"})
)

func init() {
	prometheus.MustRegister(serverUptime)
	prometheus.MustRegister(activeConnections)
}

// newServer wires every component from cfg and an already-open database
// connection.
func newServer(cfg *config.Config, logger *zap.Logger, db *sql.DB) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.New(context.Background(), db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	states := syncstate.New(db)
	ledger := idempotency.New(db)
	events := eventbus.New(db, logger)
	jobs := jobqueue.New(db)
	tokens := oauthmgr.New(st, oauthmgr.NewGoogleRefresher())

	imapDriver := imapsync.New(imapsync.NewRealDialer(), states, st, events, logger)
	gmailDriver := gmailsync.New(gmailsync.NewRealDialer(tokens), states, st, jobs, events, logger)
	actionsExecutor := actions.New(st, actions.NewRealRemoteMutator(), events, logger)
	sendPipeline := sendpipeline.New(ledger, sendpipeline.NewRealTransport(), events, logger)

	svc := services.New(st, imapDriver, gmailDriver, st, actionsExecutor, sendPipeline)
	syncHandler := handlers.NewSyncHandler(svc, []byte(cfg.Security.JWTSigningKey))

	idleWatcher := idlewatch.New(idlewatch.NewRealDialer(), st, syncTriggerFunc(svc.TriggerMailboxSync), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	syncHandler.RegisterHTTPRoutes(router.Group("/api/v1"))
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     time.Minute * 5,
			MaxConnectionAge:      time.Hour,
			MaxConnectionAgeGrace: time.Minute,
			Time:                  time.Minute,
			Timeout:               time.Second * 20,
		}),
	)
	healthCheck := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthCheck)

	return &Server{
		cfg:             cfg,
		logger:          logger,
		db:              db,
		idle:            idleWatcher,
		healthCheck:     healthCheck,
		shutdownTimeout: defaultShutdownTimeout,
		httpServer: &http.Server{
			Handler:      router,
			ReadTimeout:  defaultRequestTimeout,
			WriteTimeout: defaultRequestTimeout,
		},
		grpcServer: grpcServer,
		metricsServer: &http.Server{
			Handler: promhttp.Handler(),
		},
	}, nil
}

// syncTriggerFunc adapts services.Service.TriggerMailboxSync to
// idlewatch.SyncTrigger.
type syncTriggerFunc func(ctx context.Context, userID, connectorID, mailbox string) error

func (f syncTriggerFunc) TriggerSync(ctx context.Context, userID, connectorID, mailbox string) error {
	return f(ctx, userID, connectorID, mailbox)
}

// Start launches the HTTP, gRPC, metrics, and idle-watch loops.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		start := time.Now()
		for {
			serverUptime.Set(time.Since(start).Seconds())
			time.Sleep(time.Second)
		}
	}()

	if err := s.idle.ResumeConfiguredIdleWatches(ctx); err != nil {
		s.logger.Warn("failed to resume configured idle watches", zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.idle.RunIdleWatchdog(ctx, time.Minute); err != nil && ctx.Err() == nil {
			s.logger.Error("idle watchdog stopped", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.httpServer.Addr = addr
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		activeConnections.WithLabelValues("http").Inc()
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
		activeConnections.WithLabelValues("http").Dec()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port+1)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("failed to start gRPC listener", zap.Error(err))
			return
		}
		s.logger.Info("starting gRPC server", zap.String("addr", addr))
		activeConnections.WithLabelValues("grpc").Inc()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
		activeConnections.WithLabelValues("grpc").Dec()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port+2)
		s.metricsServer.Addr = addr
		s.logger.Info("starting metrics server", zap.String("addr", addr))
		if err := s.metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown drains every listener and the idle watchdog within
// shutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	s.healthCheck.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.idle.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	s.grpcServer.GracefulStop()
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("metrics server shutdown error", zap.Error(err))
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		s.logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown deadline exceeded")
	}

	return s.db.Close()
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(".", os.Getenv("ENV"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.User, cfg.Database.Password, cfg.Database.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	srv, err := newServer(cfg, logger, db)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracePeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}
