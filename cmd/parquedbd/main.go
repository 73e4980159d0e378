// Command parquedbd runs a ParqueDB node: it wires the storage backend, the
// commit DAG, the materialized-view refresh engine, and the subscription
// manager behind an HTTP server, the way forma's cmd/server/main.go wires
// EntityManager behind an http.ServeMux. Routing is delegated to
// github.com/go-chi/chi/v5 in place of forma's hand-matched "/api/v1/"
// prefix switch, since SSE and WebSocket endpoints benefit from chi's
// pattern-based mux and middleware chain.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/commitdag"
	"github.com/lychee-technology/parquedb/internal/mv"
	"github.com/lychee-technology/parquedb/internal/storage"
	"github.com/lychee-technology/parquedb/internal/subscription"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	config := parquedb.DefaultConfig()
	config.Storage.Backend = getEnv("PARQUEDB_STORAGE_BACKEND", config.Storage.Backend)
	config.Storage.LocalRoot = getEnv("PARQUEDB_LOCAL_ROOT", config.Storage.LocalRoot)
	config.Storage.S3Bucket = getEnv("PARQUEDB_S3_BUCKET", config.Storage.S3Bucket)
	config.Storage.S3Prefix = getEnv("PARQUEDB_S3_PREFIX", config.Storage.S3Prefix)
	config.Storage.S3Region = getEnv("PARQUEDB_S3_REGION", config.Storage.S3Region)
	config.Storage.PostgresDSN = getEnv("PARQUEDB_POSTGRES_DSN", config.Storage.PostgresDSN)

	if err := config.Validate(); err != nil {
		sugar.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newBackend(ctx, config.Storage, logger)
	if err != nil {
		sugar.Fatalf("failed to initialize storage backend: %v", err)
	}
	defer closeBackend()

	commits := commitdag.New(backend, logger)

	mvEngine := mv.New(logger)
	evalScores, err := mv.NewEvalScores(ctx, config.MV.RingBufferSize, logger)
	if err != nil {
		sugar.Fatalf("failed to initialize eval_scores handler: %v", err)
	}
	workerRequests, err := mv.NewWorkerRequests(ctx, mv.BucketHour, mv.GroupByPath, logger)
	if err != nil {
		sugar.Fatalf("failed to initialize worker_requests handler: %v", err)
	}
	mvEngine.Register(evalScores, mv.HandlerOptions{Mode: refreshModeFor(config.MV.RefreshMode), IntervalMs: int(config.MV.ScheduledEvery.Milliseconds())})
	mvEngine.Register(workerRequests, mv.HandlerOptions{Mode: refreshModeFor(config.MV.RefreshMode), IntervalMs: int(config.MV.ScheduledEvery.Milliseconds())})
	defer mvEngine.Stop()

	subs := subscription.New(subscription.ManagerOptions{
		HeartbeatTimeout:           config.Subscription.HeartbeatTimeout,
		RetainedEventsPerNamespace: config.Subscription.ResumeBufferSize,
	}, logger)

	heartbeatStop := startHeartbeat(ctx, subs, config.Subscription.HeartbeatInterval)
	defer close(heartbeatStop)

	server := NewServer(backend, commits, mvEngine, subs, logger)
	server.RegisterRoutes()

	addr := ":" + getEnv("PORT", "8080")
	sugar.Infow("starting parquedbd", "addr", addr, "storage_backend", config.Storage.Backend)
	httpServer := &http.Server{Addr: addr, Handler: server.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalf("server error: %v", err)
	}
}

// Server holds the dependencies every HTTP handler needs, mirroring the
// Server struct in forma's cmd/server/main.go.
type Server struct {
	backend  storage.Backend
	commits  *commitdag.Store
	mv       *mv.Engine
	subs     *subscription.Manager
	logger   *zap.Logger
	router   chi.Router
}

func NewServer(backend storage.Backend, commits *commitdag.Store, mvEngine *mv.Engine, subs *subscription.Manager, logger *zap.Logger) *Server {
	return &Server{
		backend: backend,
		commits: commits,
		mv:      mvEngine,
		subs:    subs,
		logger:  logger,
		router:  chi.NewRouter(),
	}
}

func (s *Server) RegisterRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/v1/subscriptions/stats", s.handleSubscriptionStats)
	s.router.Get("/v1/collections/{collection}/events", s.handleSSESubscribe)
	s.router.Get("/v1/collections/{collection}/events/ws", s.handleWSSubscribe)
	s.router.Get("/v1/collections/{collection}/commits/{id}", s.handleGetCommit)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSubscriptionStats(w http.ResponseWriter, r *http.Request) {
	stats := s.subs.Stats()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSSESubscribe(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	writer, err := subscription.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	connID, err := s.subs.Connect(ctx, writer)
	if err != nil {
		return
	}
	defer s.subs.Disconnect(connID)

	if _, err := s.subs.Subscribe(ctx, connID, subscription.SubscribeRequest{
		Namespace:    collection,
		IncludeState: true,
	}); err != nil {
		return
	}

	<-ctx.Done()
}

func (s *Server) handleWSSubscribe(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	conn, err := subscription.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Sugar().Warnw("websocket upgrade failed", "error", err)
		return
	}
	writer := subscription.NewWebSocketWriterFromConn(conn)

	ctx := r.Context()
	connID, err := s.subs.Connect(ctx, writer)
	if err != nil {
		return
	}

	disconnected := make(chan struct{})
	subscription.WatchDisconnect(conn, func() { close(disconnected) })

	if _, err := s.subs.Subscribe(ctx, connID, subscription.SubscribeRequest{
		Namespace:    collection,
		IncludeState: true,
	}); err != nil {
		s.subs.Disconnect(connID)
		return
	}

	<-disconnected
	s.subs.Disconnect(connID)
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	commit, err := s.commits.GetCommit(r.Context(), collection, id)
	if err != nil {
		if parquedb.IsType(err, parquedb.ErrorTypeNotFound) {
			http.Error(w, "commit not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func newBackend(ctx context.Context, cfg parquedb.StorageConfig, logger *zap.Logger) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case "s3":
		backend, err := storage.NewS3(ctx, storage.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	case "postgres":
		dsn := cfg.PostgresDSN
		if cfg.PostgresUseIAMAuth {
			if resolved, err := resolveIAMAuthDSN(ctx, dsn, logger); err != nil {
				logger.Sugar().Warnw("failed to generate IAM auth token; falling back to configured DSN", "error", err)
			} else {
				dsn = resolved
			}
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewPostgres(pool, "parquedb_blobs"), func() { pool.Close() }, nil
	default:
		backend, err := storage.NewLocal(cfg.LocalRoot)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil
	}
}

// resolveIAMAuthDSN swaps dsn's password for a freshly generated IAM auth
// token, the way forma's internal/cdc/flusher.go.RunOnce does before opening
// its lock connection, for deployments fronted by Aurora DSQL or RDS IAM
// auth instead of a static password.
func resolveIAMAuthDSN(ctx context.Context, dsn string, logger *zap.Logger) (string, error) {
	parsed, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return "", err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s:%d", parsed.ConnConfig.Host, parsed.ConnConfig.Port)
	token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, awsCfg.Region, awsCfg.Credentials)
	if err != nil {
		return "", err
	}

	logger.Sugar().Infow("generated IAM auth token for postgres storage backend")
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=require",
		parsed.ConnConfig.User, token, parsed.ConnConfig.Host, parsed.ConnConfig.Port, parsed.ConnConfig.Database), nil
}

func refreshModeFor(mode string) mv.RefreshMode {
	switch mode {
	case "scheduled":
		return mv.ModeScheduled
	case "full":
		return mv.ModeFull
	default:
		return mv.ModeStreaming
	}
}

func startHeartbeat(ctx context.Context, subs *subscription.Manager, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case t := <-ticker.C:
				subs.Heartbeat(ctx, t)
			}
		}
	}()
	return stop
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
