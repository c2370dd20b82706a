// Package app wires the tutors chat server runtime: config, logging, storage,
// presence, the realtime gateway and the HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	"github.com/ben1maru/tutors-finders-server/cmd/internal/chat"
	chatapi "github.com/ben1maru/tutors-finders-server/cmd/internal/chat/api"
	"github.com/ben1maru/tutors-finders-server/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
)

// App is the tutors server runtime: it owns storage handles, the realtime core and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client

	registry *prometheus.Registry

	chat       *chat.Service
	presence   *realtime.Presence
	dispatcher *realtime.Dispatcher
	cluster    *realtime.RedisCluster

	ws  *realtime.WSGateway
	api *chatapi.Handler

	closeOnce sync.Once
}

// New constructs a fully wired App instance from config and logger.
// Resources opened before a failure are released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.chat = chat.NewService(store, chat.WithLogger(log))

	metrics := realtime.NewMetrics(a.registry)
	a.presence = realtime.NewPresence(log)

	dispatchOpts := []realtime.DispatcherOption{
		realtime.WithMetrics(metrics),
		realtime.WithDispatchLogger(log),
	}
	gatewayOpts := []realtime.GatewayOption{
		realtime.WithGatewayMetrics(metrics),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		if err := a.openCluster(ctx); err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, realtime.WithCluster(a.cluster))
		gatewayOpts = append(gatewayOpts, realtime.WithGatewayCluster(a.cluster))
	} else {
		log.Info("cluster.disabled.local_presence")
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if verifier != nil {
		gatewayOpts = append(gatewayOpts, realtime.WithVerifier(verifier))
	}

	a.dispatcher = realtime.NewDispatcher(a.chat, a.presence, dispatchOpts...)
	a.ws = realtime.NewWSGateway(log, a.presence, a.dispatcher, gatewayConfig(cfg), gatewayOpts...)

	if verifier == nil {
		log.Warn("chat.api.disabled", "reason", "TUTORS_AUTH_MODE=none")
		return a, nil
	}

	var apiOpts []chatapi.HandlerOption
	if a.dbPool != nil {
		dir, err := identity.NewPostgresDirectory(a.dbPool,
			identity.WithDirectorySchema(cfg.DBSchema),
			identity.WithDirectoryTable(cfg.UsersTable),
		)
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, chatapi.WithDirectory(dir))
	}
	a.api, err = chatapi.NewHandler(log, a.chat, verifier, apiOpts...)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) (chat.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.dbPool = pool

	// The app owns the pool; PostgresStore only borrows it.
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	if a.cfg.DBAutoMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure chat schema: %w", err)
		}
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "auto_migrate", a.cfg.DBAutoMigrate)
	return st, nil
}

func (a *App) openCluster(ctx context.Context) error {
	client, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.redis = client

	instanceID := strings.TrimSpace(a.cfg.InstanceID)
	if instanceID == "" {
		instanceID = realtime.NewInstanceID(time.Now().UTC())
	}

	cluster, err := realtime.NewRedisCluster(client, a.log, instanceID, realtime.WithKeyPrefix(a.cfg.RedisKeyPrefix))
	if err != nil {
		return err
	}
	a.cluster = cluster

	a.log.Info("cluster.enabled.redis", "instance_id", instanceID, "prefix", a.cfg.RedisKeyPrefix)
	return nil
}

func gatewayConfig(cfg Config) realtime.GatewayConfig {
	g := realtime.DefaultGatewayConfig()
	g.OriginRequired = cfg.WSOriginRequired
	if len(cfg.WSAllowedOrigins) > 0 {
		g.AllowedOrigins = cfg.WSAllowedOrigins
	}
	g.DevInsecure = cfg.WSDevInsecure
	g.RequireAuth = cfg.RequireAuth
	if cfg.WSSendQueueSize > 0 {
		g.SendQueueSize = cfg.WSSendQueueSize
	}
	return g
}

// Run starts the HTTP server (and the cluster relay when configured) and blocks
// until context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbPool != nil,
		"cluster_enabled", a.cluster != nil,
		"api_enabled", a.api != nil,
	)

	runCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	relayDone := make(chan struct{})
	if a.cluster != nil {
		go func() {
			defer close(relayDone)
			if err := a.cluster.Run(runCtx, a.dispatcher.DeliverRelay); err != nil {
				errCh <- fmt.Errorf("cluster relay: %w", err)
			}
		}()
	} else {
		close(relayDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	stopRelay()
	<-relayDone

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the database pool and Redis client. Safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.log.Error("redis.close.fail", "err", err)
			}
		}
		if a.dbPool != nil {
			a.dbPool.Close()
		}
	})
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
