package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/duelengine/internal/blob/s3"
	memcache "github.com/alanyoungcy/duelengine/internal/cache/memory"
	"github.com/alanyoungcy/duelengine/internal/cache/redis"
	"github.com/alanyoungcy/duelengine/internal/config"
	"github.com/alanyoungcy/duelengine/internal/server"
	"github.com/alanyoungcy/duelengine/internal/server/handler"
	"github.com/alanyoungcy/duelengine/internal/server/ws"
	"github.com/alanyoungcy/duelengine/internal/store/memory"
	"github.com/alanyoungcy/duelengine/internal/store/postgres"
)

// wireStandalone keeps all state in process. A single engine instance only.
func wireStandalone(cfg *config.Config, deps *Dependencies) {
	battles := memory.NewBattleStore()
	deps.Battles = battles
	deps.Reactions = memory.NewReactionStore()
	deps.Ledger = memory.NewLedger(cfg.Ledger.StartingBalance)
	deps.Audit = memory.NewAuditStore()
	deps.Agents = memory.NewAgentPool(battles)

	deps.Locks = memcache.NewLockManager()
	deps.RateLimiter = memcache.NewRateLimiter()
	deps.SignalBus = memcache.NewSignalBus()
}

// wireFull dials Postgres and Redis, and S3 when the archive is enabled.
func wireFull(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Database.DSN,
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		Database:       cfg.Database.Database,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		SSLMode:        cfg.Database.SSLMode,
		MaxConns:       cfg.Database.PoolMaxConns,
		MinConns:       cfg.Database.PoolMinConns,
		ConnectTimeout: cfg.Database.ConnectTimeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	*closers = append(*closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Battles = postgres.NewBattleStore(pool)
	deps.Reactions = postgres.NewReactionStore(pool)
	deps.Ledger = postgres.NewLedgerStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Agents = postgres.NewAgentPool(pool)
	deps.Checks["postgres"] = pgClient.Ping

	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	*closers = append(*closers, func() { _ = redisClient.Close() })

	deps.Locks = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, redis.StreamOptions{
		MaxLen: cfg.Redis.StreamMaxLen,
		TTL:    cfg.Redis.StreamTTL.Duration,
	})
	deps.Checks["redis"] = redisClient.Ping

	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		deps.Archiver = s3blob.NewBattleArchiver(s3blob.NewWriter(s3Client), deps.Audit, deps.Reactions, cfg.S3.Prefix)
		deps.Checks["s3"] = s3Client.Health
	}
	return nil
}

// serve re-arms timers left by a previous process, then runs the websocket
// hub, the audit retry loop and the HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context, deps *Dependencies, svc *services) error {
	recovered, err := svc.timing.Recover(ctx)
	if err != nil {
		return fmt.Errorf("app: recover timers: %w", err)
	}
	if recovered > 0 {
		a.logger.InfoContext(ctx, "app: re-armed battle timers", slog.Int("battles", recovered))
	}

	hub := ws.NewHub(deps.SignalBus, svc.resolution, svc.match, deps.RateLimiter, ws.Config{
		ReactionLimit:  a.cfg.Server.ReactionLimit,
		ReactionWindow: time.Second,
	}, time.Now, a.logger.With(slog.String("component", "ws")))

	srvLogger := a.logger.With(slog.String("component", "server"))
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, srvLogger),
		Battles: handler.NewBattleHandler(svc.battles, svc.resolution, svc.bc, time.Now, srvLogger),
		Agents:  handler.NewAgentHandler(svc.match, svc.escrow, srvLogger),
	}, hub, deps.RateLimiter, srvLogger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return svc.audit.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	hub.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
