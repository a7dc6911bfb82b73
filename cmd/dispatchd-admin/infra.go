package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/dispatchd/internal/bootstrap"
)

// adminSession holds the connections and services one command needs.
type adminSession struct {
	ctx      context.Context
	cancel   context.CancelFunc
	db       *sql.DB
	redis    redis.UniversalClient
	services bootstrap.ServiceContainer
}

// openSession connects to Postgres (and Redis when the delivery lock is enabled) and wires services.
// The returned context is cancelled on SIGINT/SIGTERM or after timeout.
func openSession(cmdCtx *commandContext, timeout time.Duration) (*adminSession, error) {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	cancelAll := func() {
		cancel()
		stop()
	}

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cmdCtx.Config.Postgres, Logger: cmdCtx.Logger})
	if err != nil {
		cancelAll()
		return nil, fmt.Errorf("connect db: %w", err)
	}
	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cmdCtx.Config.Redis, Logger: cmdCtx.Logger})
	if err != nil {
		cancelAll()
		return nil, errors.Join(fmt.Errorf("connect redis: %w", err), closeInfra(db, nil))
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		cancelAll()
		return nil, errors.Join(fmt.Errorf("init services: %w", err), closeInfra(db, redisClient))
	}

	return &adminSession{
		ctx:      ctx,
		cancel:   cancelAll,
		db:       db,
		redis:    redisClient,
		services: services,
	}, nil
}

// Close releases the session's connections.
func (s *adminSession) Close() error {
	s.cancel()
	s.services.Jobs.StopAllListeners()
	return errors.Join(s.services.Observability.Close(), closeInfra(s.db, s.redis))
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}

// withSession runs fn against an open session and closes it afterwards.
func withSession(cmdCtx *commandContext, fn func(s *adminSession) error) error {
	session, err := openSession(cmdCtx, defaultCommandTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("close session failed", "error", closeErr)
		}
	}()
	return fn(session)
}
