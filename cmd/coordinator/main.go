// Command coordinator is the Collaborative Board Coordinator service: it
// wires the AuthoritativeCache, LockManager, FlushQueue, TaskService,
// ConflictResolver, PresenceRegistry and EventRouter together behind a
// WebSocket endpoint plus the read-only HTTP fallback. Wiring style follows
// the teacher's prism-api/main.go: plain env-var config, redis.ParseURL
// with a manual connection-string fallback, echo with CORS middleware.
package main

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mistervvp/board-coordinator/internal/board"
	"github.com/mistervvp/board-coordinator/internal/boardcache"
	"github.com/mistervvp/board-coordinator/internal/config"
	"github.com/mistervvp/board-coordinator/internal/durablestore"
	"github.com/mistervvp/board-coordinator/internal/eventrouter"
	"github.com/mistervvp/board-coordinator/internal/flushqueue"
	"github.com/mistervvp/board-coordinator/internal/httpapi"
	"github.com/mistervvp/board-coordinator/internal/obs"
	"github.com/mistervvp/board-coordinator/internal/presence"
	"github.com/mistervvp/board-coordinator/internal/tasklock"
	"github.com/mistervvp/board-coordinator/internal/wsconn"
)

func main() {
	cfg := config.Load()
	logger := obs.NewLogger(cfg.Debug)

	tp := obs.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if cfg.StorageConnectionString == "" {
		logger.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	rdb := newRedisClient(cfg.RedisConnectionString)

	store, err := durablestore.New(cfg.StorageConnectionString, cfg.TasksTable, cfg.ConflictAuditTable)
	if err != nil {
		logger.Fatalf("durable store: %v", err)
	}

	cache := boardcache.New(rdb, store)
	locks := tasklock.New(rdb).WithTTL(cfg.LockTTL)
	presenceReg := presence.New(rdb).WithTTL(cfg.PresenceTTL)

	flushCfg := flushqueue.Config{
		Workers:    cfg.FlushWorkers,
		RetryInit:  cfg.FlushRetryInit,
		RetryMax:   cfg.FlushRetryMax,
		MaxRetries: cfg.FlushMaxRetries,
		FlushDelay: cfg.FlushDelay,
	}
	flush := flushqueue.New(flushCfg, cache, store, logger)
	defer flush.Shutdown()

	service := board.New(cache, flush)

	resolver := board.NewConflictResolver(store, logger)
	defer resolver.Shutdown()

	bcast := eventrouter.NewBroadcaster(logger)
	router := eventrouter.New(service, locks, presenceReg, resolver, bcast, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.CORSAllowedOrigin},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	httpapi.Register(e, service)
	e.GET("/ws", wsHandler(router, cfg.CORSAllowedOrigin))

	logger.Infof("board-coordinator listening on %s", cfg.ListenAddr)
	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}

func wsHandler(router *eventrouter.Router, allowedOrigin string) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := wsconn.Accept(c, allowedOrigin)
		if err != nil {
			return err
		}
		displayName := c.QueryParam("name")
		if displayName == "" {
			displayName = "participant"
		}
		router.Serve(c.Request().Context(), conn, displayName)
		return nil
	}
}

func newRedisClient(connStr string) *redis.Client {
	opts, err := redis.ParseURL(connStr)
	if err != nil {
		parts := strings.Split(connStr, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return redis.NewClient(opts)
}
