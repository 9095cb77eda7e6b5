// Package server wires the HTTP surface around the response engine.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hourglass-hq/hourglass/internal/audit"
	"github.com/hourglass-hq/hourglass/internal/channel"
	"github.com/hourglass-hq/hourglass/internal/config"
	"github.com/hourglass-hq/hourglass/internal/dedup"
	"github.com/hourglass-hq/hourglass/internal/engine"
	"github.com/hourglass-hq/hourglass/internal/inference"
	"github.com/hourglass-hq/hourglass/internal/store"
	"github.com/hourglass-hq/hourglass/internal/telemetry"
	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

// Run boots the service: config, storage, engine, routes. It blocks until
// the listener stops.
func Run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Timesheet-Token"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr, err)
		}
	}

	coord, index, err := buildEngine(cfg, st, rdb)
	if err != nil {
		return err
	}

	secret := []byte(cfg.Server.JWTSecret)
	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret, TokenTTL: cfg.Server.TokenTTL}
	auth.Register(api.Group("/auth"))

	mh := &MessagesHandler{Coordinator: coord}
	mh.Register(api.Group("/messages"), secret)

	rh := &RecordsHandler{Store: st, Index: index}
	rh.Register(api.Group(""), secret)

	retention := &Retention{Store: st, Rdb: rdb, Config: cfg.Retention, Stop: make(chan struct{})}
	retention.Start()

	if addr == "" {
		addr = cfg.Server.Addr
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// buildEngine assembles the stages and coordinator from configuration.
func buildEngine(cfg *config.Config, st *store.Store, rdb *redis.Client) (*engine.Coordinator, *audit.Index, error) {
	llm, err := inference.NewClient(cfg.LLM)
	if err != nil {
		return nil, nil, err
	}
	table := channel.DefaultTable()
	style := channel.Style(cfg.Style)

	index, err := audit.NewIndex(log.New(log.Writer(), "[AUDIT] ", log.LstdFlags))
	if err != nil {
		return nil, nil, err
	}
	recorder := engine.MultiRecorder{
		&store.AuditRecorder{Store: st, Logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)},
		index,
	}

	var cache engine.RetrievalCache
	if rdb != nil {
		cache = dedup.NewRedisCache(rdb, 0)
	}
	retriever := timesheet.NewHTTPClient(cfg.Timesheet.BaseURL, cfg.Timesheet.Timeout)

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	coord, err := engine.NewCoordinator(engine.Dependencies{
		Planning:    engine.NewPlanningStage(llm, table, cfg.Engine.PlanningTimeout, nil),
		Retrieval:   engine.NewRetrievalStage(retriever, cache, cfg.Engine.RetrievalTimeout, nil),
		Composition: engine.NewCompositionStage(llm, cfg.Engine.CompositionTimeout, nil),
		Formatting:  engine.NewFormattingStage(table, style, nil),
		Validation:  engine.NewValidationStage(llm, cfg.Engine.ValidationTimeout, nil),
		Failure:     engine.NewFailureComposer(llm, recorder, cfg.Engine.CompositionTimeout, nil),
		History:     st,
		Checkpoints: st,
		Recorder:    recorder,
		Telemetry:   tele,

		MaxConcurrent: cfg.Engine.MaxConcurrent,
		HistoryWindow: cfg.Engine.HistoryWindow,
	})
	if err != nil {
		return nil, nil, err
	}
	return coord, index, nil
}
