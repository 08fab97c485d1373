package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/probeops/inquest/config"
	"github.com/probeops/inquest/internal/queue/streams"
	"github.com/probeops/inquest/internal/search"
	"github.com/probeops/inquest/internal/store"
	"github.com/probeops/inquest/internal/telemetry"
)

// Run wires the API server and blocks until the context is cancelled or the
// listener fails. Everything the handlers need is constructed here and
// injected; no package-level singletons.
func Run(ctx context.Context, cfg *config.Config) error {
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
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	corsOrigins := cfg.Server.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("warn: migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr(), err)
	}
	defer rdb.Close()

	tele, _, _, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{ServiceName: "inquest-api"})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tele.Shutdown(shutdownCtx)
	}()

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return fmt.Errorf("register event schemas: %w", err)
	}
	publisher := streams.NewPublisher(rdb, registry)

	enq := &Enqueuer{
		Logger:              baseLogger,
		Store:               st,
		Sink:                publisher,
		ProtocolMaxAttempts: cfg.Worker.ProtocolMaxAttempts,
		SmartMaxAttempts:    cfg.Worker.SmartMaxAttempts,
	}

	var index *search.Index
	if cfg.Search.Enabled {
		index, err = search.Open(cfg.Search.IndexPath)
		if err != nil {
			return fmt.Errorf("open search index: %w", err)
		}
		defer index.Close()
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = cfg.General.JWTSecret
	}
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret or general.jwt_secret)")
	}

	auth := &AuthHandler{Store: st, Secret: []byte(secret), TokenTTL: cfg.Server.TokenTTL}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(authMiddleware(auth.Secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, MeResponse{UserID: c.Get("user_id").(string)})
	})

	feed := NewEventsFeed(eventFeedCapacity)

	ih := &InvestigationsHandler{Store: st, Enqueuer: enq, Search: index}
	ih.Register(api.Group("/investigations"), auth.Secret)

	ph := &ProtocolsHandler{Store: st}
	ph.Register(api.Group("/protocols"), auth.Secret)

	ch := &ClustersHandler{Store: st}
	ch.Register(api.Group("/clusters"), auth.Secret)

	sh := &SchedulesHandler{Store: st}
	sh.Register(api.Group("/schedules"), auth.Secret)

	eh := &EventsHandler{Feed: feed}
	eh.Register(api.Group("/events"), auth.Secret)

	// lifecycle tail: events ring + search indexing
	if err := streams.EnsureGroup(ctx, rdb, streams.StreamInvestigationEvents, EventsConsumerGroup); err != nil {
		return fmt.Errorf("ensure lifecycle consumer group: %w", err)
	}
	eventsLogger := log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	consumerName := "api-" + uuid.NewString()[:8]
	ec := NewEventsConsumer(eventsLogger,
		streams.NewConsumer(rdb, registry, EventsConsumerGroup, consumerName), st, index, feed)
	go ec.Run(ctx)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Store:    st,
			Rdb:      rdb,
			Enqueuer: enq,
			Interval: cfg.Scheduler.Interval,
			LockTTL:  cfg.Scheduler.LockTTL,
		}
		sched.Start(ctx)
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
