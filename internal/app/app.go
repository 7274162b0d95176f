// Package app assembles the service graph shared by the api and worker
// processes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/zachbroad/hookline/internal/action"
	"github.com/zachbroad/hookline/internal/config"
	"github.com/zachbroad/hookline/internal/database"
	"github.com/zachbroad/hookline/internal/delivery"
	"github.com/zachbroad/hookline/internal/deliverylog"
	"github.com/zachbroad/hookline/internal/dispatch"
	"github.com/zachbroad/hookline/internal/egress"
	"github.com/zachbroad/hookline/internal/events"
	"github.com/zachbroad/hookline/internal/handler"
	"github.com/zachbroad/hookline/internal/payload"
	"github.com/zachbroad/hookline/internal/scheduler"
	"github.com/zachbroad/hookline/internal/signing"
	"github.com/zachbroad/hookline/internal/store"
	"github.com/zachbroad/hookline/internal/trigger"
	"github.com/zachbroad/hookline/internal/worker"
)

const (
	eventPrefix  = "hookline:events:"
	recentEvents = 200
)

type App struct {
	Config     config.Config
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Store      *store.Store
	Runner     *scheduler.Runner
	Hub        *events.Hub
	Logs       *deliverylog.Log
	Triggers   *trigger.Registry
	Signer     *signing.Signer
	Dispatcher *dispatch.Dispatcher
	Processor  *action.Processor
	Inbound    *handler.InboundHandler
}

// Open connects to Postgres and Redis, applies the schema and wires the graph.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("connected to postgres")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("connected to redis")

	return Wire(cfg, pool, rdb), nil
}

// Wire builds every component on top of already opened connections.
func Wire(cfg config.Config, pool *pgxpool.Pool, rdb *redis.Client) *App {
	st := store.New(pool)

	guard := egress.New()
	guard.BlockedHosts = cfg.BlockedHosts
	if cfg.AllowPrivateTargets {
		guard.Policy = egress.AllowPrivate
	}
	exec := delivery.New(guard, cfg.DeliveryTimeout, cfg.MaxRedirects)

	signer := signing.New()
	signer.Tolerance = cfg.SignatureTolerance

	triggers := trigger.DefaultRegistry()
	runner := scheduler.NewRedis(rdb, cfg.WorkerConcurrency, cfg.PollInterval)
	// A route chain may hold several outbound calls.
	runner.JobTimeout = max(runner.JobTimeout, 4*cfg.DeliveryTimeout)
	hub := events.NewHub(recentEvents, events.NewRedisBus(rdb, eventPrefix))
	logs := deliverylog.New(st.Deliveries, cfg.ResponseBodyLimit)

	d := dispatch.New(dispatch.Deps{
		Webhooks: st.Webhooks,
		Logs:     logs,
		Sender:   exec,
		Engine: payload.New(payload.Site{
			Name:       cfg.SiteName,
			URL:        cfg.SiteURL,
			AdminEmail: cfg.AdminEmail,
		}),
		Signer:    signer,
		Triggers:  triggers,
		Scheduler: runner,
		Bus:       hub,
		UserAgent: cfg.UserAgent(),
		BodyLimit: cfg.ResponseBodyLimit,
	})
	proc := action.New(st.Records, exec, hub, cfg.UserAgent())

	return &App{
		Config:     cfg,
		Pool:       pool,
		Redis:      rdb,
		Store:      st,
		Runner:     runner,
		Hub:        hub,
		Logs:       logs,
		Triggers:   triggers,
		Signer:     signer,
		Dispatcher: d,
		Processor:  proc,
		Inbound:    handler.NewInboundHandler(st.Routes, proc, d, runner, signer, cfg.SecretHeader()),
	}
}

// Worker binds the background jobs to the scheduler runner.
func (a *App) Worker() *worker.Worker {
	return worker.New(a.Runner, a.Dispatcher, a.Inbound, a.Logs, worker.Options{
		Retention: deliverylog.RetentionPolicy{
			Days:       a.Config.LogRetentionDays,
			MaxEntries: a.Config.LogMaxEntries,
		},
		PruneEvery: a.Config.RetentionInterval,
	})
}

func (a *App) Router() *gin.Engine {
	webhookH := handler.NewWebhookHandler(a.Store.Webhooks, a.Dispatcher, a.Triggers)
	routeH := handler.NewRouteHandler(a.Store.Routes)
	deliveryH := handler.NewDeliveryHandler(a.Logs, a.Dispatcher)
	eventH := handler.NewEventHandler(a.Dispatcher, a.Triggers, a.Hub)
	triggerH := handler.NewTriggerHandler(a.Triggers)
	recordH := handler.NewRecordHandler(a.Store.Records)

	r := gin.Default()
	r.RedirectTrailingSlash = true

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	// Inbound routes
	r.Any("/hooks/*path", a.Inbound.Serve)

	// JSON API
	api := r.Group("/api")
	{
		webhooks := api.Group("/webhooks")
		{
			webhooks.GET("", webhookH.List)
			webhooks.POST("", webhookH.Create)
			webhooks.GET("/:id", webhookH.Get)
			webhooks.PATCH("/:id", webhookH.Update)
			webhooks.DELETE("/:id", webhookH.Delete)
			webhooks.POST("/:id/test", webhookH.Test)
			webhooks.POST("/:id/activate", webhookH.SetActive(true))
			webhooks.POST("/:id/deactivate", webhookH.SetActive(false))
		}
		routes := api.Group("/routes")
		{
			routes.GET("", routeH.List)
			routes.POST("", routeH.Create)
			routes.GET("/:id", routeH.Get)
			routes.PATCH("/:id", routeH.Update)
			routes.DELETE("/:id", routeH.Delete)
		}
		deliveries := api.Group("/deliveries")
		{
			deliveries.GET("", deliveryH.List)
			deliveries.DELETE("", deliveryH.Purge)
			deliveries.GET("/stats", deliveryH.Stats)
			deliveries.GET("/:id", deliveryH.Get)
			deliveries.POST("/:id/retry", deliveryH.Retry)
		}
		api.GET("/triggers", triggerH.List)
		api.GET("/triggers/:key", triggerH.Get)
		api.GET("/actions", triggerH.ActionTypes)
		api.GET("/events", eventH.Recent)
		api.POST("/events/:key", eventH.Fire)
		api.GET("/records", recordH.List)
		api.GET("/records/:id", recordH.Get)
	}
	return r
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
