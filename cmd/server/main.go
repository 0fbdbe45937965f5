package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/FortiumPartners/claude-config-sub021/pkg/cache"
	"github.com/FortiumPartners/claude-config-sub021/pkg/config"
	"github.com/FortiumPartners/claude-config-sub021/pkg/database"
	"github.com/FortiumPartners/claude-config-sub021/pkg/hub"
	"github.com/FortiumPartners/claude-config-sub021/pkg/middleware"
	"github.com/FortiumPartners/claude-config-sub021/pkg/publisher"
	"github.com/FortiumPartners/claude-config-sub021/pkg/server"
	"github.com/FortiumPartners/claude-config-sub021/pkg/subscriber"
	"github.com/FortiumPartners/claude-config-sub021/pkg/transport"
)

const metricsCacheKey = "cache:events:metrics"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[EVENTS] config: %v", err)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[EVENTS] postgres: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	setupDatabase(db)

	tr, err := buildTransport(cfg)
	if err != nil {
		log.Fatalf("[EVENTS] transport: %v", err)
	}
	defer tr.Close()
	log.Printf("[EVENTS] transport: %s", cfg.Transport)

	var redisCache *cache.Redis
	if rc, err := cache.New(cfg.RedisURL); err != nil {
		log.Printf("[EVENTS] redis cache unavailable, analytics disabled: %v", err)
	} else {
		redisCache = rc
		defer redisCache.Close()
	}

	var analytics publisher.Analytics
	if redisCache != nil {
		analytics = redisCache
	}
	pub := publisher.New(tr, analytics, cfg.PublisherConfig())

	wsHub := hub.New()
	sub := subscriber.New(tr, wsHub, subscriber.NewPostgresStore(db), cfg.SubscriberConfig())
	wsHub.Bind(sub)

	app := server.NewApp("events")
	registerRoutes(app, pub, sub, wsHub, redisCache)

	addr := "0.0.0.0:" + cfg.Port
	go func() {
		log.Printf("[EVENTS] server starting on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[EVENTS] failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[EVENTS] shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = app.ShutdownWithContext(ctx)
	_ = pub.Shutdown(ctx)
	_ = sub.Shutdown(ctx)
	log.Println("[EVENTS] bye")
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case "nats":
		return transport.NewNATS(cfg.NATSURL)
	case "memory":
		return transport.NewMemory(), nil
	case "none":
		return transport.NoopTransport{}, nil
	default:
		return transport.NewRedis(cfg.RedisURL)
	}
}

func registerRoutes(app *fiber.App, pub *publisher.Publisher, sub *subscriber.Subscriber, wsHub *hub.Hub, redisCache *cache.Redis) {
	events := app.Group("/events")

	events.Post("/", middleware.Auth, func(c *fiber.Ctx) error {
		var submission publisher.Submission
		if err := c.BodyParser(&submission); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		if submission.OrganizationID == "" {
			submission.OrganizationID, _ = c.Locals("org_id").(string)
		}
		res, err := pub.Publish(c.Context(), submission)
		if redisCache != nil {
			redisCache.Del(c.Context(), metricsCacheKey)
		}
		if err != nil {
			return c.Status(422).JSON(res)
		}
		return c.JSON(res)
	})

	events.Post("/batch", middleware.Auth, func(c *fiber.Ctx) error {
		var submissions []publisher.Submission
		if err := c.BodyParser(&submissions); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		org, _ := c.Locals("org_id").(string)
		for i := range submissions {
			if submissions[i].OrganizationID == "" {
				submissions[i].OrganizationID = org
			}
		}
		res := pub.PublishBatch(c.Context(), submissions)
		if redisCache != nil {
			redisCache.Del(c.Context(), metricsCacheKey)
		}
		return c.JSON(res)
	})

	events.Get("/metrics", func(c *fiber.Ctx) error {
		type snapshot struct {
			Publisher   publisher.Metrics  `json:"publisher"`
			Subscriber  subscriber.Metrics `json:"subscriber"`
			ClientCount int                `json:"clientCount"`
		}
		var snap snapshot
		if redisCache != nil && redisCache.Get(c.Context(), metricsCacheKey, &snap) {
			return c.JSON(snap)
		}
		snap = snapshot{
			Publisher:   pub.Metrics(),
			Subscriber:  sub.Metrics(),
			ClientCount: wsHub.ClientCount(),
		}
		if redisCache != nil {
			redisCache.Set(c.Context(), metricsCacheKey, snap, 5*time.Second)
		}
		return c.JSON(snap)
	})

	events.Get("/queue", func(c *fiber.Ctx) error {
		return c.JSON(pub.QueueStatus())
	})

	events.Get("/history", middleware.Auth, func(c *fiber.Ctx) error {
		org, _ := c.Locals("org_id").(string)
		limit := c.QueryInt("limit", 50)
		return c.JSON(pub.EventHistory(org, limit))
	})

	events.Get("/subscriptions", middleware.Auth, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		subs := sub.UserSubscriptions(userID)
		if subs == nil {
			subs = []subscriber.Subscription{}
		}
		return c.JSON(subs)
	})

	app.Use("/ws", middleware.WSToken)
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("user_id").(string)
		orgID, _ := c.Locals("org_id").(string)
		role, _ := c.Locals("role").(string)
		wsHub.HandleClientConn(c, userID, orgID, role)
	}))
}

func setupDatabase(db *sql.DB) {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS event_subscriptions (
			id TEXT PRIMARY KEY,
			socket_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_role TEXT NOT NULL DEFAULT '',
			event_types JSONB NOT NULL DEFAULT '[]',
			rooms JSONB NOT NULL DEFAULT '[]',
			filters JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, s := range schemas {
		if _, err := db.Exec(s); err != nil {
			log.Printf("[DB] schema: %v", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_event_subs_socket ON event_subscriptions(socket_id)`,
		`CREATE INDEX IF NOT EXISTS idx_event_subs_user ON event_subscriptions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_event_subs_org ON event_subscriptions(organization_id)`,
		`CREATE INDEX IF NOT EXISTS idx_event_subs_activity ON event_subscriptions(last_activity)`,
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			log.Printf("[DB] index: %v", err)
		}
	}

	log.Println("[DB] schema initialized")
}
