package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nono-wallet/nono_wallet/internal/config"
	"github.com/nono-wallet/nono_wallet/internal/history"
	"github.com/nono-wallet/nono_wallet/internal/ledger"
	"github.com/nono-wallet/nono_wallet/internal/middleware"
	"github.com/nono-wallet/nono_wallet/internal/notification"
	"github.com/nono-wallet/nono_wallet/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache
// may be nil: without a database the in-memory store serves requests, without
// Redis the idempotency cache and write rate limit stay off.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	notifier := notification.NewLoggerNotifier(d.Logger)
	walletSvc := wallet.NewService(store, notifier, wallet.Config{
		NameRequired:         d.Cfg.NameRequired,
		AutoCreateOnTransfer: d.Cfg.AutoCreateOnTransfer,
		StoreTimeout:         d.Cfg.StoreTimeout,
	})
	historySvc := history.NewService(store)

	walletHandler := wallet.NewHandler(walletSvc)
	historyHandler := history.NewHandler(historySvc)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	api.Get("/whoami", func(c *fiber.Ctx) error {
		user := c.Get("X-User")
		if user == "" {
			user = "anonymous"
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{"user": user})
	})

	// Wallet and history routes sit behind the shared-secret guard. Mutating
	// routes also carry the idempotency cache and the write rate limit; both
	// skip reads on their own.
	protected := api.Group("", middleware.APIToken(d.Cfg.APIToken, d.Cfg.APITokenHash))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
		protected.Use(middleware.WriteRateLimit(d.Cache, d.Cfg.WritesPerMinute))
	}

	RegisterWalletRoutes(protected, walletHandler)
	RegisterHistoryRoutes(protected, historyHandler)

	return nil
}
