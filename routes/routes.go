package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	controller "mailverifier/controllers"
	"mailverifier/middleware"
)

type Options struct {
	JWTSecret   string
	CORSOrigins []string
	// RateLimit is the admin calls allowed per IP per minute.
	RateLimit        int
	RateLimitStorage fiber.Storage
	Gatherer         prometheus.Gatherer
	Logger           logrus.FieldLogger
}

// SetupRoutes mounts the operator surface: public health and metrics,
// everything else behind an admin token.
func SetupRoutes(app *fiber.App, admin *controller.AdminController, opts Options) {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 60
	}

	app.Get("/health", admin.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/admin",
		middleware.CORS(opts.CORSOrigins),
		logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}),
		middleware.AdminRateLimiter(opts.RateLimit, opts.RateLimitStorage, opts.Logger),
		middleware.AdminOnly(opts.JWTSecret),
	)

	proxies := api.Group("/proxies")
	proxies.Get("/", admin.GetProxies)
	proxies.Post("/reload", admin.ReloadProxies)

	quota := api.Group("/quota")
	quota.Get("/", admin.GetQuota)
	quota.Post("/reset", admin.ResetQuota)
	quota.Get("/:identity", admin.GetQuota)
	quota.Post("/:identity/reset", admin.ResetQuota)

	dns := api.Group("/dns")
	dns.Get("/", admin.GetDNSCache)
	dns.Post("/purge", admin.PurgeDNSCache)
}
