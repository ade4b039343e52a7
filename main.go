package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailverifier/config"
	controller "mailverifier/controllers"
	"mailverifier/dnscache"
	"mailverifier/metrics"
	"mailverifier/middleware"
	"mailverifier/notify"
	"mailverifier/proxypool"
	"mailverifier/queue"
	"mailverifier/quota"
	"mailverifier/retry"
	"mailverifier/routes"
	"mailverifier/smtpprobe"
	"mailverifier/store"
	"mailverifier/utils"
	"mailverifier/verifier"
	"mailverifier/worker"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printAdminToken(config.Read(), os.Args[2:]); err != nil {
			logger.Fatalf("Failed to issue admin token: %v", err)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogger(logger, cfg)
	cfg.LogSummary(logger)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry disabled")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := config.ConnectDB(cfg.DB, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	rdb, err := config.ConnectRedis(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	records, err := proxypool.ParseList(cfg.Proxy.List)
	if err != nil {
		logger.Fatalf("Invalid PROXY_LIST: %v", err)
	}
	if len(records) == 0 {
		logger.Warn("No proxies configured, SMTP checks will be skipped")
	}
	pool := proxypool.NewManager(records, proxypool.Options{
		FailureThreshold: cfg.Proxy.FailureThreshold,
		Checker: proxypool.HTTPChecker{
			URL:      cfg.Proxy.HealthURL,
			Protocol: cfg.Proxy.Protocol,
			Timeout:  5 * time.Second,
		},
		Logger:   logger,
		OnChange: m.ProxyPoolChanged,
	})

	cache := dnscache.New(dnscache.NewDNSResolver(cfg.DNSServer, cfg.DNSTimeout), dnscache.Options{
		TTL: cfg.DNSCacheTTL,
		// MX and A run back to back, each may fall back to TCP.
		LookupTimeout: 4 * cfg.DNSTimeout,
		OnLookup:      m.DNSLookup,
	})

	var tracker quota.Tracker = quota.NewMemoryTracker(cfg.DailyQuota, nil)
	if rdb != nil {
		tracker = quota.NewRedisTracker(rdb, cfg.DailyQuota)
	}

	lists, err := verifier.LoadListsFile(cfg.ListsFile)
	if err != nil {
		logger.Fatalf("Failed to load lists: %v", err)
	}

	dialer := proxypool.Dialer{Protocol: cfg.Proxy.Protocol, Timeout: cfg.SMTP.Timeout}
	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, Backoff: cfg.RetryBackoff}

	engineCfg := verifier.Config{
		DNS:     cache,
		Quota:   tracker,
		Proxies: pool,
		Prober: smtpprobe.New(dialer.DialContext, smtpprobe.Config{
			HeloName: cfg.SMTP.HeloName,
			MailFrom: cfg.SMTP.MailFrom,
			Timeout:  cfg.SMTP.Timeout,
		}),
		Lists:       lists,
		Identity:    cfg.QuotaIdentity,
		SMTPEnabled: cfg.SMTP.Enabled,
		Retry:       policy,
		Logger:      logger,
		Observer:    m,
	}
	if cfg.WhoisEnabled {
		engineCfg.Whois = verifier.NewWhoisClient(5 * time.Second)
	}
	engine := verifier.New(engineCfg)

	var (
		tasks     queue.Queue               = queue.NewMemoryQueue(queue.DefaultCapacity)
		transport notify.Publisher          = notify.LogPublisher{Logger: logger}
		notifier  worker.NotificationSender = notify.NoopNotifier{}
	)
	if rdb != nil {
		tasks = queue.NewRedisQueue(rdb, queue.DefaultKey)
		transport = notify.NewRedisPublisher(rdb)
	}
	if cfg.Notify.Host != "" {
		notifier = notify.NewMailer(notify.MailerConfig{
			Host:     cfg.Notify.Host,
			Port:     cfg.Notify.Port,
			Username: cfg.Notify.Username,
			Password: cfg.Notify.Password,
			From:     cfg.Notify.From,
		})
	}
	progress := notify.NewAsyncPublisher(transport, notify.DefaultBuffer, logger)

	st := store.New(db)
	verificationWorker := worker.NewVerificationWorker(worker.Deps{
		Jobs:     st,
		Results:  st,
		Verifier: engine,
		Queue:    tasks,
		Progress: progress,
		Notifier: notifier,
	}, worker.Options{
		BatchSize:     cfg.Worker.BatchSize,
		Concurrency:   cfg.Worker.Concurrency,
		ProgressEvery: cfg.Worker.ProgressEvery,
		ItemTimeout:   cfg.Worker.ItemTimeout,
		JobWorkers:    cfg.Worker.JobWorkers,
		Retry:         policy,
		Logger:        logger,
		Observer:      m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services := make(chan struct{})
	go func() {
		defer close(services)
		runServices(ctx, progress.Run,
			verificationWorker.Start,
			func(ctx context.Context) { pool.RunHealthLoop(ctx, cfg.Proxy.HealthInterval) },
			func(ctx context.Context) { purgeDNSCache(ctx, cache, cfg.DNSCacheTTL, logger) },
		)
	}()

	admin := controller.NewAdminController(pool, tracker, cache, cfg.QuotaIdentity, healthChecks(db, rdb), logger)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routeOpts := routes.Options{
		JWTSecret:   cfg.AdminJWTSecret,
		CORSOrigins: cfg.AdminOrigins,
		RateLimit:   cfg.AdminRateLimit,
		Logger:      logger,
	}
	if rdb != nil {
		routeOpts.RateLimitStorage = middleware.NewRedisStorage(rdb)
	}
	routes.SetupRoutes(app, admin, routeOpts)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Warn("Admin server shutdown")
		}
	}()

	logger.WithField("port", cfg.AdminPort).Info("🚀 Admin server starting")
	if err := app.Listen(":" + cfg.AdminPort); err != nil {
		logger.WithError(err).Error("Admin server stopped")
		stop()
	}

	<-services
	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("Stopped")
}

// runServices runs every producer under ctx and blocks until they return. The
// publisher outlives them: it is stopped, and drains its buffer, only after the
// last producer is done, so events emitted while jobs wind down still go out.
func runServices(ctx context.Context, publisher func(context.Context), producers ...func(context.Context)) {
	pubCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	published := make(chan struct{})
	go func() {
		defer close(published)
		publisher(pubCtx)
	}()

	var wg sync.WaitGroup
	for _, run := range producers {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	wg.Wait()

	stopPublisher()
	<-published
}

// printAdminToken implements `mailverifier token -sub ops -ttl 24h`.
func printAdminToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "operator", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.AdminJWTSecret == "" {
		return errors.New("ADMIN_JWT_SECRET is not set")
	}
	token, err := utils.GenerateAdminToken(cfg.AdminJWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func setupLogger(logger *logrus.Logger, cfg *config.Config) {
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func healthChecks(db *gorm.DB, rdb *redis.Client) map[string]controller.HealthCheck {
	checks := map[string]controller.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return checks
}

func purgeDNSCache(ctx context.Context, cache *dnscache.Cache, every time.Duration, logger logrus.FieldLogger) {
	if every <= 0 {
		every = dnscache.DefaultTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Purge(); n > 0 {
				logger.WithField("removed", n).Debug("Purged DNS cache")
			}
		}
	}
}
