// Package app wires the API server and the mail worker.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/domain/checkout"
	"github.com/xenking/aromaticus/internal/domain/coupon"
	"github.com/xenking/aromaticus/internal/domain/fulfillment"
	"github.com/xenking/aromaticus/internal/domain/inventory"
	"github.com/xenking/aromaticus/internal/handler"
	"github.com/xenking/aromaticus/internal/notify"
	"github.com/xenking/aromaticus/internal/payment/stripe"
	"github.com/xenking/aromaticus/internal/storage/postgres"
	"github.com/xenking/aromaticus/internal/storage/redis"
	"github.com/xenking/aromaticus/pkg/health"
	"github.com/xenking/aromaticus/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the API server.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.TelemetryProvider, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("client_url", cfg.ClientURL))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	stock := postgres.NewInventoryStore(pool)

	couponFilter := coupon.NewFilter(couponRepo)
	go couponFilter.Run(ctx, cfg.Coupons.FilterRefresh)
	coupons := coupon.NewRepoValidator(couponFilter)
	go inventory.NewSweeper(stock, cfg.Reservation.SweepInterval).Run(ctx)

	// Redis backs callback claims and the shared rate limiter when
	// configured; otherwise both stay in-process.
	var (
		claims  fulfillment.Claims = fulfillment.NopClaims{}
		limiter httpmiddleware.Limiter
	)
	if cfg.Redis.URL != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		healthSvc.Add(health.Readiness, "redis", 3*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		claims = redis.NewClaims(rdb, cfg.Redis.Prefix+"claim:")
		limiter = redis.NewFixedWindow(rdb, cfg.Redis.Prefix+"ratelimit:", cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		lg.Warn("Redis not configured, callback dedup relies on the order store only")
		sw := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go sw.Run(ctx)
		limiter = sw
	}

	notifier, closeNotifier, err := newNotifier(lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// Domain services.
	provider := stripe.New(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
	})
	checkoutSvc := checkout.NewService(productRepo, coupons, stock, provider, checkout.Config{
		ClientURL:        cfg.ClientURL,
		ReservationTTL:   cfg.Reservation.TTL,
		ReservationGrace: cfg.Reservation.Grace,
		TracerProvider:   m.TracerProvider(),
	})
	fulfillmentSvc, err := fulfillment.NewService(provider, productRepo, orderRepo, stock, claims, notifier, fulfillment.Config{
		ClaimTTL:       cfg.Fulfillment.ClaimTTL,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create fulfillment service")
	}

	// Router: health endpoints + API routes on one server.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	healthSvc.Register(router)
	handler.New(handler.Config{}, checkoutSvc, fulfillmentSvc, coupons).Register(router)
	routeFinder := ginRoutes(router)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowHeaders:     []string{"Content-Type", "Authorization", httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(limiter, rateLimitKey),
			httpmiddleware.Instrument("aromaticus-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// rateLimitKey limits API calls per client. The payment provider's
// callbacks are exempt: they arrive in bursts from a few addresses.
func rateLimitKey(r *http.Request) string {
	if r.URL.Path == "/api/checkout/webhook" {
		return ""
	}
	return httpmiddleware.APIClientIP(r)
}

// newNotifier picks how order confirmations leave the process: through the
// queue when a broker is configured, else straight to SMTP on a detached
// goroutine, else nowhere.
func newNotifier(lg *zap.Logger, cfg *Config, healthSvc *health.Health) (fulfillment.Notifier, func(), error) {
	switch {
	case cfg.AMQP.URL != "":
		q, err := notify.DialQueue(queueConfig(cfg))
		if err != nil {
			return nil, nil, errors.Wrap(err, "dial amqp")
		}
		healthSvc.Add(health.Readiness, "amqp", time.Second, health.PingCheck(q))
		lg.Info("Order confirmations go through the queue", zap.String("queue", cfg.AMQP.Queue))
		return q.Publisher(), q.Close, nil
	case cfg.SMTP.Host != "":
		sender, err := notify.NewSMTPSender(smtpConfig(cfg))
		if err != nil {
			return nil, nil, errors.Wrap(err, "create smtp sender")
		}
		async := notify.NewAsync(notify.NewMailer(sender), cfg.SMTP.Timeout)
		return async, async.Wait, nil
	default:
		lg.Warn("Neither AMQP nor SMTP configured, order confirmations are not sent")
		return fulfillment.NopNotifier{}, func() {}, nil
	}
}

func queueConfig(cfg *Config) notify.QueueConfig {
	return notify.QueueConfig{
		URL:          cfg.AMQP.URL,
		Queue:        cfg.AMQP.Queue,
		MaxRetries:   cfg.AMQP.MaxRetries,
		RetryBackoff: cfg.AMQP.RetryBackoff,
	}
}

func smtpConfig(cfg *Config) notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		From:        cfg.SMTP.From,
		ImplicitTLS: cfg.SMTP.ImplicitTLS,
	}
}

// ginRoutes resolves requests against the routes registered on e.
func ginRoutes(e *gin.Engine) httpmiddleware.RouteFinder {
	routes := make(map[string][]string)
	for _, r := range e.Routes() {
		routes[r.Method] = append(routes[r.Method], r.Path)
	}
	return httpmiddleware.StaticRoutes(routes)
}
