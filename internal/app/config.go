package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Config holds the complete application configuration, loadable from
// environment variables (AROMA_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (AROMA_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ClientURL   string `default:"http://localhost:5173" usage:"Storefront origin for redirects and relative images" flag:"client-url"`
	Stripe      StripeConfig
	Redis       RedisConfig
	AMQP        AMQPConfig
	SMTP        SMTPConfig
	Reservation ReservationConfig
	Coupons     CouponsConfig
	Fulfillment FulfillmentConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StripeConfig holds payment provider credentials.
type StripeConfig struct {
	SecretKey     string `usage:"Stripe secret API key (AROMA_STRIPE_SECRET_KEY or STRIPE_SECRET_KEY)"`
	WebhookSecret string `usage:"Stripe webhook signing secret (AROMA_STRIPE_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET)"`
	Currency      string `default:"gbp" usage:"ISO currency of every price"`
}

// RedisConfig enables cross-replica callback dedup and rate limits.
type RedisConfig struct {
	URL    string `usage:"Redis URL, e.g. redis://localhost:6379/0 (AROMA_REDIS_URL or REDIS_URL); empty disables Redis"`
	Prefix string `default:"aromaticus:" usage:"Key prefix"`
}

// AMQPConfig enables the confirmation email queue.
type AMQPConfig struct {
	URL          string        `usage:"RabbitMQ URL (AROMA_AMQP_URL or AMQP_URL); empty sends email in-process"`
	Queue        string        `default:"order-confirmations" usage:"Queue name"`
	MaxRetries   int           `default:"5" usage:"Delivery attempts before dead-lettering"`
	RetryBackoff time.Duration `default:"2s" usage:"Backoff per failed attempt"`
}

// SMTPConfig is the mail relay used to send confirmations.
type SMTPConfig struct {
	Host        string        `usage:"SMTP host; empty disables email"`
	Port        int           `default:"587" usage:"SMTP port"`
	Username    string        `usage:"SMTP username"`
	Password    string        `usage:"SMTP password"`
	From        string        `usage:"From header"`
	ImplicitTLS bool          `default:"false" usage:"Dial TLS directly instead of STARTTLS"`
	Timeout     time.Duration `default:"30s" usage:"Per-message send timeout"`
}

// ReservationConfig controls stock holds taken at checkout.
type ReservationConfig struct {
	TTL           time.Duration `default:"35m" usage:"How long a checkout session stays payable"`
	Grace         time.Duration `default:"5m" usage:"Extra hold time past the session expiry"`
	SweepInterval time.Duration `default:"1m" usage:"How often expired holds are released"`
}

// CouponsConfig controls the coupon code filter.
type CouponsConfig struct {
	FilterRefresh time.Duration `default:"5m" usage:"How often the coupon code filter is rebuilt"`
}

// FulfillmentConfig controls payment callback processing.
type FulfillmentConfig struct {
	ClaimTTL time.Duration `default:"10m" usage:"How long a session stays claimed by one callback delivery"`
}

// RateLimitConfig controls the per-client limiter on /api routes.
type RateLimitConfig struct {
	Max    int           `default:"60" usage:"Max requests per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `usage:"Allowed CORS origins; defaults to the client URL"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig reads .env if present, then environment variables and YAML
// config files, and applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	return loadConfig(os.Args[1:], "config.yaml", "/etc/aromaticus/config.yaml")
}

func loadConfig(args []string, files ...string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "AROMA",
		Args:      args,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	return &cfg, nil
}

// Validate checks the settings the API server cannot start without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set AROMA_DATABASE_URL or DATABASE_URL")
	}
	if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
		return errors.New("stripe secret key and webhook secret are required")
	}
	if c.Reservation.TTL <= 0 {
		return errors.New("reservation TTL must be positive")
	}
	return nil
}

// applyPlatformDefaults maps unprefixed variables set by hosting platforms
// and by older deployments onto the AROMA_ settings.
func (c *Config) applyPlatformDefaults() {
	fallback := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fallback(&c.DatabaseURL, "DATABASE_URL")
	fallback(&c.Redis.URL, "REDIS_URL")
	fallback(&c.AMQP.URL, "AMQP_URL")
	fallback(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	fallback(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	if v := os.Getenv("CLIENT_URL"); v != "" && c.ClientURL == "http://localhost:5173" {
		c.ClientURL = v
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if len(c.CORS.Origins) == 0 {
		c.CORS.Origins = []string{c.ClientURL}
	}
}
