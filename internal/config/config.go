package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/joho/godotenv"
)

// API holds the connection parameters for the remote ledger API.
type API struct {
	// BaseURL is the API root, e.g. "https://api.alegra.com/api/v1".
	BaseURL string
	// Key is the static Basic credential sent on every request.
	Key string
	// PageSize is the page size the provider allows per request.
	PageSize int
	// Timeout bounds a single request.
	Timeout time.Duration
	// MaxAttempts is the per-page attempt budget (first try included).
	MaxAttempts int
	// RateLimitCooldown is how long to wait after a 429 before retrying.
	RateLimitCooldown time.Duration
	// NetworkRetryDelay is how long to wait after a network-level error.
	// Network blips are assumed shorter-lived than provider throttling.
	NetworkRetryDelay time.Duration
}

// Database holds the PostgreSQL connection parameters. URL wins when set;
// otherwise the discrete fields are assembled into a DSN.
type Database struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string

	// MaxRetries bounds reconnect-and-retry cycles for connection-class
	// write failures.
	MaxRetries int
	// RetryBackoff is the initial backoff between write retries.
	RetryBackoff time.Duration
	// BackoffFactor multiplies the backoff after each failed attempt.
	BackoffFactor float64
}

// DSN returns the connection string for database/sql.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Name)
}

// Mirror holds the durable export mirror settings. Bucket is optional;
// when set, the regenerated snapshot is also uploaded there.
type Mirror struct {
	Path   string
	Bucket string
	Object string
}

// Sync holds per-variant tunables for one record type.
type Sync struct {
	// Concurrency is the ceiling on in-flight page fetches. It must stay
	// below the provider's throttling threshold.
	Concurrency int
	// WindowStart is where a first run begins when the store is empty.
	WindowStart civil.Date
}

// Config is the full assembled configuration. It is loaded once in main
// and passed by value into component constructors; nothing reads the
// environment after Load returns.
type Config struct {
	API      API
	DB       Database
	Invoices Sync
	Bills    Sync

	InvoiceMirror Mirror
	BillMirror    Mirror
}

// Load reads an optional .env file and the process environment and
// returns the assembled configuration. Defaults follow the provider's
// documented limits.
func Load() (Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	key := os.Getenv("ALEGRA_API_KEY")
	if key == "" {
		return Config{}, fmt.Errorf("config: ALEGRA_API_KEY is not set")
	}

	cfg := Config{
		API: API{
			BaseURL:           envOr("ALEGRA_BASE_URL", "https://api.alegra.com/api/v1"),
			Key:               key,
			PageSize:          30,
			Timeout:           30 * time.Second,
			MaxAttempts:       5,
			RateLimitCooldown: 60 * time.Second,
			NetworkRetryDelay: 5 * time.Second,
		},
		DB: Database{
			URL:           os.Getenv("DATABASE_URL"),
			Host:          envOr("DB_HOST", "localhost"),
			Port:          envOr("DB_PORT", "5432"),
			User:          envOr("DB_USER", "postgres"),
			Password:      os.Getenv("DB_PASSWORD"),
			Name:          envOr("DB_NAME", "ledger"),
			MaxRetries:    3,
			RetryBackoff:  time.Second,
			BackoffFactor: 1.5,
		},
		Invoices: Sync{
			Concurrency: envIntOr("INVOICE_CONCURRENCY", 7),
			WindowStart: civil.Date{Year: 2022, Month: 11, Day: 1},
		},
		Bills: Sync{
			Concurrency: envIntOr("BILL_CONCURRENCY", 4),
			WindowStart: civil.Date{Year: 2023, Month: 1, Day: 1},
		},
		InvoiceMirror: Mirror{
			Path:   envOr("INVOICE_CSV_PATH", "facturas.csv"),
			Bucket: os.Getenv("MIRROR_BUCKET"),
			Object: envOr("INVOICE_MIRROR_OBJECT", "mirrors/facturas.csv"),
		},
		BillMirror: Mirror{
			Path:   envOr("BILL_CSV_PATH", "facturas_proveedor.csv"),
			Bucket: os.Getenv("MIRROR_BUCKET"),
			Object: envOr("BILL_MIRROR_OBJECT", "mirrors/facturas_proveedor.csv"),
		},
	}

	if start := os.Getenv("INVOICE_WINDOW_START"); start != "" {
		d, err := civil.ParseDate(start)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid INVOICE_WINDOW_START %q: %w", start, err)
		}
		cfg.Invoices.WindowStart = d
	}

	if cfg.DB.URL == "" && cfg.DB.Password == "" {
		return Config{}, fmt.Errorf("config: neither DATABASE_URL nor DB_PASSWORD is set")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
