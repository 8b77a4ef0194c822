package config

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"banggood-pipeline/models"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Normalization scopes for the value score.
const (
	ScopeCategory = "category"
	ScopeGlobal   = "global"
)

// Bounds strategies for the value score.
const (
	BoundsBatch   = "batch"
	BoundsRunning = "running"
)

// Fetch modes.
const (
	FetchHTTP    = "http"
	FetchBrowser = "browser"
)

// Weights are the value score coefficients for rating, review count and price.
type Weights struct {
	Rating  float64
	Reviews float64
	Price   float64
}

// Validate checks that the weights are finite, non-negative and sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Rating, w.Reviews, w.Price} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("weights must be finite and non-negative: %+v", w)
		}
	}
	if sum := w.Rating + w.Reviews + w.Price; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %g", sum)
	}
	return nil
}

// Policy is the politeness policy applied by the fetcher.
type Policy struct {
	MinInterval    time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	MaxConcurrency int
	RequestTimeout time.Duration
	MaxPages       int
}

// Validate rejects policies the fetcher cannot run with.
func (p Policy) Validate() error {
	switch {
	case p.MaxConcurrency < 1:
		return fmt.Errorf("max concurrency must be at least 1, got %d", p.MaxConcurrency)
	case p.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	case p.MaxPages < 1:
		return fmt.Errorf("max pages must be at least 1, got %d", p.MaxPages)
	case p.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive")
	}
	return nil
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Env      string
	LogLevel string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	RedisAddr string
	RedisDB   int

	SourceBaseURL       string
	CategoryURLTemplate string
	SearchURLTemplate   string
	UserAgent           string
	FetchMode           string
	ChromeBin           string
	CardSelector        string
	Targets             []models.Target

	Policy  Policy
	Weights Weights

	NormalizationScope string
	BoundsStrategy     string
	PopularityHalfLife float64
	SnapshotLocation   *time.Location
	BaseCurrency       string
	CurrencyRates      map[string]decimal.Decimal
	CategoryAliases    map[string]string
	PriceBands         []decimal.Decimal
	ParseConcurrency   int
	PersistConcurrency int
	PersistMaxRetries  int
	PersistBackoffBase time.Duration
	RejectsCSVPath     string
	APIAddr            string
}

// Load reads the .env file and returns a populated Config struct.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	loc, err := time.LoadLocation(getEnv("SNAPSHOT_TZ", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("config: SNAPSHOT_TZ: %w", err)
	}
	weights, err := parseWeights(getEnv("SCORE_WEIGHTS", "0.4,0.4,0.2"))
	if err != nil {
		return nil, fmt.Errorf("config: SCORE_WEIGHTS: %w", err)
	}
	targets, err := ParseTargets(getEnv("TARGETS", ""))
	if err != nil {
		return nil, fmt.Errorf("config: TARGETS: %w", err)
	}
	rates, err := parseRates(getEnv("CURRENCY_RATES", "USD:1"))
	if err != nil {
		return nil, fmt.Errorf("config: CURRENCY_RATES: %w", err)
	}
	bands, err := parseBands(getEnv("PRICE_BANDS", "20,100"))
	if err != nil {
		return nil, fmt.Errorf("config: PRICE_BANDS: %w", err)
	}

	cfg := &Config{
		Env:      getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "scraper"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "scraper123"),
		PostgresDB:       getEnv("POSTGRES_DB", "banggood"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		SourceBaseURL:       strings.TrimRight(getEnv("SOURCE_BASE_URL", "https://www.banggood.com"), "/"),
		CategoryURLTemplate: getEnv("CATEGORY_URL_TEMPLATE", "{base}/{value}-c.html?page={page}"),
		SearchURLTemplate:   getEnv("SEARCH_URL_TEMPLATE", "{base}/search/{value}.html?page={page}"),
		UserAgent:           getEnv("USER_AGENT", defaultUserAgent),
		FetchMode:           getEnv("FETCH_MODE", FetchHTTP),
		ChromeBin:           getEnv("CHROME_BIN", ""),
		CardSelector:        getEnv("CARD_SELECTOR", ""),
		Targets:             targets,

		Policy: Policy{
			MinInterval:    time.Duration(getEnvInt("MIN_INTERVAL_MS", 2000)) * time.Millisecond,
			MaxRetries:     getEnvInt("MAX_RETRIES", 3),
			BackoffBase:    time.Duration(getEnvInt("BACKOFF_BASE_MS", 500)) * time.Millisecond,
			MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 3),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			MaxPages:       getEnvInt("MAX_PAGES", 3),
		},
		Weights: weights,

		NormalizationScope: getEnv("NORMALIZATION_SCOPE", ScopeCategory),
		BoundsStrategy:     getEnv("BOUNDS_STRATEGY", BoundsBatch),
		PopularityHalfLife: getEnvFloat("POPULARITY_HALF_LIFE_DAYS", 30),
		SnapshotLocation:   loc,
		BaseCurrency:       strings.ToUpper(getEnv("BASE_CURRENCY", "USD")),
		CurrencyRates:      rates,
		CategoryAliases:    parseAliases(getEnv("CATEGORY_ALIASES", "")),
		PriceBands:         bands,
		ParseConcurrency:   getEnvInt("PARSE_CONCURRENCY", 4),
		PersistConcurrency: getEnvInt("PERSIST_CONCURRENCY", 4),
		PersistMaxRetries:  getEnvInt("PERSIST_MAX_RETRIES", 3),
		PersistBackoffBase: time.Duration(getEnvInt("PERSIST_BACKOFF_BASE_MS", 200)) * time.Millisecond,
		RejectsCSVPath:     getEnv("REJECTS_CSV_PATH", "./output/rejected_listings.csv"),
		APIAddr:            getEnv("API_ADDR", ":8080"),
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.NormalizationScope != ScopeCategory && c.NormalizationScope != ScopeGlobal {
		return fmt.Errorf("config: NORMALIZATION_SCOPE must be %q or %q", ScopeCategory, ScopeGlobal)
	}
	switch c.BoundsStrategy {
	case BoundsBatch:
	case BoundsRunning:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: BOUNDS_STRATEGY=running needs REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: BOUNDS_STRATEGY must be %q or %q", BoundsBatch, BoundsRunning)
	}
	if c.FetchMode != FetchHTTP && c.FetchMode != FetchBrowser {
		return fmt.Errorf("config: FETCH_MODE must be %q or %q", FetchHTTP, FetchBrowser)
	}
	if c.PopularityHalfLife < 0 {
		return fmt.Errorf("config: POPULARITY_HALF_LIFE_DAYS must not be negative")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// ParseTargets parses "category:tools,search:usb drill". A bare value is a
// category.
func ParseTargets(raw string) ([]models.Target, error) {
	var targets []models.Target
	for _, part := range splitList(raw) {
		kind, value, found := strings.Cut(part, ":")
		if !found {
			kind, value = string(models.TargetCategory), part
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, fmt.Errorf("empty target in %q", part)
		}
		switch models.TargetKind(kind) {
		case models.TargetCategory, models.TargetSearch:
		default:
			return nil, fmt.Errorf("unknown target kind %q", kind)
		}
		targets = append(targets, models.Target{Kind: models.TargetKind(kind), Value: value})
	}
	return targets, nil
}

func parseWeights(raw string) (Weights, error) {
	parts := splitList(raw)
	if len(parts) != 3 {
		return Weights{}, fmt.Errorf("want 3 comma-separated weights, got %q", raw)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return Weights{}, fmt.Errorf("weight %q: %w", p, err)
		}
		vals[i] = v
	}
	return Weights{Rating: vals[0], Reviews: vals[1], Price: vals[2]}, nil
}

// parseRates reads "USD:1,EUR:1.08" as units of base currency per unit.
func parseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, part := range splitList(raw) {
		code, val, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("rate %q must be CODE:value", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("rate %q must be a positive number", part)
		}
		rates[strings.ToUpper(strings.TrimSpace(code))] = d
	}
	return rates, nil
}

func parseBands(raw string) ([]decimal.Decimal, error) {
	var bands []decimal.Decimal
	for _, part := range splitList(raw) {
		d, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", part, err)
		}
		if n := len(bands); n > 0 && !d.GreaterThan(bands[n-1]) {
			return nil, fmt.Errorf("bands must be increasing: %q", raw)
		}
		bands = append(bands, d)
	}
	if len(bands) != 2 {
		return nil, fmt.Errorf("want 2 bands (budget, mid-range upper limits), got %q", raw)
	}
	return bands, nil
}

// parseAliases reads "mobile phones:phones,cell-phones:phones".
func parseAliases(raw string) map[string]string {
	aliases := make(map[string]string)
	for _, part := range splitList(raw) {
		from, to, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		aliases[strings.ToLower(strings.TrimSpace(from))] = strings.ToLower(strings.TrimSpace(to))
	}
	return aliases
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
