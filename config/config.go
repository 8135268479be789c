package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		LogDir      string
		ListenAddr  string
		InstanceID  string
	}

	Hub struct {
		PollInterval     time.Duration
		PollTimeout      time.Duration
		FlushInterval    time.Duration
		HealthInterval   time.Duration
		HeartbeatTimeout time.Duration
		BackfillLimit    int
		WriteTimeout     time.Duration
	}

	India struct {
		Provider string
	}

	Kite struct {
		APIKey      string
		AccessToken string
	}

	Angel struct {
		ClientID   string
		ClientPIN  string
		TOTPCode   string
		APIKey     string
		LocalIP    string
		PublicIP   string
		MACAddress string
		ScripURL   string
	}

	Alpaca struct {
		APIKey    string
		SecretKey string
		StreamURL string
		DataURL   string
	}

	Finnhub struct {
		APIKey    string
		StreamURL string
		RestURL   string
	}

	Redis struct {
		URL           string
		LockKey       string
		LockTTL       time.Duration
		LeaseInterval time.Duration
		ProbeInterval time.Duration
	}

	ClickHouse struct {
		Host          string
		Port          int
		User          string
		Password      string
		Database      string
		BatchSize     int
		FlushInterval time.Duration
		StoreTicks    bool
		Debug         bool
	}
}

// Load reads configuration from the environment, after merging a .env file
// when one exists in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = os.Getenv("LOG_DIR")
	cfg.App.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	cfg.App.InstanceID = getEnvOrDefault("INSTANCE_ID", uuid.NewString())

	cfg.Hub.PollInterval = getEnvAsDurationOrDefault("POLL_INTERVAL", 2*time.Second)
	cfg.Hub.PollTimeout = getEnvAsDurationOrDefault("POLL_TIMEOUT", 15*time.Second)
	cfg.Hub.FlushInterval = getEnvAsDurationOrDefault("FLUSH_INTERVAL", time.Second)
	cfg.Hub.HealthInterval = getEnvAsDurationOrDefault("HEALTH_INTERVAL", 10*time.Second)
	cfg.Hub.HeartbeatTimeout = getEnvAsDurationOrDefault("HEARTBEAT_TIMEOUT", 30*time.Second)
	cfg.Hub.BackfillLimit = getEnvAsIntOrDefault("BACKFILL_LIMIT", 390)
	cfg.Hub.WriteTimeout = getEnvAsDurationOrDefault("WS_WRITE_TIMEOUT", 10*time.Second)

	cfg.India.Provider = strings.ToLower(getEnvOrDefault("INDIA_PROVIDER", "kite"))

	cfg.Kite.APIKey = strings.TrimSpace(os.Getenv("KITE_API_KEY"))
	cfg.Kite.AccessToken = strings.TrimSpace(os.Getenv("KITE_ACCESS_TOKEN"))

	cfg.Angel.ClientID = os.Getenv("ANGEL_CLIENT_ID")
	cfg.Angel.ClientPIN = os.Getenv("ANGEL_CLIENT_PIN")
	cfg.Angel.TOTPCode = os.Getenv("ANGEL_TOTP_CODE")
	cfg.Angel.APIKey = os.Getenv("ANGEL_API_KEY")
	cfg.Angel.LocalIP = getEnvOrDefault("ANGEL_CLIENT_LOCAL_IP", "127.0.0.1")
	cfg.Angel.PublicIP = getEnvOrDefault("ANGEL_CLIENT_PUBLIC_IP", "127.0.0.1")
	cfg.Angel.MACAddress = getEnvOrDefault("ANGEL_MAC_ADDRESS", "00:00:00:00:00:00")
	cfg.Angel.ScripURL = getEnvOrDefault("ANGEL_SCRIP_MASTER_URL",
		"https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json")

	cfg.Alpaca.APIKey = strings.TrimSpace(os.Getenv("ALPACA_API_KEY"))
	cfg.Alpaca.SecretKey = strings.TrimSpace(os.Getenv("ALPACA_SECRET_KEY"))
	cfg.Alpaca.StreamURL = getEnvOrDefault("ALPACA_WS_URL", "wss://stream.data.alpaca.markets/v2/iex")
	cfg.Alpaca.DataURL = getEnvOrDefault("ALPACA_DATA_URL", "https://data.alpaca.markets")

	cfg.Finnhub.APIKey = strings.TrimSpace(os.Getenv("FINNHUB_API_KEY"))
	cfg.Finnhub.StreamURL = getEnvOrDefault("FINNHUB_WS_URL", "wss://ws.finnhub.io")
	cfg.Finnhub.RestURL = getEnvOrDefault("FINNHUB_REST_URL", "https://finnhub.io/api/v1")

	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.Redis.LockKey = getEnvOrDefault("AGGREGATOR_LOCK_KEY", "lock:candle_aggregator")
	cfg.Redis.LockTTL = getEnvAsDurationOrDefault("AGGREGATOR_LOCK_TTL", 10*time.Second)
	cfg.Redis.LeaseInterval = getEnvAsDurationOrDefault("AGGREGATOR_LEASE_INTERVAL", 5*time.Second)
	cfg.Redis.ProbeInterval = getEnvAsDurationOrDefault("REDIS_PROBE_INTERVAL", 5*time.Second)

	cfg.ClickHouse.Host = os.Getenv("CLICKHOUSE_HOST")
	cfg.ClickHouse.Port = getEnvAsIntOrDefault("CLICKHOUSE_PORT", 9000)
	cfg.ClickHouse.User = getEnvOrDefault("CLICKHOUSE_USER", "default")
	cfg.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.ClickHouse.Database = getEnvOrDefault("CLICKHOUSE_DB", "default")
	cfg.ClickHouse.BatchSize = getEnvAsIntOrDefault("CLICKHOUSE_BATCH_SIZE", 1000)
	cfg.ClickHouse.FlushInterval = getEnvAsDurationOrDefault("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second)
	cfg.ClickHouse.StoreTicks = getEnvAsBoolOrDefault("CLICKHOUSE_STORE_TICKS", false)
	cfg.ClickHouse.Debug = cfg.App.Environment != "production"

	return cfg, nil
}

// KiteEnabled reports whether Kite credentials are present.
func (c *Config) KiteEnabled() bool {
	return c.Kite.APIKey != "" && c.Kite.AccessToken != ""
}

// AngelEnabled reports whether Angel One SmartAPI credentials are present.
func (c *Config) AngelEnabled() bool {
	return c.Angel.ClientID != "" && c.Angel.ClientPIN != "" && c.Angel.APIKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault accepts Go durations ("1500ms") or bare seconds.
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
