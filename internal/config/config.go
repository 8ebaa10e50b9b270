package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	DefaultURI = "http://localhost:7437"
)

var (
	ErrInvalidDatabaseType = errors.New("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	ErrMissingDatabaseDSN  = errors.New("DATABASE_DSN is required when DATABASE_TYPE is 'postgres'")
	ErrInvalidURI          = errors.New("AGIXT_URI must be a valid http(s) URL")
	ErrMissingMasterKey    = errors.New("at least one master key is required")
)

type Config struct {
	APIKey string

	Server   ServerConfig
	Redis    RedisConfig
	DB       DBConfig
	Worker   WorkerConfig
	Provider ProviderConfig
	Rate     RateConfig
	Engine   EngineConfig
	Policy   PolicyConfig
	Crypto   CryptoConfig
	Log      LogConfig
}

type ServerConfig struct {
	ListenAddr  string
	PublicURI   string
	HealthPath  string
	MetricsPath string
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	QueueStream    string
	QueueGroup     string
	QueueBlock     time.Duration
	IdempotencyTTL time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
	Embedded     bool
}

type ProviderConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type RateConfig struct {
	PerHour int64
}

type EngineConfig struct {
	MaxContextTokens  int
	TaskMaxIterations int
	ChainMaxDepth     int
}

type PolicyConfig struct {
	Path string
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		APIKey: mustEnv("AGIXT_API_KEY", ""),
		Redis: RedisConfig{
			Addr:           mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:       mustEnv("REDIS_PASSWORD", ""),
			DB:             mustInt("REDIS_DB", 0),
			QueueStream:    mustEnv("QUEUE_STREAM", "agentmux:jobs"),
			QueueGroup:     mustEnv("QUEUE_GROUP", "agentmux-workers"),
			QueueBlock:     mustDuration("QUEUE_BLOCK", 5*time.Second),
			IdempotencyTTL: mustDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("MAX_JOB_RETRIES", 3),
			Embedded:     mustBool("EMBEDDED_WORKER", false),
		},
		Provider: ProviderConfig{
			ClientTimeout: mustDuration("PROVIDER_TIMEOUT", 60*time.Second),
			MaxRetries:    mustInt("PROVIDER_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("PROVIDER_BACKOFF_BASE", 400*time.Millisecond),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		Engine: EngineConfig{
			MaxContextTokens:  mustInt("MAX_CONTEXT_TOKENS", 4096),
			TaskMaxIterations: mustInt("TASK_MAX_ITERATIONS", 10),
			ChainMaxDepth:     mustInt("CHAIN_MAX_DEPTH", 3),
		},
		Policy: PolicyConfig{
			Path: mustEnv("POLICY_PATH", ""),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	cfg.Server = server

	db, err := LoadDB()
	if err != nil {
		return nil, err
	}
	cfg.DB = db

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// LoadDB reads just the database section. The migrate subcommand uses
// it so schema management never demands the full runtime environment.
func LoadDB() (DBConfig, error) {
	db := DBConfig{
		Driver:      strings.ToLower(mustEnv("DATABASE_TYPE", DriverSQLite)),
		DSN:         mustEnv("DATABASE_DSN", ""),
		AutoMigrate: mustBool("AUTO_MIGRATE", true),
	}

	switch db.Driver {
	case DriverSQLite:
		if db.DSN == "" {
			db.DSN = "file:agentmux.db"
		}
	case DriverPostgres, "pgx", "postgresql":
		if db.DSN == "" {
			return DBConfig{}, ErrMissingDatabaseDSN
		}
	default:
		return DBConfig{}, ErrInvalidDatabaseType
	}
	return db, nil
}

func loadServerConfig() (ServerConfig, error) {
	raw := mustEnv("AGIXT_URI", DefaultURI)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ServerConfig{}, ErrInvalidURI
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	listen := mustEnv("HTTP_LISTEN_ADDR", "")
	if listen == "" {
		listen = net.JoinHostPort("", port)
	}

	return ServerConfig{
		ListenAddr:  listen,
		PublicURI:   strings.TrimRight(raw, "/"),
		HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
		MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
	}, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
