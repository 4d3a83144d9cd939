package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
)

// DispatcherConfig configures cmd/dispatcher.
type DispatcherConfig struct {
	HTTP     HTTPConfig
	Storage  StorageConfig
	Catalog  CatalogConfig
	Sessions SessionConfig
	Tasks    TaskConfig
	Metrics  MetricsConfig
	Logging  logging.Config
}

type HTTPConfig struct {
	Addr string
}

type StorageConfig struct {
	Backend    string // "local" | "gcs" | "s3" | "blob"
	Bucket     string
	Prefix     string
	LocalDir   string
	S3Endpoint string
	S3Region   string
	BlobURL    string
}

type CatalogConfig struct {
	PostgresDSN string
	MaxConns    int32
}

type SessionConfig struct {
	Backend         string // "memory" | "postgres" | "redis"
	TTL             time.Duration
	RefreshInterval time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
}

type TaskConfig struct {
	Backend        string // "memory" | "postgres"
	SeedFile       string
	ReconcileGrace time.Duration
}

type MetricsConfig struct {
	Enabled   bool
	Addr      string
	Namespace string
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	HomeDir          string
	DispatchersFile  string
	DispatcherURL    string
	ExchangeInterval time.Duration
	ActorInterval    time.Duration
	ExecTimeout      time.Duration
	MissingEvery     int
	Metrics          MetricsConfig
	Logging          logging.Config
}

// MustLoadDispatcher reads the dispatcher configuration from the environment.
func MustLoadDispatcher() DispatcherConfig {
	log.Println("[config] loading dispatcher")

	cfg := DispatcherConfig{
		HTTP: HTTPConfig{
			Addr: getenvDefault("HTTP_ADDR", ":8080"),
		},
		Storage: StorageConfig{
			Backend:    getenvDefault("STORAGE_BACKEND", "local"),
			Bucket:     os.Getenv("STORAGE_BUCKET"),
			Prefix:     os.Getenv("STORAGE_PREFIX"),
			LocalDir:   getenvDefault("LOCAL_DIR", "./assets"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
			S3Region:   os.Getenv("S3_REGION"),
			BlobURL:    os.Getenv("BLOB_URL"),
		},
		Catalog: CatalogConfig{
			PostgresDSN: os.Getenv("CATALOG_DSN"),
			MaxConns:    int32(parseUint32(getenvDefault("CATALOG_MAX_CONNS", "5"))),
		},
		Sessions: SessionConfig{
			Backend:         getenvDefault("SESSION_BACKEND", "memory"),
			TTL:             parseDuration(os.Getenv("SESSION_TTL"), 30*time.Minute),
			RefreshInterval: parseDuration(os.Getenv("SESSION_REFRESH_INTERVAL"), 2*time.Minute),
			RedisAddr:       getenvDefault("REDIS_ADDR", "localhost:6379"),
			RedisPassword:   os.Getenv("REDIS_PASSWORD"),
			RedisDB:         int(parseUint32(getenvDefault("REDIS_DB", "0"))),
			RedisPrefix:     getenvDefault("REDIS_PREFIX", "dispatch:worker:"),
		},
		Tasks: TaskConfig{
			Backend:        getenvDefault("TASK_BACKEND", "memory"),
			SeedFile:       os.Getenv("TASK_SEED_FILE"),
			ReconcileGrace: parseDuration(os.Getenv("TASK_RECONCILE_GRACE"), 90*time.Second),
		},
		Metrics: loadMetrics(":9090"),
		Logging: loadLogging(),
	}

	needsCatalog := cfg.Sessions.Backend == "postgres" || cfg.Tasks.Backend == "postgres"
	if needsCatalog && cfg.Catalog.PostgresDSN == "" {
		log.Fatalf("[config] CATALOG_DSN is required when a postgres backend is selected")
	}
	return cfg
}

// MustLoadWorker reads the worker configuration from the environment.
func MustLoadWorker() WorkerConfig {
	log.Println("[config] loading worker")

	cfg := WorkerConfig{
		HomeDir:          getenvDefault("WORKER_HOME", "./worker-home"),
		DispatchersFile:  os.Getenv("DISPATCHERS_FILE"),
		DispatcherURL:    os.Getenv("DISPATCHER_URL"),
		ExchangeInterval: parseDuration(os.Getenv("EXCHANGE_INTERVAL"), 10*time.Second),
		ActorInterval:    parseDuration(os.Getenv("ACTOR_INTERVAL"), 5*time.Second),
		ExecTimeout:      parseDuration(os.Getenv("EXEC_TIMEOUT"), 10*time.Minute),
		MissingEvery:     int(parseUint32(getenvDefault("CHECK_MISSING_EVERY", "6"))),
		Metrics:          loadMetrics(":9091"),
		Logging:          loadLogging(),
	}

	if cfg.DispatchersFile == "" && cfg.DispatcherURL == "" {
		log.Fatalf("[config] one of DISPATCHERS_FILE or DISPATCHER_URL is required")
	}
	return cfg
}

func loadMetrics(defaultAddr string) MetricsConfig {
	return MetricsConfig{
		Enabled:   os.Getenv("METRICS_ENABLED") != "false",
		Addr:      getenvDefault("METRICS_ADDR", defaultAddr),
		Namespace: getenvDefault("METRICS_NAMESPACE", "dispatch"),
	}
}

func loadLogging() logging.Config {
	return logging.Config{
		Format: getenvDefault("LOG_FORMAT", "text"),
		Level:  getenvDefault("LOG_LEVEL", "info"),
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseUint32(v string) uint32 {
	parsed, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(parsed)
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid duration %q, using %s", v, def)
		return def
	}
	return d
}
