// Package config loads the messenger configuration: defaults, optionally
// overridden by a .env file and then by the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds every setting of the server process.
type Config struct {
	ListenAddr        string
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	OperationTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	JWTSecret   string
	Store       string // StoreMemory or StorePostgres
	DatabaseURL string
	RedisAddr   string // empty disables the presence mirror and rate limits
	NATSURL     string // empty keeps fan-out in process
	ServerName  string

	MessageRateLimit  int
	MessageRateWindow time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "messenger-1"
	}
	return Config{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		OperationTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Store:             StoreMemory,
		ServerName:        name,
		MessageRateLimit:  20,
		MessageRateWindow: 10 * time.Second,
	}
}

// Load reads an optional .env file from the working directory and applies
// environment overrides on top of Default.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err == nil {
		glog.Infof("config: loaded .env")
	}
	return FromEnv(os.Getenv)
}

// FromEnv applies overrides looked up with getenv on top of Default.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	e := envReader{getenv: getenv}

	e.str("LISTEN_ADDR", &c.ListenAddr)
	e.positive("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	e.positive("MAX_CONNECTIONS", &c.MaxConnections)
	e.duration("READ_TIMEOUT", &c.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &c.WriteTimeout)
	e.duration("OPERATION_TIMEOUT", &c.OperationTimeout)
	e.duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	e.duration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	e.str("JWT_SECRET", &c.JWTSecret)
	e.str("STORE", &c.Store)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("NATS_URL", &c.NATSURL)
	e.str("SERVER_NAME", &c.ServerName)
	e.positive("MESSAGE_RATE_LIMIT", &c.MessageRateLimit)
	e.duration("MESSAGE_RATE_WINDOW", &c.MessageRateWindow)

	if e.err != nil {
		return Config{}, e.err
	}
	return c, c.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("config: OPERATION_TIMEOUT must be positive")
	}
	return nil
}

// envReader collects the first parse error so callers can apply every key
// and check once.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) positive(key string, dst *int) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.err = fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = d
}
