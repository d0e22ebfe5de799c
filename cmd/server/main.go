package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/whisper/messenger/internal/auth"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/config"
	"github.com/whisper/messenger/internal/coordinator"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/store"
	"github.com/whisper/messenger/internal/ws"
)

var (
	seedFile   = flag.String("seed", "", "JSON file with an array of users to load at startup")
	issueToken = flag.String("issue-token", "", "print a token for the given user id and exit")
	tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Exitf("invalid configuration: %v", err)
	}

	if *issueToken != "" {
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), *issueToken, "", *tokenTTL)
		if err != nil {
			glog.Exitf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	st, putUser, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		glog.Exitf("open store: %v", err)
	}
	defer closeStore()

	if *seedFile != "" {
		n, err := seedUsers(ctx, *seedFile, putUser)
		if err != nil {
			glog.Exitf("seed users: %v", err)
		}
		glog.Infof("seeded %d users from %s", n, *seedFile)
	}

	// --- Presence ---
	registry := presence.NewRegistry()

	var (
		mirror  *presence.Mirror
		limiter ratelimit.Checker = ratelimit.NewLocal()
	)
	if cfg.RedisAddr != "" {
		client, err := presence.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			glog.Exitf("connect to Redis: %v", err)
		}
		defer client.Close()
		mirror = presence.NewMirror(client, registry, cfg.ServerName)
		limiter = ratelimit.NewLimiter(client)
	}

	registry.SetOnChange(func() {
		metrics.OnlineUsers.Set(float64(registry.Count()))
		if mirror != nil {
			mirror.Notify()
		}
	})

	// --- Gateway ---
	dispatcher := ws.NewMessageDispatcher(cfg.OperationTimeout)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AuthTimeout:    cfg.OperationTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, auth.NewJWTResolver([]byte(cfg.JWTSecret), st), registry, dispatcher.Dispatch)

	server.SetConnectLimiter(limiter)

	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "messenger-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			glog.Exitf("connect to NATS: %v", err)
		}
		defer natsClient.Close()
		if err := server.UseBus(natsClient); err != nil {
			glog.Exitf("%v", err)
		}
	}

	// --- Coordinator ---
	coord := coordinator.New(st, registry, server.Fanout())
	coord.SetLimiter(limiter, ratelimit.MessageRule(cfg.MessageRateLimit, cfg.MessageRateWindow))
	coord.Register(dispatcher)

	if mirror != nil {
		go mirror.Run(ctx)
	}

	glog.Infof("messenger server starting")
	glog.Infof("  listen_addr:       %s", cfg.ListenAddr)
	glog.Infof("  worker_pool:       %d", cfg.WorkerPoolSize)
	glog.Infof("  max_connections:   %d", cfg.MaxConnections)
	glog.Infof("  operation_timeout: %s", cfg.OperationTimeout)
	glog.Infof("  store:             %s", cfg.Store)
	glog.Infof("  redis_addr:        %s", orNone(cfg.RedisAddr))
	glog.Infof("  nats_url:          %s", orNone(cfg.NATSURL))
	glog.Infof("  server_name:       %s", cfg.ServerName)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		glog.Infof("received shutdown signal, initiating graceful shutdown...")
	case err := <-errCh:
		if err != nil {
			glog.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("shutdown error: %v", err)
	}
}

// openStore returns the configured store, a function adding users to it and
// a cleanup function.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(context.Context, chat.User) error, func(), error) {
	if cfg.Store == config.StoreMemory {
		m := store.NewMemory()
		put := func(_ context.Context, u chat.User) error {
			m.PutUser(u)
			return nil
		}
		return m, put, func() {}, nil
	}

	db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	pg := store.NewPostgres(db)
	return pg, pg.PutUser, func() { db.Close() }, nil
}

// seedUsers loads a JSON array of users from path.
func seedUsers(ctx context.Context, path string, put func(context.Context, chat.User) error) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var users []chat.User
	if err := json.Unmarshal(data, &users); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, u := range users {
		if u.ID == "" {
			return 0, fmt.Errorf("user without _id in %s", path)
		}
		if err := put(ctx, u); err != nil {
			return 0, fmt.Errorf("put user %s: %w", u.ID, err)
		}
	}
	return len(users), nil
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
