package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"syncpad/config"
	"syncpad/logging"
	"syncpad/server"
	"syncpad/server/relay"
	"syncpad/server/store"
)

func main() {
	cfg := config.Load()
	log := logging.New()
	defer log.Sync()

	st := openStore(cfg, log)
	defer st.Close()

	var rel *relay.Redis
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r, err := relay.New(ctx, cfg.RedisAddr, log)
		cancel()
		if err != nil {
			log.Fatalw("redis relay unavailable", "addr", cfg.RedisAddr, "err", err)
		}
		rel = r
		defer rel.Close()
		log.Infow("redis relay enabled", "addr", cfg.RedisAddr)
	}

	broker := server.NewBroker(server.NewRegistry(), st, rel, log)

	if cfg.MDNSEnable {
		shutdown := advertise(cfg, log)
		defer shutdown()
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: broker.Handler()}
	go func() {
		log.Infow("syncpad server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// openStore picks the snapshot store: Postgres when configured, then an
// embedded bolt file, then process memory.
func openStore(cfg config.Config, log *zap.SugaredLogger) store.DocumentStore {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := store.NewPGStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalw("postgres unavailable", "err", err)
		}
		log.Info("using postgres snapshot store")
		return st
	}
	if cfg.BoltPath != "" {
		st, err := store.NewBoltStore(cfg.BoltPath)
		if err != nil {
			log.Fatalw("bolt store unavailable", "path", cfg.BoltPath, "err", err)
		}
		log.Infow("using bolt snapshot store", "path", cfg.BoltPath)
		return st
	}
	log.Info("using in-memory snapshot store")
	return store.NewMemoryStore()
}

// advertise registers the server on the LAN over mDNS so clients can find it
// without configuration.
func advertise(cfg config.Config, log *zap.SugaredLogger) func() {
	host, _ := os.Hostname()
	srv, err := zeroconf.Register("syncpad-"+host, cfg.MDNSService, "local.", cfg.MDNSPort, nil, nil)
	if err != nil {
		log.Warnw("mDNS registration failed", "err", err)
		return func() {}
	}
	log.Infow("mDNS service registered", "service", cfg.MDNSService, "port", cfg.MDNSPort)
	return srv.Shutdown
}
