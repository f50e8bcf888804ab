package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/matst80/wsrelay/internal/kv"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"github.com/matst80/wsrelay/internal/registry"
	"github.com/matst80/wsrelay/internal/relay"
	"github.com/matst80/wsrelay/internal/transport/ws"
)

// limiterIdle is how long a remote address may stay quiet before its
// connection bucket is dropped.
const limiterIdle = 10 * time.Minute

type app struct {
	cfg      Config
	instance string

	store   kv.Store
	reg     *registry.Registry
	engine  *relay.Engine
	limiter *ratelimit.ConnLimiter
	ws      *ws.Server

	ready   atomic.Bool
	closing atomic.Bool
}

func execute(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := obs.InitLog(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("failed to initialize log: %w", err)
	}
	obs.EnableDebug(cfg.Debug)

	a, err := newApp(*cfg)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

func newApp(cfg Config) (*app, error) {
	a := &app{cfg: cfg, instance: instanceID(), reg: registry.New()}

	var opts []relay.Option
	if cfg.Presence {
		store, err := kv.New(kv.Options{
			RedisAddr:       cfg.RedisAddr,
			RedisPassword:   cfg.RedisPassword,
			RedisDB:         cfg.RedisDB,
			CleanupInterval: cfg.PendingCleanupInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("presence store: %w", err)
		}
		a.store = store
		opts = append(opts, relay.WithPresence(relay.NewPresence(store, a.instance, cfg.PresenceTTL)))
	}
	a.engine = relay.NewEngine(a.reg, opts...)

	if cfg.ConnRate > 0 || cfg.GlobalConnRate > 0 {
		a.limiter = ratelimit.NewConnLimiter(cfg.GlobalConnRate, cfg.ConnRate, cfg.ConnBurst)
	}
	a.ws = ws.NewServer(a.engine, ws.Config{
		MaxMessageBytes:      cfg.MaxMessageBytes,
		PingInterval:         cfg.PingInterval,
		IdleTimeout:          cfg.IdleTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		AllowedOrigins:       cfg.AllowedOrigins,
		TrustProxy:           cfg.TrustProxy,
	}, a.limiter)
	return a, nil
}

func (a *app) relayMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a.ws)
	return mux
}

func (a *app) run(ctx context.Context) error {
	// Bind everything before starting goroutines so a bad address fails fast.
	relayLn, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		a.closeStore()
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddress, err)
	}
	relaySrv := &http.Server{Handler: a.relayMux(), ReadHeaderTimeout: 10 * time.Second}

	var metricsLn net.Listener
	var metricsSrv *http.Server
	if a.cfg.MetricsAddress != "" {
		metricsLn, err = net.Listen("tcp", a.cfg.MetricsAddress)
		if err != nil {
			_ = relayLn.Close()
			a.closeStore()
			return fmt.Errorf("listen %s: %w", a.cfg.MetricsAddress, err)
		}
		metricsSrv = &http.Server{Handler: a.metricsMux(), ReadHeaderTimeout: 10 * time.Second}
	}

	var wg sync.WaitGroup
	serve := func(name string, srv *http.Server, ln net.Listener) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("server.serve", obs.Fields{"server": name, "err": err.Error()})
			}
		}()
	}
	serve("relay", relaySrv, relayLn)
	if metricsSrv != nil {
		serve("metrics", metricsSrv, metricsLn)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	wg.Add(1)
	go func() { defer wg.Done(); a.runCleanupLoop(loopCtx) }()
	if a.store != nil {
		wg.Add(1)
		go func() { defer wg.Done(); a.runPresenceLoop(loopCtx) }()
	}

	a.ready.Store(true)
	obs.Info("server.ready", obs.Fields{"listen": relayLn.Addr().String(), "path": a.cfg.Path, "metrics": a.cfg.MetricsAddress, "instance": a.instance})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	a.closing.Store(true)
	cancelLoops()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	err = a.shutdown(shutdownCtx, relaySrv, metricsSrv)
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}

func (a *app) shutdown(ctx context.Context, relaySrv, metricsSrv *http.Server) error {
	var errs error
	if err := relaySrv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close relay listener: %w", err))
	}
	if err := a.ws.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to drain relay connections: %w", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close presence store: %w", err))
		}
	}
	return errs
}

func (a *app) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// runCleanupLoop expires pairings that waited too long and forgets idle
// rate limiter buckets.
func (a *app) runCleanupLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.PendingCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

func (a *app) sweep(ctx context.Context) {
	expired := a.engine.ExpirePending(ctx, a.cfg.PendingTimeout)
	pruned := 0
	if a.limiter != nil {
		pruned = a.limiter.Prune(limiterIdle)
	}
	if expired > 0 || pruned > 0 {
		obs.Info("cleanup.sweep", obs.Fields{"expired": expired, "pruned_limiters": pruned})
	}
}

// runPresenceLoop rewrites live presence records well before they expire.
func (a *app) runPresenceLoop(ctx context.Context) {
	interval := a.cfg.PresenceTTL / 2
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.engine.RefreshPresence(ctx)
		}
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "wsrelay"
	}
	return host + "-" + uuid.NewString()[:8]
}
