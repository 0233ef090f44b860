package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/swordfishtr/35PokesPSBot/applog"
	"github.com/swordfishtr/35PokesPSBot/build"
	"github.com/swordfishtr/35PokesPSBot/config"
	"github.com/swordfishtr/35PokesPSBot/factory"
	"github.com/swordfishtr/35PokesPSBot/launcher"
	"github.com/swordfishtr/35PokesPSBot/server"
	"github.com/swordfishtr/35PokesPSBot/stats"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	info := launcher.NewInfoFromFlags()
	err := applog.Initialize(info.LogLevel, info.LogPath)
	if err != nil {
		fmt.Printf("Failed to initialize app logger: %v\n", err)
	}

	defer applog.Shutdown()

	if err = info.Validate(); err != nil {
		applog.Error("Failed to validate command line arguments", zap.Error(err))
		return
	}

	cfg, err := config.Load(info.ConfigPath)
	if err != nil {
		applog.Error("Failed to load config", zap.Error(err))
		return
	}

	bi := build.GetBuildInfo()
	applog.Info("Starting 35Pokes bot",
		zap.String("commit", bi.CommitHash),
		zap.String("commitTime", bi.CommitTime),
		zap.Bool("battleFactory", cfg.BattleFactory.Enabled),
		zap.Bool("liveUsageStats", cfg.LiveUsageStats.Enabled),
		zap.Bool("server", cfg.Server.Enabled))

	var wg sync.WaitGroup

	var factoryHolder holder[factory.Service]
	if cfg.BattleFactory.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseFactory(ctx, info.ConfigPath, cfg, &factoryHolder)
		}()
	}

	var statsHolder holder[stats.Service]
	if cfg.LiveUsageStats.Enabled {
		store, err := stats.OpenStore(cfg.LiveUsageStats.DBPath)
		if err != nil {
			applog.Error("Failed to open usage stats database", zap.Error(err))
			return
		}
		defer store.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseStats(ctx, cfg, store, &statsHolder)
		}()
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg.ServerConfig(), factoryHolder.get, statsHolder.get)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(); err != nil {
				applog.Error("HTTP server failed", zap.Error(err))
				cancel()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				applog.Warn("HTTP server shutdown failed", zap.Error(err))
			}
		}()
	}

	wg.Wait()
	applog.Info("All services stopped, exiting")
}

// holder publishes the currently running instance of a supervised
// service to the HTTP layer.
type holder[T any] struct {
	mu  sync.Mutex
	svc *T
}

func (h *holder[T]) get() *T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.svc
}

func (h *holder[T]) set(svc *T) {
	h.mu.Lock()
	h.svc = svc
	h.mu.Unlock()
}

// restartBudget tracks service restarts inside a sliding timeframe. A
// service that keeps dying faster than the budget allows stays down.
type restartBudget struct {
	max       int
	timeframe time.Duration
	restarts  []time.Time
}

func (b *restartBudget) allow(now time.Time) bool {
	kept := b.restarts[:0]
	for _, t := range b.restarts {
		if now.Sub(t) < b.timeframe {
			kept = append(kept, t)
		}
	}
	b.restarts = append(kept, now)
	return len(b.restarts) <= b.max
}

func superviseFactory(ctx context.Context, configPath string, cfg *config.File, hold *holder[factory.Service]) {
	budget := &restartBudget{
		max:       cfg.MaxRestartCount,
		timeframe: time.Duration(cfg.MaxRestartTimeframe) * time.Second,
	}

	for {
		pool, err := factory.LoadSetsPool(cfg.BattleFactory.SetsPath)
		if err != nil {
			applog.Error("Failed to load factory sets", zap.Error(err))
			return
		}

		svc := factory.New(cfg.FactoryConfig(), pool, factory.NewPoolTeamSource(pool))
		svc.ReloadConfig = func() (factory.Config, error) {
			fresh, err := config.Load(configPath)
			if err != nil {
				return factory.Config{}, err
			}
			return fresh.FactoryConfig(), nil
		}

		runService(ctx, "battle factory", svc, func() { hold.set(svc) }, func() { hold.set(nil) })
		if ctx.Err() != nil {
			return
		}
		if !budget.allow(time.Now()) {
			applog.Error("Battle factory restart budget exhausted, staying down")
			return
		}
		applog.Warn("Battle factory went down, restarting")
	}
}

func superviseStats(ctx context.Context, cfg *config.File, store *stats.Store, hold *holder[stats.Service]) {
	budget := &restartBudget{
		max:       cfg.MaxRestartCount,
		timeframe: time.Duration(cfg.MaxRestartTimeframe) * time.Second,
	}

	for {
		svc := stats.New(cfg.StatsConfig(), store)
		runService(ctx, "live usage stats", svc, func() { hold.set(svc) }, func() { hold.set(nil) })
		if ctx.Err() != nil {
			return
		}
		if !budget.allow(time.Now()) {
			applog.Error("Live usage stats restart budget exhausted, staying down")
			return
		}
		applog.Warn("Live usage stats went down, restarting")
	}
}

// supervised is the lifecycle every supervised service exposes.
type supervised interface {
	Connect(ctx context.Context) error
	Shutdown()
}

// runService runs one service instance to completion: connect, publish,
// wait for it to die or for the process context to end.
func runService(ctx context.Context, name string, svc supervised, publish, unpublish func()) {
	down := make(chan struct{})
	switch s := svc.(type) {
	case *factory.Service:
		s.OnShutdown = func() { close(down) }
	case *stats.Service:
		s.OnShutdown = func() { close(down) }
	}

	if err := svc.Connect(ctx); err != nil {
		applog.Error("Failed to start service", zap.String("service", name), zap.Error(err))
		<-down
		return
	}
	publish()
	defer unpublish()

	select {
	case <-down:
	case <-ctx.Done():
		svc.Shutdown()
		<-down
	}
}
