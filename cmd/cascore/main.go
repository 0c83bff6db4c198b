// Command cascore wires the store, bus, cache and projector from a config
// file, runs a short write/read scenario and then serves /metrics until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/cascore"
	"github.com/unkn0wn-root/cascore/codec"
	"github.com/unkn0wn-root/cascore/config"
	"github.com/unkn0wn-root/cascore/genstore"
	asynchook "github.com/unkn0wn-root/cascore/hooks/async"
	zaplog "github.com/unkn0wn-root/cascore/log/zap"
	promhooks "github.com/unkn0wn-root/cascore/metrics/prometheus"
	pr "github.com/unkn0wn-root/cascore/provider"
	"github.com/unkn0wn-root/cascore/provider/bigcache"
	"github.com/unkn0wn-root/cascore/provider/memcache"
	rredis "github.com/unkn0wn-root/cascore/provider/redis"
	"github.com/unkn0wn-root/cascore/provider/ristretto"
	"github.com/unkn0wn-root/cascore/store"
	"github.com/unkn0wn-root/cascore/store/memstore"
	"github.com/unkn0wn-root/cascore/store/postgres"
	"github.com/unkn0wn-root/cascore/store/sqlite"
)

type Project struct {
	Name  string `json:"name" cbor:"name" msgpack:"name"`
	Owner string `json:"owner,omitempty" cbor:"owner,omitempty" msgpack:"owner,omitempty"`
}

const (
	tenant      = "acme"
	projectType = "project"
)

func main() {
	configPath := os.Getenv("CASCORE_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cascore: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cascore: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", cfg.Provider.Kind),
		zap.String("namespace", cfg.Cache.Namespace),
		zap.String("codec", cfg.Cache.Codec))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("cascore failed", zap.Error(err))
	}
}

func newLogger(c config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	log := zaplog.New(logger)

	reg := prometheus.DefaultRegisterer
	var hooks cascore.Hooks = cascore.NopHooks{}
	if cfg.Metrics.Enabled {
		ah := asynchook.New(promhooks.NewHooks(reg, cfg.Metrics.Namespace), 1, 4096)
		defer ah.Close()
		hooks = ah
	}

	engine, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer engine.Close()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	bus := cascore.NewBus(cascore.BusOptions{
		Logger:       log,
		Hooks:        hooks,
		QueueSize:    cfg.Bus.QueueSize,
		MaxAttempts:  cfg.Bus.MaxAttempts,
		RetryBackoff: cfg.Bus.RetryBackoff,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bus.Close(sctx); err != nil {
			logger.Warn("bus close", zap.Error(err))
		}
	}()

	coord, err := cascore.NewCoordinator(cascore.CoordinatorOptions{Engine: engine, Bus: bus, Logger: log, Hooks: hooks})
	if err != nil {
		return err
	}

	provider, gens, err := openProvider(ctx, cfg.Provider, cfg.Cache.Namespace)
	if err != nil {
		return err
	}
	entityCodec, err := codec.ByName[cascore.Entity[Project]](cfg.Cache.Codec)
	if err != nil {
		return err
	}
	cache, err := cascore.NewCache(cascore.CacheOptions[cascore.Entity[Project]]{
		Namespace:  cfg.Cache.Namespace,
		Provider:   provider,
		Codec:      entityCodec,
		GenStore:   gens,
		Logger:     log,
		Hooks:      hooks,
		DefaultTTL: cfg.Cache.DefaultTTL,
		FailClosed: cfg.Cache.FailClosed,
		Disabled:   cfg.Cache.Disabled,
	})
	if err != nil {
		return err
	}
	defer cache.Close(context.WithoutCancel(ctx))
	if _, err := cache.Attach(bus, cascore.Pattern{Tenant: tenant}); err != nil {
		return err
	}

	projector, err := cascore.NewProjector(cascore.ProjectorOptions{
		Source:      cascore.EngineSource(engine),
		Logger:      log,
		Hooks:       hooks,
		GapTimeout:  cfg.Projector.GapTimeout,
		HealTimeout: cfg.Projector.HealTimeout,
		MaxBuffer:   cfg.Projector.MaxBuffer,
	})
	if err != nil {
		return err
	}
	defer projector.Close()
	if _, err := projector.Attach(bus, cascore.Pattern{Tenant: tenant}, cascore.WithQueue(cfg.Projector.QueueSize)); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if err := promhooks.RegisterCacheStats(reg, cfg.Metrics.Namespace, cfg.Cache.Namespace, cache.Stats); err != nil {
			return err
		}
		if err := promhooks.RegisterProjectorStats(reg, cfg.Metrics.Namespace, projector.Stats); err != nil {
			return err
		}
	}

	projects := cascore.NewCachedReader[Project](
		cascore.NewReader(engine, tenant, projectType, codec.JSON[Project]{}),
		cache, 0,
	)
	if err := scenario(ctx, coord, projects, projector, logger); err != nil {
		return err
	}

	if !cfg.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, c config.StoreConfig) (store.Engine, error) {
	switch c.Driver {
	case "sqlite":
		return sqlite.Open(ctx, c.SQLite.Path)
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:             c.Postgres.DSN,
			MaxConns:        c.Postgres.MaxConns,
			MinConns:        c.Postgres.MinConns,
			MaxConnLifetime: c.Postgres.MaxConnLifetime,
			MaxConnIdleTime: c.Postgres.MaxConnIdleTime,
		})
	default:
		return memstore.New(), nil
	}
}

// openProvider returns a nil GenStore for in-process providers so the cache
// keeps generations locally. Shared providers share generations in Redis
// when one is available.
func openProvider(ctx context.Context, c config.ProviderConfig, ns string) (pr.Provider, genstore.GenStore, error) {
	switch c.Kind {
	case "bigcache":
		p, err := bigcache.New(ctx, bigcache.Config{
			LifeWindow:         c.BigCache.LifeWindow,
			Shards:             c.BigCache.Shards,
			MaxEntrySize:       c.BigCache.MaxEntrySize,
			HardMaxCacheSizeMB: c.BigCache.HardMaxMB,
		})
		return p, nil, err
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		p, err := rredis.New(rredis.Config{Client: rdb, Prefix: c.Redis.Prefix, CloseClient: true})
		if err != nil {
			return nil, nil, err
		}
		gens, err := genstore.NewRedisGenStore(genstore.RedisConfig{Client: rdb, Namespace: ns, TTL: c.Redis.GenTTL})
		return p, gens, err
	case "memcache":
		p, err := memcache.Dial(c.Memcache.Prefix, c.Memcache.Timeout, c.Memcache.Servers...)
		return p, nil, err
	default:
		rc := ristretto.DefaultConfig(c.Ristretto.MaxCost)
		rc.Metrics = true
		rc.SyncWrites = c.Ristretto.SyncWrites
		p, err := ristretto.New(rc)
		return p, nil, err
	}
}

func scenario(ctx context.Context, coord *cascore.Coordinator, projects cascore.Source[Project], proj *cascore.Projector, logger *zap.Logger) error {
	var created cascore.Entity[Project]
	err := coord.Within(ctx, func(ctx context.Context, s *cascore.Scope) error {
		repo := cascore.Bind(s, tenant, projectType, codec.JSON[Project]{})
		var err error
		created, err = repo.Create(ctx, "P1", Project{Name: "Acme"}, []string{"active"})
		return err
	})
	if errors.Is(err, cascore.ErrEntityExists) {
		logger.Info("P1 already exists, continuing")
	} else if err != nil {
		return fmt.Errorf("create P1: %w", err)
	} else {
		logger.Info("created", zap.String("key", created.Key.String()), zap.Uint64("version", created.Version))
	}

	got, err := projects.Get(ctx, "P1")
	if err != nil {
		return fmt.Errorf("read P1: %w", err)
	}
	logger.Info("read through cache", zap.String("name", got.Value.Name), zap.Uint64("version", got.Version))

	err = coord.Within(ctx, func(ctx context.Context, s *cascore.Scope) error {
		repo := cascore.Bind(s, tenant, projectType, codec.JSON[Project]{})
		_, err := repo.Update(ctx, "P1", Project{Name: got.Value.Name, Owner: "ops"}, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("update P1: %w", err)
	}
	got, err = projects.Get(ctx, "P1")
	if err != nil {
		return fmt.Errorf("read P1: %w", err)
	}
	logger.Info("read after update", zap.String("owner", got.Value.Owner), zap.Uint64("version", got.Version))

	key := projects.KeyFor("P1")
	deadline := time.Now().Add(2 * time.Second)
	for proj.AppliedVersion(key) < got.Version && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c := proj.Counts(tenant, projectType)
	logger.Info("projection",
		zap.Uint64("applied_version", proj.AppliedVersion(key)),
		zap.Int("projects", c.Total),
		zap.Int("active", c.ByTag["active"]))
	return nil
}
