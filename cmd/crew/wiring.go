package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/crew/internal/analysis"
	"github.com/mpataki/crew/internal/catalogue"
	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/logging"
	crewlua "github.com/mpataki/crew/internal/lua"
	"github.com/mpataki/crew/internal/metrics"
	"github.com/mpataki/crew/internal/oracle"
	"github.com/mpataki/crew/internal/oracle/gemini"
	"github.com/mpataki/crew/internal/oracle/openai"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/phase"
	"github.com/mpataki/crew/internal/reflection"
	"github.com/mpataki/crew/internal/routing"
	"github.com/mpataki/crew/internal/storage"
)

var errNoOracle = errors.New("this command does not consult the oracle")

// env is everything a command needs, opened from config.
type env struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *storage.SQLite
	catalogue   *catalogue.Catalogue
	coordinator *orchestrator.Coordinator

	cancel  context.CancelFunc
	metrics *http.Server
}

type envOptions struct {
	oracle bool
	watch  bool
}

func openEnv(cmd *cobra.Command, opts envOptions) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	dev, _ := cmd.Flags().GetBool("dev")

	logger, err := logging.New(cfg.LogLevel, dev)
	if err != nil {
		return nil, err
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cat, err := catalogue.Load(cfg.AgentDirs()...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &env{cfg: cfg, logger: logger, store: store, catalogue: cat, cancel: cancel}

	o := oracle.Oracle(oracle.Func(func(context.Context, []oracle.Message) (oracle.Completion, error) {
		return oracle.Completion{}, errNoOracle
	}))
	if opts.oracle {
		if o, err = buildOracle(ctx, cfg, logger); err != nil {
			e.Close()
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		e.serveMetrics(addr, reg)
	}

	if opts.watch {
		go func() {
			if err := cat.Watch(ctx, logger, cfg.AgentDirs()...); err != nil {
				logger.Warn("catalogue watch stopped", zap.Error(err))
			}
		}()
	}

	former := analysis.NewFormer(o, logger, analysis.WithHardCap(cfg.Team.HardCap))
	e.coordinator = orchestrator.New(orchestrator.Deps{
		Store:    store,
		Registry: cat,
		Router: routing.New(cat, store, former, routing.Options{
			MaxTeamSize: cfg.Team.MaxSize,
			Metrics:     m,
			Logger:      logger,
		}),
		Phases: phase.New(store, cat, phase.Options{Metrics: m, Logger: logger}),
		Reflection: reflection.New(o, cat, store, store, reflection.Options{
			Threshold:  cfg.Reflection.CorrectionThreshold,
			Similarity: cfg.Reflection.DedupSimilarity,
			Metrics:    m,
			Logger:     logger,
		}),
		Logger: logger,
	})
	return e, nil
}

func (e *env) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	e.metrics = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := e.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	e.logger.Info("serving metrics", zap.String("addr", addr))
}

func (e *env) Close() {
	e.cancel()
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		e.metrics.Shutdown(ctx)
		cancel()
	}
	e.store.Close()
	e.logger.Sync()
}

func buildOracle(ctx context.Context, cfg *config.Config, logger *zap.Logger) (oracle.Oracle, error) {
	var o oracle.Oracle
	switch cfg.Oracle.Provider {
	case config.ProviderGemini:
		c, err := gemini.New(ctx, cfg.Oracle.APIKey, cfg.Oracle.Model)
		if err != nil {
			return nil, err
		}
		o = c
	case config.ProviderOpenAI:
		c, err := openai.New(cfg.Oracle.APIKey, cfg.Oracle.Model)
		if err != nil {
			return nil, err
		}
		o = c
	case config.ProviderLua:
		if !crewlua.IsScript(cfg.Oracle.Script) {
			return nil, fmt.Errorf("oracle script %s is not a .lua file", cfg.Oracle.Script)
		}
		c, err := crewlua.Load(cfg.Oracle.Script, logger)
		if err != nil {
			return nil, err
		}
		o = c
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Oracle.Provider)
	}

	o = oracle.RateLimited(o, cfg.Oracle.RequestsPerSecond, 1)
	return withTimeout(o, cfg.Oracle.Timeout), nil
}

// withTimeout bounds every completion. The engine itself applies none.
func withTimeout(o oracle.Oracle, d time.Duration) oracle.Oracle {
	if d <= 0 {
		return o
	}
	return oracle.Func(func(ctx context.Context, messages []oracle.Message) (oracle.Completion, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return o.Complete(ctx, messages)
	})
}
