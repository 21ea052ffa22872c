package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workflowai/gateway/internal/assembler"
	"github.com/workflowai/gateway/internal/cache"
	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/internal/config"
	"github.com/workflowai/gateway/internal/engine"
	"github.com/workflowai/gateway/internal/feedback"
	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/internal/providers"
	"github.com/workflowai/gateway/internal/ratelimit"
	"github.com/workflowai/gateway/internal/router"
	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/tools"
	"github.com/workflowai/gateway/internal/web"
)

const defaultQueueDepth = 256

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("GATEWAY_CONFIG")
			}
			if configPath == "" {
				configPath = "gateway.yaml"
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       tracingEndpoint(cfg),
		SamplingRate:   cfg.Tracing.SampleRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	queueDepth := cfg.Store.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	queue := store.NewPersistQueue(st, logger, queueDepth)

	registry, err := buildProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configure providers: %w", err)
	}
	if len(registry.Names()) == 0 {
		return fmt.Errorf("no provider enabled; set at least one providers.<name>.api_key")
	}
	logger.Info(ctx, "providers configured", "providers", registry.Names())

	toolReg := buildTools(cfg)
	logger.Info(ctx, "hosted tools registered", "tools", toolReg.Names())

	cat := catalog.New()
	signer := feedback.NewSigner(cfg.Auth.TokenSigningSecret, cfg.Auth.FeedbackTokenExpiry)

	maxAttempts := cfg.Engine.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = router.DefaultMaxAttempts
	}

	eng := engine.New(engine.Config{
		Assembler: assembler.New(st, st, st, toolReg),
		Planner:   router.New(cat, registry, router.NewHealth(), maxAttempts),
		Providers: registry,
		Tools:     tools.NewOrchestrator(toolReg, logger).WithTracer(tracer),
		Registry:  toolReg,
		Catalog:   cat,
		Signer:    signer,
		Queue:     queue,
		Cache: cache.New(cache.Options{
			TTL:     cfg.Engine.CacheTTL,
			MaxSize: cfg.Engine.CacheMaxSize,
		}),
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,

		AttemptTimeout: cfg.Engine.AttemptTimeout,
		IdleTimeout:    cfg.Engine.IdleTimeout,
		ToolBudget:     cfg.Engine.ToolBudget,
	})

	server := web.NewServer(web.Config{
		Engine:      eng,
		Catalog:     cat,
		Registry:    toolReg,
		Feedback:    feedback.NewService(signer, st),
		Runs:        st,
		Versions:    st,
		Deployments: st,
		APIKeys:     cfg.Auth.APIKeys,
		Policies:    tenantPolicies(cfg),
		Limiter:     tenantLimiter(cfg),
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info(ctx, "shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown failed", "error", err)
	}

	// The queue drains outstanding run writes before Close returns.
	queue.Close()
	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(ctx, "tracer shutdown failed", "error", err)
		}
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Postgres() {
		return store.NewPostgres(cfg.Store.ConnectionString)
	}
	return store.NewSQLite(cfg.Store.ConnectionString)
}

func buildProviders(ctx context.Context, cfg *config.Config) (*providers.Registry, error) {
	var adapters []providers.Adapter
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		switch name {
		case "openai":
			adapters = append(adapters, providers.NewOpenAI(pc.APIKey, pc.BaseURL))
		case "anthropic":
			adapters = append(adapters, providers.NewAnthropic(pc.APIKey, pc.BaseURL))
		case "google":
			google, err := providers.NewGoogle(ctx, pc.APIKey)
			if err != nil {
				return nil, fmt.Errorf("google: %w", err)
			}
			adapters = append(adapters, google)
		}
	}
	return providers.NewRegistry(adapters...), nil
}

// buildTools registers the hosted tools the configuration enables.
// The search tool needs an API key; the browser is on unless disabled.
func buildTools(cfg *config.Config) *tools.Registry {
	reg := tools.NewRegistry()
	if cfg.Tools.SearchAPIKey != "" {
		reg.Register(tools.NewWebSearch(cfg.Tools.SearchAPIKey, cfg.Tools.SearchEngineID))
	}
	if cfg.Tools.PerplexityKey != "" {
		for _, t := range tools.NewPerplexityTools(cfg.Tools.PerplexityKey) {
			reg.Register(t)
		}
	}
	if !cfg.Tools.BrowserDisabled {
		reg.Register(tools.NewBrowser())
	}
	return reg
}

func tenantPolicies(cfg *config.Config) map[string]*router.TenantPolicy {
	policies := make(map[string]*router.TenantPolicy, len(cfg.Tenants))
	for name, tc := range cfg.Tenants {
		if len(tc.AllowedProviders) == 0 && len(tc.FallbackOrder) == 0 && len(tc.OwnKeyProviders) == 0 {
			continue
		}
		policy := &router.TenantPolicy{
			AllowedProviders: toProviders(tc.AllowedProviders),
			FallbackOrder:    toProviders(tc.FallbackOrder),
		}
		if len(tc.OwnKeyProviders) > 0 {
			policy.OwnKeys = make(map[catalog.Provider]bool, len(tc.OwnKeyProviders))
			for _, p := range tc.OwnKeyProviders {
				policy.OwnKeys[catalog.Provider(p)] = true
			}
		}
		policies[name] = policy
	}
	return policies
}

func toProviders(names []string) []catalog.Provider {
	out := make([]catalog.Provider, 0, len(names))
	for _, n := range names {
		out = append(out, catalog.Provider(n))
	}
	return out
}

func tenantLimiter(cfg *config.Config) *ratelimit.TenantLimiter {
	overrides := make(map[string]ratelimit.Limit)
	for name, tc := range cfg.Tenants {
		if tc.RequestsPerMinute > 0 {
			overrides[name] = ratelimit.Limit{
				RequestsPerMinute: tc.RequestsPerMinute,
				Burst:             tc.Burst,
			}
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	return ratelimit.NewTenantLimiter(ratelimit.Limit{}, overrides)
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Tracing.Endpoint
}
