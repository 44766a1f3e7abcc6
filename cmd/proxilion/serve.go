package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"

	"github.com/clay-good/proxilion-grc-sub001/pkg/auth"
	"github.com/clay-good/proxilion-grc-sub001/pkg/backpressure"
	"github.com/clay-good/proxilion-grc-sub001/pkg/balancer"
	"github.com/clay-good/proxilion-grc-sub001/pkg/config"
	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
	"github.com/clay-good/proxilion-grc-sub001/pkg/costs"
	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
	"github.com/clay-good/proxilion-grc-sub001/pkg/gateway"
	"github.com/clay-good/proxilion-grc-sub001/pkg/observability"
	"github.com/clay-good/proxilion-grc-sub001/pkg/policy"
	"github.com/clay-good/proxilion-grc-sub001/pkg/providers"
	"github.com/clay-good/proxilion-grc-sub001/pkg/queue"
	"github.com/clay-good/proxilion-grc-sub001/pkg/scanners"
	"github.com/clay-good/proxilion-grc-sub001/pkg/semcache"
	"github.com/clay-good/proxilion-grc-sub001/pkg/tenants"
)

func runCheckConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := config.Load(*cfgPath); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "configuration ok")
	return 0
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	setupLogging(cfg.Server.LogLevel)
	logger := slog.Default().With("component", "serve")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := assemble(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer app.close()

	app.gateway.Start(ctx)
	defer app.gateway.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", app.handleChat)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	if app.telemetry != nil {
		_ = app.telemetry.Shutdown(shutdownCtx)
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// app holds the assembled gateway and everything needing teardown.
type app struct {
	gateway   *gateway.Gateway
	adapters  *providers.Registry
	verifier  *auth.Verifier
	telemetry *observability.Provider
	closers   []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// assemble instantiates every subsystem once from configuration and
// wires the gateway, per the startup model: no global mutable state,
// collaborators passed by reference.
func assemble(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{adapters: providers.NewRegistry()}

	if cfg.Auth.Enabled {
		a.verifier = auth.NewVerifier([]byte(cfg.Auth.Secret))
	}

	// Telemetry.
	telemetry, err := observability.NewProvider(ctx, &observability.Config{
		ServiceName:    "proxilion",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = telemetry
	var metrics observability.Metrics = observability.NopMetrics{}
	if cfg.Telemetry.Enabled {
		metrics = observability.NewOTelMetrics(telemetry)
	}

	// Redis client is shared by the cache backend and the distributed
	// throttle when configured.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, redisClient.Close)
	}

	// Tenant manager, optionally durable.
	tenantOpts := []tenants.Option{
		tenants.WithRetention(time.Duration(cfg.Tenants.RetentionDays) * 24 * time.Hour),
		tenants.WithDefaultQuotas(tenants.Quotas{
			MaxRequestsPerHour:  cfg.Tenants.DefaultQuotas.RequestsPerHour,
			MaxRequestsPerDay:   cfg.Tenants.DefaultQuotas.RequestsPerDay,
			MaxRequestsPerMonth: cfg.Tenants.DefaultQuotas.RequestsPerMonth,
			MaxTokensPerHour:    cfg.Tenants.DefaultQuotas.TokensPerHour,
			MaxTokensPerDay:     cfg.Tenants.DefaultQuotas.TokensPerDay,
			MaxTokensPerMonth:   cfg.Tenants.DefaultQuotas.TokensPerMonth,
			MaxCostPerHour:      cfg.Tenants.DefaultQuotas.CostPerHour,
			MaxCostPerDay:       cfg.Tenants.DefaultQuotas.CostPerDay,
			MaxCostPerMonth:     cfg.Tenants.DefaultQuotas.CostPerMonth,
		}),
	}
	var tenantStore tenants.Store = tenants.NewMemoryStore()
	if cfg.Tenants.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.Tenants.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("tenants: open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		tenantStore = tenants.NewPostgresStore(db)
		tenantOpts = append(tenantOpts, tenants.WithUsageStore(tenants.NewPostgresUsageStore(db)))
	}
	tenantMgr := tenants.NewManager(tenantStore, tenantOpts...)

	// Cost tracking.
	prices := make(map[string]map[string]costs.Price, len(cfg.Cost.Pricing))
	for provider, models := range cfg.Cost.Pricing {
		prices[provider] = make(map[string]costs.Price, len(models))
		for model, p := range models {
			prices[provider][model] = costs.Price{
				InputPerMillion:  p.InputPerMillion,
				OutputPerMillion: p.OutputPerMillion,
			}
		}
	}
	var costStore costs.Store = costs.NewMemoryStore()
	if cfg.Cost.SQLitePath != "" {
		sqlite, err := costs.OpenSQLiteStore(cfg.Cost.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("costs: %w", err)
		}
		a.closers = append(a.closers, sqlite.Close)
		costStore = sqlite
	}
	tracker := costs.NewTracker(costs.NewPricingTable(prices), costStore)

	// Policies from the bundle directory; a missing directory starts the
	// gateway with the default-allow empty set.
	engine, err := policy.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if _, statErr := os.Stat(cfg.Policies.Dir); statErr == nil {
		loader, err := policy.NewLoader(cfg.Policies.Dir)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		pols, err := loader.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		engine.SetPolicies(pols)
	}

	// Scanner pipeline per toggles.
	var active []scanners.Scanner
	if cfg.Scanner.PII {
		active = append(active, scanners.NewPIIScanner())
	}
	if cfg.Scanner.Injection {
		active = append(active, scanners.NewInjectionScanner())
	}
	if cfg.Scanner.Toxicity {
		active = append(active, scanners.NewToxicityScanner())
	}
	if cfg.Scanner.DLP {
		active = append(active, scanners.NewDLPScanner())
	}
	if cfg.Scanner.Compliance {
		active = append(active, scanners.NewComplianceScanner())
	}
	pipeline := scanners.NewPipeline(scanners.Config{
		Parallel:    cfg.Scanner.Parallel,
		ScanTimeout: time.Duration(cfg.Scanner.TimeoutMs) * time.Millisecond,
	}, active...)

	// Load balancer over configured endpoints, dispatching real HTTP.
	bal := balancer.New(balancer.Config{
		Strategy:    balancer.Strategy(cfg.Balancer.Algorithm),
		MaxRetries:  cfg.Balancer.MaxRetries,
		RetryDelay:  time.Duration(cfg.Balancer.RetryDelayMs) * time.Millisecond,
		MaxPoolSize: cfg.Balancer.MaxPoolSize,
		IdleTimeout: time.Duration(cfg.Balancer.IdleTimeoutMs) * time.Millisecond,
	}, httpExecutor(a.adapters), tracker.Price)
	for _, ep := range cfg.Balancer.Endpoints {
		e := balancer.NewEndpoint(ep.ID, ep.Provider, ep.URL, ep.Priority, ep.Weight)
		e.Enabled = ep.Enabled
		bal.AddEndpoint(e)
	}

	// Queue and backpressure.
	q := queue.NewManager(queue.Config{
		MaxQueueSize: cfg.Queue.MaxSize,
		Fairness:     cfg.Queue.EnableFairness,
	})

	shedPriorities := make([]contracts.Priority, 0, len(cfg.Backpressure.ShedPriorities))
	for _, p := range cfg.Backpressure.ShedPriorities {
		shedPriorities = append(shedPriorities, contracts.Priority(p))
	}
	monitor := backpressure.NewMonitor(backpressure.Config{
		ElevatedThreshold: cfg.Backpressure.Elevated,
		HighThreshold:     cfg.Backpressure.High,
		CriticalThreshold: cfg.Backpressure.Critical,
		ShedPriorities:    shedPriorities,
	}, q.Utilization)

	breaker := backpressure.NewBreaker(backpressure.BreakerConfig{
		WindowSize:       cfg.Circuit.Window,
		FailureThreshold: cfg.Circuit.Threshold,
		MinSamples:       cfg.Circuit.MinSamples,
		CoolDown:         time.Duration(cfg.Circuit.CooldownMs) * time.Millisecond,
		ProbeBatch:       cfg.Circuit.ProbeBatch,
	})

	var throttleStore backpressure.LimiterStore = backpressure.NewLocalLimiterStore()
	if redisClient != nil {
		throttleStore = backpressure.NewRedisLimiterStore(redisClient)
	}

	// Semantic cache.
	var cache semcache.Cache
	if cfg.Cache.Enabled {
		cacheCfg := semcache.Config{
			MaxCacheSize:        cfg.Cache.MaxEntries,
			TTL:                 time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		}
		if cfg.Cache.Backend == "redis" {
			cache = semcache.NewRedisCache(cacheCfg, redisClient)
		} else {
			mem := semcache.NewMemoryCache(cacheCfg)
			mem.StartReaper(ctx, time.Minute)
			cache = mem
		}
	}

	a.gateway = gateway.New(gateway.Deps{
		Scanners: pipeline,
		Policies: engine,
		Tenants:  tenantMgr,
		Costs:    tracker,
		Queue:    q,
		Balancer: bal,
		Monitor:  monitor,
		Breaker:  breaker,
		Cache:    cache,
		Embedder: providers.NewHashEmbedder(cfg.Cache.EmbeddingDim),
		Metrics:  metrics,
		Audit:    observability.NewChainLog(os.Stdout),
		Scheduler: queue.SchedulerConfig{
			MinConcurrency: cfg.Queue.MinConcurrent,
			MaxConcurrency: cfg.Queue.MaxConcurrent,
			MaxRetries:     cfg.Queue.MaxRetries,
			RetryDelay:     time.Duration(cfg.Queue.RetryDelayMs) * time.Millisecond,
		},
		Strategy:       gateway.Strategy(cfg.Backpressure.Strategy),
		ScanResponses:  cfg.Scanner.Responses,
		ThrottleStore:  throttleStore,
		ThrottlePolicy: backpressure.ThrottlePolicy{RPM: cfg.Backpressure.ThrottleRPM, Burst: cfg.Backpressure.ThrottleBurst},
	})

	return a, nil
}

// httpExecutor turns one endpoint attempt into a real provider call:
// serialize through the endpoint's adapter, POST, parse back. The pool
// connection carries a reusable HTTP client.
func httpExecutor(registry *providers.Registry) balancer.Executor {
	return func(ctx context.Context, ep *balancer.Endpoint, conn *balancer.Conn, req *contracts.Request) (*contracts.Response, error) {
		adapter, err := registry.Get(ep.Provider)
		if err != nil {
			return nil, faults.Wrap(faults.UpstreamFailure, "no adapter for provider", err)
		}

		body, err := adapter.SerializeRequest(req)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "serialize request", err)
		}

		client, ok := conn.Payload.(*http.Client)
		if !ok {
			client = &http.Client{Timeout: 60 * time.Second}
			conn.Payload = client
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, strings.NewReader(string(body)))
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "build upstream request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return nil, faults.Wrap(faults.UpstreamFailure, "upstream call failed", err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
		if err != nil {
			return nil, faults.Wrap(faults.UpstreamFailure, "read upstream response", err)
		}
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return nil, faults.Newf(faults.UpstreamFailure, "upstream status %d", httpResp.StatusCode)
		}

		return adapter.ParseResponse(raw, req)
	}
}

// handleChat is the provider-compatible ingress: parse with the
// provider adapter, attach identity, run the pipeline, answer in the
// gateway's normalized response shape.
func (a *app) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var identity *auth.Identity
	if a.verifier != nil {
		id, err := a.verifier.VerifyHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		identity = id
		ctx = auth.WithIdentity(ctx, id)
	}

	providerName := r.Header.Get("X-Proxilion-Provider")
	if providerName == "" {
		providerName = "openai"
	}
	adapter, err := a.adapters.Get(providerName)
	if err != nil {
		writeError(w, faults.Wrap(faults.ProviderNotAllowed, "unknown provider", err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, faults.Wrap(faults.Internal, "read request body", err))
		return
	}

	req, err := adapter.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tenantID, userID := r.Header.Get("X-Tenant-ID"), req.UserID
	var groups []string
	if identity != nil {
		tenantID, userID, groups = identity.TenantID, identity.UserID, identity.Groups
	}
	providers.Normalize(req, tenantID, userID, groups)
	if p := r.Header.Get("X-Proxilion-Priority"); p != "" {
		req.Priority = contracts.Priority(p)
	}

	resp, err := a.gateway.Handle(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-ID", resp.CorrelationID)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	code := faults.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func statusFor(code faults.Code) int {
	switch code {
	case faults.Unauthorized:
		return http.StatusUnauthorized
	case faults.TenantDisabled, faults.ProviderNotAllowed, faults.ModelNotAllowed, faults.PolicyBlocked:
		return http.StatusForbidden
	case faults.QuotaExceeded, faults.BudgetExceeded, faults.QueueFull, faults.LoadShed:
		return http.StatusTooManyRequests
	case faults.CircuitOpen, faults.UpstreamFailure:
		return http.StatusServiceUnavailable
	case faults.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
