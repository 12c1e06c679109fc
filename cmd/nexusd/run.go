package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
	"github.com/jrmatherly/nexus-sub002/internal/app"
	"github.com/jrmatherly/nexus-sub002/internal/auth"
	"github.com/jrmatherly/nexus-sub002/internal/cache"
	"github.com/jrmatherly/nexus-sub002/internal/circuitbreaker"
	"github.com/jrmatherly/nexus-sub002/internal/clientid"
	"github.com/jrmatherly/nexus-sub002/internal/cloudauth"
	"github.com/jrmatherly/nexus-sub002/internal/config"
	"github.com/jrmatherly/nexus-sub002/internal/mcp"
	"github.com/jrmatherly/nexus-sub002/internal/provider"
	"github.com/jrmatherly/nexus-sub002/internal/provider/anthropic"
	"github.com/jrmatherly/nexus-sub002/internal/provider/bedrock"
	"github.com/jrmatherly/nexus-sub002/internal/provider/gemini"
	"github.com/jrmatherly/nexus-sub002/internal/provider/ollama"
	"github.com/jrmatherly/nexus-sub002/internal/provider/openai"
	"github.com/jrmatherly/nexus-sub002/internal/ratelimit"
	"github.com/jrmatherly/nexus-sub002/internal/server"
	"github.com/jrmatherly/nexus-sub002/internal/storage/sqlite"
	"github.com/jrmatherly/nexus-sub002/internal/telemetry"
	"github.com/jrmatherly/nexus-sub002/internal/tokencount"
	"github.com/jrmatherly/nexus-sub002/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting nexus", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded API keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, gateway.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Register providers
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		// Build HTTP client with auth transport chain.
		client, err := buildProviderClient(ctx, p, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}

		var prov gateway.Provider
		switch p.ResolvedType() {
		case "openai":
			prov = openai.New(p.Name, p.BaseURL, client)
		case "anthropic":
			if p.ResolvedHosting() == "vertex" {
				prov = anthropic.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = anthropic.New(p.Name, p.BaseURL, client)
			}
		case "gemini":
			if p.ResolvedHosting() == "vertex" {
				prov = gemini.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project)
			} else {
				prov = gemini.New(p.Name, p.BaseURL, client)
			}
		case "ollama":
			prov = ollama.New(p.Name, p.BaseURL, client)
		case "bedrock-meta":
			prov = bedrock.NewMetaLlama(p.Name, p.BaseURL, client)
		case "bedrock-mistral":
			prov = bedrock.NewMistral(p.Name, p.BaseURL, client)
		case "bedrock-ai21":
			prov = bedrock.NewAI21Jamba(p.Name, p.BaseURL, client)
		case "bedrock-deepseek":
			prov = bedrock.NewDeepSeek(p.Name, p.BaseURL, client)
		case "bedrock-titan":
			prov = bedrock.NewTitan(p.Name, p.BaseURL, client)
		case "bedrock-cohere":
			prov = bedrock.NewCohere(p.Name, p.BaseURL, client)
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}
		_, hasNative := prov.(gateway.NativeProxy)
		reg.Register(p.Name, prov)
		slog.Info("provider registered",
			"name", p.Name,
			"type", p.ResolvedType(),
			"hosting", p.ResolvedHosting(),
			"auth", p.ResolvedAuthType(),
			"native_proxy", hasNative,
		)
	}

	for _, r := range cfg.Routes {
		targets := make([]string, len(r.Targets))
		for i, t := range r.Targets {
			targets[i] = t.Provider + "/" + t.Model
		}
		slog.Info("route configured", "alias", r.ModelAlias, "targets", targets)
	}
	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Wire services
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	var authenticator gateway.Authenticator = apiKeyAuth
	var protectedResourceHandler http.Handler
	if cfg.Auth.JWT != nil && cfg.Auth.JWT.Enabled {
		pollInterval := cfg.Auth.JWT.PollInterval
		if pollInterval <= 0 {
			pollInterval = 5 * time.Minute
		}
		jwksCache, err := auth.NewJWKSCache(ctx, cfg.Auth.JWT.JWKSURL, pollInterval, http.DefaultClient)
		if err != nil {
			return fmt.Errorf("jwks cache: %w", err)
		}
		jwtAuth := auth.NewJWTAuth(jwksCache, auth.JWTAuthConfig{
			ExpectedIssuer:      cfg.Auth.JWT.ExpectedIssuer,
			ExpectedAudience:    cfg.Auth.JWT.ExpectedAudience,
			ScopesSupported:     cfg.Auth.JWT.ScopesSupported,
			ResourceMetadataURL: cfg.Auth.JWT.ResourceMetadataURL,
			ClientIDClaim:       cfg.Auth.JWT.ClientIDClaim,
			GroupClaim:          cfg.Auth.JWT.GroupClaim,
		})
		authenticator = auth.NewChainAuth(apiKeyAuth, jwtAuth)
		slog.Info("jwt bearer auth enabled", "jwks_url", cfg.Auth.JWT.JWKSURL)

		if cfg.Auth.JWT.ProtectedResource != "" {
			protectedResourceHandler = server.NewProtectedResourceHandler(
				cfg.Auth.JWT.ProtectedResource,
				cfg.Auth.JWT.AuthorizationServers,
				cfg.Auth.JWT.ScopesSupported,
			)
		}
	}

	var clientIDCfg *clientid.Config
	if cfg.Auth.ClientIdentification != nil && cfg.Auth.ClientIdentification.Enabled {
		cic := cfg.Auth.ClientIdentification
		clientIDCfg = &clientid.Config{
			Enabled:     true,
			ClientID:    clientid.Source{JWTClaim: cic.ClientID.JWTClaim, HTTPHeader: cic.ClientID.HTTPHeader},
			GroupValues: cic.Validation.GroupValues,
		}
		if cic.GroupID != nil {
			clientIDCfg.GroupID = &clientid.Source{JWTClaim: cic.GroupID.JWTClaim, HTTPHeader: cic.GroupID.HTTPHeader}
		}
		slog.Info("client identification enabled")
	}

	routerSvc := app.NewRouterService(store)
	proxySvc := app.NewProxyService(reg, routerSvc, nil, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()))
	keys := app.NewKeyManager(store)

	// Usage recorder (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	// Token counter.
	tokenCounter := tokencount.NewCounter()

	// Response cache.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled",
			"max_size", cfg.Cache.MaxSize,
			"default_ttl", cfg.Cache.DefaultTTL,
		)
	}

	// Quota tracker.
	quotaTracker := ratelimit.NewQuotaTracker()

	// Global/ip/token/server/tool scope rate limiter.
	var multiScope *ratelimit.MultiScopeLimiter
	var scopeMemoryStore *ratelimit.MemoryStore
	if cfg.ScopeRateLimits.Enabled {
		var store ratelimit.Storage
		switch cfg.ScopeRateLimits.Backend {
		case "redis":
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.ScopeRateLimits.RedisURL})
			store = ratelimit.NewRedisStore(redisClient, "nexus:ratelimit:")
			slog.Info("scope rate limiting backend: redis", "addr", cfg.ScopeRateLimits.RedisURL)
		default:
			scopeMemoryStore = ratelimit.NewMemoryStore()
			store = scopeMemoryStore
			slog.Info("scope rate limiting backend: memory")
		}
		multiScope = ratelimit.NewMultiScopeLimiter(store, ratelimit.ScopeQuotas{
			Global: quotaEntryToQuota(cfg.ScopeRateLimits.Global),
			IP:     quotaEntryToQuota(cfg.ScopeRateLimits.IP),
			Token:  quotaEntryToQuota(cfg.ScopeRateLimits.Token),
			Server: quotaEntryToQuota(cfg.ScopeRateLimits.Server),
			Tool:   quotaEntryToQuota(cfg.ScopeRateLimits.Tool),
		})
	}

	// Workers.
	workers := []worker.Worker{usageRecorder}
	workers = append(workers, worker.NewQuotaSyncWorker(quotaTracker, store))
	workers = append(workers, worker.NewUsageRollupWorker(store))

	runner := worker.NewRunner(workers...)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("nexus/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Aggregated MCP endpoint: one static Downstream built at startup from
	// every configured server, plus a token-scoped cache for servers that
	// need per-caller credentials forwarded.
	var mcpDownstream *mcp.Downstream
	var mcpCache *mcp.DownstreamCache
	if len(cfg.MCPServers) > 0 {
		mcpDownstream, err = mcp.New(ctx, cfg.MCPServers, dnsResolver, "")
		if err != nil {
			return fmt.Errorf("mcp aggregation: %w", err)
		}
		slog.Info("mcp endpoint enabled", "path", cfg.MCP.Path, "servers", len(cfg.MCPServers))

		for _, entry := range cfg.MCPServers {
			if entry.ForwardToken {
				mcpCache, err = mcp.NewDownstreamCache(cfg.MCPServers, cfg.MCP.DownstreamCache, dnsResolver)
				if err != nil {
					return fmt.Errorf("mcp downstream cache: %w", err)
				}
				slog.Info("mcp token-scoped downstream cache enabled",
					"max_size", cfg.MCP.DownstreamCache.MaxSize,
					"idle_timeout", cfg.MCP.DownstreamCache.IdleTimeout,
				)
				break
			}
		}
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:         authenticator,
		Proxy:        proxySvc,
		Providers:    reg,
		Router:       routerSvc,
		Keys:         keys,
		Store:        store,
		ReadyCheck:   store.Ping,
		Usage:        usageRecorder,
		RateLimiter:  rateLimiter,
		MultiScope:   multiScope,
		TokenCounter: tokenCounter,
		Cache:          responseCache,
		Quota:          quotaTracker,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ClientID:       clientIDCfg,
		ProtectedResourceMetadata: protectedResourceHandler,
		CORS:           cfg.Server.CORS,
		CSRF:           cfg.Server.CSRF,
		MCP:            mcpDownstream,
		MCPCache:       mcpCache,
		MCPPath:        cfg.MCP.Path,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
				if scopeMemoryStore != nil {
					if n := scopeMemoryStore.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
						slog.Info("scope rate limiter eviction", "evicted", n)
					}
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("universal API enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/embeddings",
			"GET  /v1/models",
		},
	)
	slog.Info("nexus ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("nexus stopped")
	return nil
}

// buildProviderClient assembles an *http.Client with the auth transport chain
// for a provider entry. The base transport includes DNS caching and HTTP/2
// (except Ollama which uses HTTP/1.1).
func buildProviderClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	useHTTP2 := p.ResolvedType() != "ollama"
	base := provider.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "aws_sigv4":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		transport = cloudauth.NewAWSSigV4Transport(base, awsCfg.Credentials, p.Region, "bedrock-runtime")
	case "api_key":
		apiKey := p.ResolvedAPIKey()
		if apiKey != "" {
			headerName, prefix := authHeaderForType(p.ResolvedType(), p.ResolvedHosting())
			transport = &cloudauth.APIKeyTransport{
				Key:        apiKey,
				HeaderName: headerName,
				Prefix:     prefix,
				Base:       base,
			}
		}
		// Empty API key: no auth transport (e.g. local Ollama).
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", p.ResolvedAuthType())
	}

	client := &http.Client{Transport: transport}
	if p.TimeoutMs > 0 {
		client.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return client, nil
}

// quotaEntryToQuota converts a config.QuotaEntry into a ratelimit.Quota,
// returning nil when e is nil so the corresponding scope is left
// unchecked.
func quotaEntryToQuota(e *config.QuotaEntry) *ratelimit.Quota {
	if e == nil {
		return nil
	}
	return &ratelimit.Quota{Limit: e.Limit, Interval: e.Interval}
}

// authHeaderForType returns the (headerName, prefix) for API key auth
// based on provider type and hosting mode.
func authHeaderForType(provType, hosting string) (string, string) {
	switch {
	case provType == "openai" && hosting == "azure":
		return "api-key", ""
	case provType == "openai":
		return "Authorization", "Bearer "
	case provType == "anthropic":
		return "x-api-key", ""
	case provType == "gemini":
		return "x-goog-api-key", ""
	case provType == "ollama":
		return "Authorization", "Bearer "
	default:
		return "Authorization", "Bearer "
	}
}
