// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	ScopeRateLimits ScopeRateLimitConfig `yaml:"scope_rate_limits"`
	Cache      CacheConfig      `yaml:"cache"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Providers  []ProviderEntry  `yaml:"providers"`
	Routes     []RouteEntry     `yaml:"routes"`
	Keys       []KeyEntry       `yaml:"keys"`
	MCP        MCPConfig        `yaml:"mcp"`
	MCPServers []MCPServerEntry `yaml:"mcp_servers"`
}

// MCPConfig holds settings for the aggregated MCP endpoint itself, as
// opposed to the downstream servers it fronts (MCPServerEntry, below).
type MCPConfig struct {
	Path            string                `yaml:"path"` // HTTP path, defaults to "/mcp"
	DownstreamCache DownstreamCacheConfig `yaml:"downstream_cache"`
}

// DownstreamCacheConfig bounds the token-scoped downstream cache
// (internal/mcp/cache.go) that holds one aggregated Downstream per bearer
// token, for MCP servers that require per-caller credential forwarding.
type DownstreamCacheConfig struct {
	MaxSize     int           `yaml:"max_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MCPServerEntry is a downstream MCP server definition in the config file.
type MCPServerEntry struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // not read: every server is reached by JSON-RPC over HTTP at URL
	URL       string            `yaml:"url"`
	Command   string            `yaml:"command"` // not read: there is no stdio or SSE transport
	Headers   map[string]string `yaml:"headers"` // values may use "{{ env.VAR }}"
	// ForwardToken, when true, injects the caller's bearer token as this
	// server's own Authorization header on top of Headers, so the downstream
	// MCP server sees per-caller credentials. When any server sets it, a
	// request carrying a bearer token is served by the token-scoped cache;
	// the static startup aggregation still includes these servers and
	// reaches them without a caller token.
	ForwardToken bool `yaml:"forward_token"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds default rate limiting settings.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // default requests per minute (0 = unlimited)
	DefaultTPM int64 `yaml:"default_tpm"` // default tokens per minute (0 = unlimited)
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
	CSRF            CSRFConfig    `yaml:"csrf"`
}

// CORSConfig controls the Cross-Origin Resource Sharing policy applied to
// every route. A nil/empty AllowedOrigins with Enabled true behaves like
// "allow nothing"; use "*" explicitly to allow any origin.
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	AllowedMethods   []string      `yaml:"allowed_methods"`
	AllowedHeaders   []string      `yaml:"allowed_headers"`
	ExposedHeaders   []string      `yaml:"exposed_headers"`
	AllowCredentials bool          `yaml:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age"`
}

// CSRFConfig names the header whose mere presence is required on every
// request once enabled. A cross-origin form or image-tag submission can't
// attach a custom header, so requiring one (regardless of its value) is
// sufficient to rule out simple CSRF without a token handshake.
type CSRFConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HeaderName string `yaml:"header_name"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey         string           `yaml:"admin_key"` // bootstrap admin key (hashed on first use)
	JWT              *JWTConfig       `yaml:"jwt"`        // nil = JWT bearer auth disabled
	ClientIdentification *ClientIdentificationConfig `yaml:"client_identification"` // nil = disabled
}

// JWTConfig configures bearer-token authentication against a JWKS endpoint.
type JWTConfig struct {
	Enabled             bool          `yaml:"enabled"`
	JWKSURL             string        `yaml:"jwks_url"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ExpectedIssuer      string        `yaml:"expected_issuer"`
	ExpectedAudience    string        `yaml:"expected_audience"`
	ScopesSupported     []string      `yaml:"scopes_supported"`
	ClientIDClaim       string        `yaml:"client_id_claim"` // defaults to "sub"
	GroupClaim          string        `yaml:"group_claim"`
	ResourceMetadataURL string        `yaml:"resource_metadata_url"`
	// ProtectedResource and AuthorizationServers feed the
	// /.well-known/oauth-protected-resource document this gateway serves
	// about itself.
	ProtectedResource   string   `yaml:"protected_resource"`
	AuthorizationServers []string `yaml:"authorization_servers"`
}

// ClientIdentificationConfig configures extraction of a caller's client_id
// and optional group from the authenticated request, for use by the
// per-token and per-group rate limit scopes.
type ClientIdentificationConfig struct {
	Enabled  bool                `yaml:"enabled"`
	ClientID IdentificationSource `yaml:"client_id"`
	GroupID  *IdentificationSource `yaml:"group_id"`
	Validation struct {
		GroupValues []string `yaml:"group_values"`
	} `yaml:"validation"`
}

// IdentificationSource names exactly one of a dotted JWT claim path or an
// HTTP header to read a value from.
type IdentificationSource struct {
	JWTClaim   string `yaml:"jwt_claim"`
	HTTPHeader string `yaml:"http_header"`
}

// ScopeRateLimitConfig configures the global/ip/token/server/tool rate
// limit chain, independent of the per-key RPM/TPM limits in RateLimitConfig.
type ScopeRateLimitConfig struct {
	Enabled bool              `yaml:"enabled"`
	Backend string            `yaml:"backend"` // "memory" (default) or "redis"
	RedisURL string           `yaml:"redis_url"`
	Global  *QuotaEntry       `yaml:"global"`
	IP      *QuotaEntry       `yaml:"ip"`
	Token   *QuotaEntry       `yaml:"token"`
	Server  *QuotaEntry       `yaml:"server"`
	Tool    *QuotaEntry       `yaml:"tool"`
}

// QuotaEntry is a (limit, interval) pair as written in YAML, e.g.
// "limit: 100" + "interval: 1m".
type QuotaEntry struct {
	Limit    uint32        `yaml:"limit"`
	Interval time.Duration `yaml:"interval"`
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"`
	BaseURL   string     `yaml:"base_url"`
	APIKey    string     `yaml:"api_key"`
	Models    []string   `yaml:"models"`
	Priority  int        `yaml:"priority"`
	Weight    int        `yaml:"weight"`
	Enabled   *bool      `yaml:"enabled"`
	MaxRPS    int        `yaml:"max_rps"`
	TimeoutMs int        `yaml:"timeout_ms"`
	Hosting   string     `yaml:"hosting"` // "", "azure", "vertex", "bedrock"
	Region    string     `yaml:"region"`  // GCP region for Vertex AI, AWS region for Bedrock
	Project   string     `yaml:"project"` // GCP project ID for Vertex AI
	Auth      *AuthEntry `yaml:"auth"`    // explicit auth; inferred from api_key when absent
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type   string `yaml:"type"`    // "api_key", "gcp_oauth", "aws_sigv4"
	APIKey string `yaml:"api_key"` // explicit key (overrides top-level api_key)
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name for backward compatibility.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ResolvedHosting returns the normalized hosting mode ("", "azure", "vertex", "bedrock").
func (p ProviderEntry) ResolvedHosting() string {
	return p.Hosting
}

// ResolvedAuthType returns the auth type, inferring from context when Auth is nil.
// Returns "gcp_oauth" for Vertex hosting, "aws_sigv4" for Bedrock hosting,
// "api_key" otherwise.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	if p.Hosting == "vertex" {
		return "gcp_oauth"
	}
	if p.Hosting == "bedrock" {
		return "aws_sigv4"
	}
	return "api_key"
}

// ResolvedAPIKey returns the API key, preferring Auth.APIKey over top-level APIKey.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// RouteEntry is a route definition in the config file.
type RouteEntry struct {
	ModelAlias string        `yaml:"model_alias"`
	Targets    []TargetEntry `yaml:"targets"`
	Strategy   string        `yaml:"strategy"`
	CacheTTLs  int           `yaml:"cache_ttl_s"`
}

// TargetEntry is a single route target.
type TargetEntry struct {
	Provider string `yaml:"provider" json:"provider_id"`
	Model    string `yaml:"model"    json:"model"`
	Priority int    `yaml:"priority" json:"priority"`
	Weight   int    `yaml:"weight"   json:"weight"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name          string   `yaml:"name"`
	Key           string   `yaml:"key"` // plaintext, hashed on bootstrap
	OrgID         string   `yaml:"org_id"`
	AllowedModels []string `yaml:"allowed_models"`
	Role          string   `yaml:"role"`
}

var (
	envPattern      = regexp.MustCompile(`\$\{([^}]+)\}`)
	envTemplatePattern = regexp.MustCompile(`\{\{\s*env\.([A-Za-z0-9_]+)\s*\}\}`)
)

// expandEnv replaces both "${VAR}" and "{{ env.VAR }}" patterns with
// environment variable values. The latter form matches the downstream MCP
// header templating convention; an unset variable is left as the literal
// match text in both forms so misconfiguration is visible rather than
// silently blanked out.
func expandEnv(data []byte) []byte {
	data = envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
	return envTemplatePattern.ReplaceAllFunc(data, func(match []byte) []byte {
		sub := envTemplatePattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CSRF: CSRFConfig{
				HeaderName: "X-Nexus-CSRF-Protection",
			},
		},
		Database: DatabaseConfig{
			DSN: "nexus.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 100_000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		ScopeRateLimits: ScopeRateLimitConfig{
			Backend: "memory",
		},
		MCP: MCPConfig{
			Path: "/mcp",
			DownstreamCache: DownstreamCacheConfig{
				MaxSize:     1_000,
				IdleTimeout: 10 * time.Minute,
			},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
