// Package core provides the configuration, error, logging, and event
// primitives shared by every component of the orchestration runtime: the
// Connection Pool, Two-Level Cache, Dependency Graph, Batch Executor, Model
// Router, Reputation & Detection layer, Consensus Core, and Orchestrator.
//
// Configuration follows a three-layer priority, lowest to highest:
//  1. Default values
//  2. Environment variables (MESH_* prefix)
//  3. Functional options passed to NewConfig
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized configuration option from the runtime's
// external interface (tier limits, worker/concurrency sizing, routing cache
// behavior, reputation thresholds, consensus fault tolerance).
type Config struct {
	Name string `json:"name" env:"MESH_NAME"`

	HTTP        HTTPConfig        `json:"http"`
	Pool        PoolConfig        `json:"pool"`
	Cache       CacheConfig       `json:"cache"`
	Executor    ExecutorConfig    `json:"executor"`
	Router      RouterConfig      `json:"router"`
	Reputation  ReputationConfig  `json:"reputation"`
	Consensus   ConsensusConfig   `json:"consensus"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Logging     LoggingConfig     `json:"logging"`
	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// HTTPConfig configures the orchestrator's request-admission front door.
type HTTPConfig struct {
	Port            int           `json:"port" env:"MESH_HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"MESH_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"MESH_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"MESH_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// TierLimit bounds the concurrent pooled connections for one user tier.
type TierLimit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// PoolConfig configures the Connection Pool (C1).
type PoolConfig struct {
	TierLimits     map[string]TierLimit `json:"tier_limits"`
	IdleTimeout    time.Duration        `json:"idle_timeout" env:"MESH_POOL_IDLE_TIMEOUT" default:"60s"`
	AcquireTimeout time.Duration        `json:"acquire_timeout" env:"MESH_POOL_ACQUIRE_TIMEOUT" default:"5s"`
	RetryAttempts  int                  `json:"retry_attempts" env:"MESH_POOL_RETRY_ATTEMPTS" default:"3"`
	BackoffBase    time.Duration        `json:"backoff_base" env:"MESH_POOL_BACKOFF_BASE" default:"1s"`
	EvictInterval  time.Duration        `json:"evict_interval" env:"MESH_POOL_EVICT_INTERVAL" default:"30s"`
	MaxErrorCount  int                  `json:"max_error_count" env:"MESH_POOL_MAX_ERROR_COUNT" default:"5"`
	RedisURL       string               `json:"redis_url" env:"MESH_REDIS_URL"`
}

// DefaultTierLimits matches spec.md §4.1: free (1,2), pro (2,10), enterprise (5,50).
func DefaultTierLimits() map[string]TierLimit {
	return map[string]TierLimit{
		"free":       {Min: 1, Max: 2},
		"pro":        {Min: 2, Max: 10},
		"enterprise": {Min: 5, Max: 50},
	}
}

// CacheConfig configures the Two-Level Cache (C2).
type CacheConfig struct {
	EvictionPolicy  string        `json:"eviction_policy" env:"MESH_CACHE_EVICTION_POLICY" default:"adaptive"`
	PersistToDisk   bool          `json:"persist_to_disk" env:"MESH_CACHE_PERSIST" default:"true"`
	DefaultTTL      time.Duration `json:"default_ttl" env:"MESH_CACHE_DEFAULT_TTL" default:"3600s"`
	MemoryBudget    int64         `json:"memory_budget_bytes" env:"MESH_CACHE_MEMORY_BUDGET" default:"67108864"`
	CleanupInterval time.Duration `json:"cleanup_interval" env:"MESH_CACHE_CLEANUP_INTERVAL" default:"60s"`
	CompressionMin  int           `json:"compression_min_bytes" env:"MESH_CACHE_COMPRESSION_MIN" default:"1024"`
}

// ExecutorConfig configures the Resource Pool (C3) and Batch Executor (C5).
type ExecutorConfig struct {
	MaxWorkers      int           `json:"max_workers" env:"MESH_MAX_WORKERS" default:"8"`
	MaxConcurrency  int           `json:"max_concurrency" env:"MESH_MAX_CONCURRENCY" default:"64"`
	SpawnTimeout    time.Duration `json:"spawn_timeout" env:"MESH_SPAWN_TIMEOUT" default:"100ms"`
	OperationTTL    time.Duration `json:"operation_timeout" env:"MESH_OPERATION_TIMEOUT" default:"30000ms"`
	RetryAttempts   int           `json:"retry_attempts" env:"MESH_RETRY_ATTEMPTS" default:"3"`
	RetryBackoffMs  int           `json:"retry_backoff_ms" env:"MESH_RETRY_BACKOFF_MS" default:"100"`
	BatchDeadline   time.Duration `json:"batch_deadline" env:"MESH_BATCH_DEADLINE" default:"30s"`
	QueueHighWater  int           `json:"queue_high_water" env:"MESH_QUEUE_HIGH_WATER" default:"256"`
}

// RouterConfig configures the Model Router (C6).
type RouterConfig struct {
	CacheLimit     int           `json:"routing_cache_limit" env:"MESH_ROUTING_CACHE_LIMIT" default:"1000"`
	CacheTTL       time.Duration `json:"routing_cache_ttl" env:"MESH_ROUTING_CACHE_TTL" default:"300s"`
	Target         time.Duration `json:"routing_target" env:"MESH_ROUTING_TARGET" default:"75ms"`
	FailureWindow  int           `json:"recent_failure_window" env:"MESH_ROUTER_FAILURE_WINDOW" default:"20"`
}

// ReputationConfig configures Reputation & Detection (C7).
type ReputationConfig struct {
	QuarantineThreshold float64       `json:"quarantine_threshold" env:"MESH_REPUTATION_QUARANTINE_THRESHOLD" default:"0.3"`
	SuspiciousThreshold float64       `json:"suspicious_threshold" env:"MESH_REPUTATION_SUSPICIOUS_THRESHOLD" default:"0.6"`
	TimeWindow          time.Duration `json:"time_window" env:"MESH_REPUTATION_TIME_WINDOW" default:"300s"`
	MaxMessagesPerWindow int          `json:"max_messages_per_window" env:"MESH_REPUTATION_MAX_MESSAGES" default:"100"`
}

// ConsensusConfig configures the Consensus Core (C8).
type ConsensusConfig struct {
	FaultTolerance float64 `json:"fault_tolerance" env:"MESH_CONSENSUS_FAULT_TOLERANCE" default:"0.33"`
}

// TelemetryConfig configures the telemetry module integration.
type TelemetryConfig struct {
	Enabled        bool   `json:"enabled" env:"MESH_TELEMETRY_ENABLED" default:"false"`
	ServiceName    string `json:"service_name" env:"MESH_TELEMETRY_SERVICE_NAME" default:"mesh"`
	OTLPEndpoint   string `json:"otlp_endpoint" env:"MESH_TELEMETRY_OTLP_ENDPOINT"`
	TracingEnabled bool   `json:"tracing_enabled" env:"MESH_TELEMETRY_TRACING" default:"false"`
}

// LoggingConfig configures the ProductionLogger.
type LoggingConfig struct {
	Level  string `json:"level" env:"MESH_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"MESH_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"MESH_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig holds non-production toggles.
type DevelopmentConfig struct {
	DebugLogging bool `json:"debug_logging" env:"MESH_DEBUG" default:"false"`
}

// Option mutates a Config during construction; returned errors abort NewConfig.
type Option func(*Config) error

// DefaultConfig returns a Config populated entirely from defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "mesh-orchestrator",
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			TierLimits:     DefaultTierLimits(),
			IdleTimeout:    60 * time.Second,
			AcquireTimeout: 5 * time.Second,
			RetryAttempts:  3,
			BackoffBase:    1 * time.Second,
			EvictInterval:  30 * time.Second,
			MaxErrorCount:  5,
		},
		Cache: CacheConfig{
			EvictionPolicy:  "adaptive",
			PersistToDisk:   true,
			DefaultTTL:      3600 * time.Second,
			MemoryBudget:    64 * 1024 * 1024,
			CleanupInterval: 60 * time.Second,
			CompressionMin:  1024,
		},
		Executor: ExecutorConfig{
			MaxWorkers:     8,
			MaxConcurrency: 64,
			SpawnTimeout:   100 * time.Millisecond,
			OperationTTL:   30000 * time.Millisecond,
			RetryAttempts:  3,
			RetryBackoffMs: 100,
			BatchDeadline:  30 * time.Second,
			QueueHighWater: 256,
		},
		Router: RouterConfig{
			CacheLimit:    1000,
			CacheTTL:      300 * time.Second,
			Target:        75 * time.Millisecond,
			FailureWindow: 20,
		},
		Reputation: ReputationConfig{
			QuarantineThreshold:  0.3,
			SuspiciousThreshold:  0.6,
			TimeWindow:           300 * time.Second,
			MaxMessagesPerWindow: 100,
		},
		Consensus: ConsensusConfig{
			FaultTolerance: 0.33,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mesh",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables (medium priority) on top of defaults.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MESH_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("MESH_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("MESH_REDIS_URL"); v != "" {
		c.Pool.RedisURL = v
	}
	if v := os.Getenv("MESH_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.MaxWorkers = n
		}
	}
	if v := os.Getenv("MESH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.MaxConcurrency = n
		}
	}
	if v := os.Getenv("MESH_SPAWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.SpawnTimeout = d
		}
	}
	if v := os.Getenv("MESH_ROUTING_CACHE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Router.CacheLimit = n
		}
	}
	if v := os.Getenv("MESH_ROUTING_TARGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Router.Target = d
		}
	}
	if v := os.Getenv("MESH_CACHE_EVICTION_POLICY"); v != "" {
		c.Cache.EvictionPolicy = v
	}
	if v := os.Getenv("MESH_REPUTATION_QUARANTINE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Reputation.QuarantineThreshold = f
		}
	}
	if v := os.Getenv("MESH_CONSENSUS_FAULT_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Consensus.FaultTolerance = f
		}
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MESH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MESH_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	return nil
}

// LoadFromFile merges a YAML configuration file into c. Unknown fields are
// ignored; fields present in the file override whatever was loaded so far.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, ErrMissingConfiguration)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks cross-field invariants (tier ordering, positive sizes).
func (c *Config) Validate() error {
	if c.Executor.MaxWorkers <= 0 {
		return fmt.Errorf("maxWorkers must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Executor.MaxConcurrency <= 0 {
		return fmt.Errorf("maxConcurrency must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Router.CacheLimit <= 0 {
		return fmt.Errorf("routingCacheLimit must be positive: %w", ErrInvalidConfiguration)
	}
	for tier, limit := range c.Pool.TierLimits {
		if limit.Min < 0 || limit.Max < limit.Min {
			return fmt.Errorf("invalid tier limit for %q (min=%d max=%d): %w", tier, limit.Min, limit.Max, ErrInvalidConfiguration)
		}
	}
	switch c.Cache.EvictionPolicy {
	case "lru", "lfu", "adaptive":
	default:
		return fmt.Errorf("unknown cache eviction policy %q: %w", c.Cache.EvictionPolicy, ErrInvalidConfiguration)
	}
	if c.Reputation.QuarantineThreshold < 0 || c.Reputation.QuarantineThreshold > 1 {
		return fmt.Errorf("quarantineThreshold must be in [0,1]: %w", ErrInvalidConfiguration)
	}
	return nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// Functional options, highest configuration priority.

func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

func WithHTTPPort(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d: %w", port, ErrInvalidConfiguration)
		}
		c.HTTP.Port = port
		return nil
	}
}

func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Pool.RedisURL = url
		return nil
	}
}

func WithTierLimits(limits map[string]TierLimit) Option {
	return func(c *Config) error {
		c.Pool.TierLimits = limits
		return nil
	}
}

func WithMaxWorkers(n int) Option {
	return func(c *Config) error {
		c.Executor.MaxWorkers = n
		return nil
	}
}

func WithMaxConcurrency(n int) Option {
	return func(c *Config) error {
		c.Executor.MaxConcurrency = n
		return nil
	}
}

func WithSpawnTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Executor.SpawnTimeout = d
		return nil
	}
}

func WithRoutingCache(limit int, ttl time.Duration) Option {
	return func(c *Config) error {
		c.Router.CacheLimit = limit
		c.Router.CacheTTL = ttl
		return nil
	}
}

func WithRoutingTarget(d time.Duration) Option {
	return func(c *Config) error {
		c.Router.Target = d
		return nil
	}
}

func WithCacheEvictionPolicy(policy string) Option {
	return func(c *Config) error {
		c.Cache.EvictionPolicy = policy
		return nil
	}
}

func WithQuarantineThreshold(threshold float64) Option {
	return func(c *Config) error {
		c.Reputation.QuarantineThreshold = threshold
		return nil
	}
}

func WithFaultTolerance(f float64) Option {
	return func(c *Config) error {
		c.Consensus.FaultTolerance = f
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.DebugLogging = enabled
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config by layering defaults, environment variables, and
// functional options (in that priority order), then validates the result.
// Every call is independent — there is no package-level singleton; tests and
// production callers construct their own runtime context.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.Name)
	}

	return c, nil
}

// Logger returns the configured logger, constructing a default one if needed.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.Name)
	}
	return c.logger
}

// ============================================================================
// ProductionLogger — layered observability (console + structured + metrics)
// ============================================================================

// ProductionLogger provides layered observability for runtime operations.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	p := &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
	trackLogger(p)
	return p
}

// EnableMetrics is called by the telemetry module once it initializes.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) WithComponent(component string) Logger {
	return &componentLogger{base: p, component: component}
}

// componentLogger tags every log line with a component name, without
// duplicating the formatting logic in ProductionLogger.
type componentLogger struct {
	base      *ProductionLogger
	component string
}

func (c *componentLogger) withComponent(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["component"] = c.component
	return out
}

func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.base.Info(msg, c.withComponent(fields))
}
func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.base.Error(msg, c.withComponent(fields))
}
func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.base.Warn(msg, c.withComponent(fields))
}
func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	c.base.Debug(msg, c.withComponent(fields))
}
func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.InfoWithContext(ctx, msg, c.withComponent(fields))
}
func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.ErrorWithContext(ctx, msg, c.withComponent(fields))
}
func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.WarnWithContext(ctx, msg, c.withComponent(fields))
}
func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.DebugWithContext(ctx, msg, c.withComponent(fields))
}
func (c *componentLogger) WithComponent(component string) Logger {
	return &componentLogger{base: c.base, component: component}
}

// logEvent renders a log line in JSON or human-readable text, then fans it
// out to metrics if the telemetry module has registered itself.
func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}
		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, p.serviceName, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "component":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	if ctx != nil {
		emitMetricWithContext(ctx, "mesh.runtime.log_events", 1.0, labels...)
	} else {
		emitMetric("mesh.runtime.log_events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
