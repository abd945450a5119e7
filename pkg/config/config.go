// Package config provides configuration structures and loading logic for the mesh.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/vexmesh/pkg/bridge"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/filtering"
	"github.com/polisai/vexmesh/pkg/logging"
	"github.com/polisai/vexmesh/pkg/policy"
	"github.com/polisai/vexmesh/pkg/propagation"
	"github.com/polisai/vexmesh/pkg/routing"
	"github.com/polisai/vexmesh/pkg/telemetry"
)

// Config holds the global configuration for the mesh.
type Config struct {
	Propagation PropagationConfig `yaml:"propagation" json:"propagation"`
	Routing     RoutingConfig     `yaml:"routing" json:"routing"`
	Filtering   FilteringConfig   `yaml:"filtering" json:"filtering"`
	Bridge      BridgeConfig      `yaml:"bridge" json:"bridge"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`

	// RulesPath points at the routing rule and filter file.
	RulesPath string `yaml:"rules_path" json:"rules_path"`
}

// PropagationConfig holds propagation manager settings.
type PropagationConfig struct {
	MaxQueueSize          int    `yaml:"max_queue_size" json:"max_queue_size"`
	DeduplicationWindowMS int    `yaml:"deduplication_window_ms" json:"deduplication_window_ms"`
	DedupCacheSize        int    `yaml:"dedup_cache_size" json:"dedup_cache_size"`
	BatchingEnabled       bool   `yaml:"batching_enabled" json:"batching_enabled"`
	BatchSize             int    `yaml:"batch_size" json:"batch_size"`
	FlushIntervalMS       int    `yaml:"flush_interval_ms" json:"flush_interval_ms"`
	TranslationMode       string `yaml:"translation_mode" json:"translation_mode"`
	StatsIntervalMS       int    `yaml:"stats_interval_ms" json:"stats_interval_ms"`
	ThroughputWindowS     int    `yaml:"throughput_window_s" json:"throughput_window_s"`
	LatencyTargetNS       int    `yaml:"latency_target_ns" json:"latency_target_ns"`
}

// RoutingConfig holds routing engine settings.
type RoutingConfig struct {
	Enabled              bool `yaml:"enabled" json:"enabled"`
	CacheSize            int  `yaml:"cache_size" json:"cache_size"`
	HotReloadIntervalMS  int  `yaml:"hot_reload_interval_ms" json:"hot_reload_interval_ms"`
	StatsIntervalMS      int  `yaml:"stats_interval_ms" json:"stats_interval_ms"`
	PatternMatchTargetNS int  `yaml:"pattern_match_target_ns" json:"pattern_match_target_ns"`
	CacheHitTargetNS     int  `yaml:"cache_hit_target_ns" json:"cache_hit_target_ns"`

	// FailureMode is what a failing custom condition evaluates to:
	// "fail-open" (no match) or "fail-closed" (match).
	FailureMode string `yaml:"failure_mode" json:"failure_mode"`
}

// FilteringConfig holds filtering engine settings.
type FilteringConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	DefaultSampleRate    float64 `yaml:"default_sample_rate" json:"default_sample_rate"`
	CacheSize            int     `yaml:"cache_size" json:"cache_size"`
	HotReloadIntervalMS  int     `yaml:"hot_reload_interval_ms" json:"hot_reload_interval_ms"`
	StatsIntervalMS      int     `yaml:"stats_interval_ms" json:"stats_interval_ms"`
	PatternMatchTargetNS int     `yaml:"pattern_match_target_ns" json:"pattern_match_target_ns"`
	FailureMode          string  `yaml:"failure_mode" json:"failure_mode"`
}

// BridgeConfig holds kernel/userspace bridge settings.
type BridgeConfig struct {
	SyncTimeoutMS                int     `yaml:"sync_timeout_ms" json:"sync_timeout_ms"`
	MaxRetryAttempts             int     `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	RetryBackoffMS               int     `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	ContextPreservationThreshold float64 `yaml:"context_preservation_threshold" json:"context_preservation_threshold"`
	AsyncQueueSize               int     `yaml:"async_queue_size" json:"async_queue_size"`
	AsyncWorkers                 int     `yaml:"async_workers" json:"async_workers"`
	AsyncTimeoutMS               int     `yaml:"async_timeout_ms" json:"async_timeout_ms"`
	RegionName                   string  `yaml:"region_name" json:"region_name"`
	ArenaSlots                   int     `yaml:"arena_slots" json:"arena_slots"`
	SlotSize                     int     `yaml:"slot_size" json:"slot_size"`
	ConflictLogSize              int     `yaml:"conflict_log_size" json:"conflict_log_size"`
	ConflictResolution           string  `yaml:"conflict_resolution" json:"conflict_resolution"`
	Compression                  bool    `yaml:"compression" json:"compression"`
	CompressionThreshold         int     `yaml:"compression_threshold" json:"compression_threshold"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	ServiceName  string            `yaml:"service_name" json:"service_name"`
	Environment  string            `yaml:"environment" json:"environment"`
	SampleRatio  float64           `yaml:"sample_ratio" json:"sample_ratio"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	prop := propagation.DefaultConfig()
	rt := routing.DefaultConfig()
	flt := filtering.DefaultConfig()
	br := bridge.DefaultConfig()
	return &Config{
		Propagation: PropagationConfig{
			MaxQueueSize:          prop.MaxQueueSize,
			DeduplicationWindowMS: int(prop.DeduplicationWindow / time.Millisecond),
			DedupCacheSize:        prop.DedupCacheSize,
			BatchSize:             prop.BatchSize,
			FlushIntervalMS:       int(prop.FlushInterval / time.Millisecond),
			TranslationMode:       prop.TranslationMode.String(),
			StatsIntervalMS:       int(prop.StatsInterval / time.Millisecond),
			ThroughputWindowS:     int(prop.ThroughputWindow / time.Second),
			LatencyTargetNS:       int(prop.LatencyTarget),
		},
		Routing: RoutingConfig{
			Enabled:              rt.Enabled,
			CacheSize:            rt.CacheSize,
			HotReloadIntervalMS:  int(rt.HotReloadInterval / time.Millisecond),
			StatsIntervalMS:      int(rt.StatsInterval / time.Millisecond),
			PatternMatchTargetNS: int(rt.PatternMatchTarget),
			CacheHitTargetNS:     int(rt.CacheHitTarget),
			FailureMode:          string(policy.ModeFailOpen),
		},
		Filtering: FilteringConfig{
			Enabled:              flt.Enabled,
			DefaultSampleRate:    flt.DefaultSampleRate,
			CacheSize:            flt.CacheSize,
			HotReloadIntervalMS:  int(flt.HotReloadInterval / time.Millisecond),
			StatsIntervalMS:      int(flt.StatsInterval / time.Millisecond),
			PatternMatchTargetNS: int(flt.PatternMatchTarget),
			FailureMode:          string(policy.ModeFailClosed),
		},
		Bridge: BridgeConfig{
			SyncTimeoutMS:                int(br.SyncTimeout / time.Millisecond),
			MaxRetryAttempts:             br.MaxRetryAttempts,
			RetryBackoffMS:               int(br.RetryBackoff / time.Millisecond),
			ContextPreservationThreshold: br.ContextPreservationThreshold,
			AsyncQueueSize:               br.AsyncQueueSize,
			AsyncWorkers:                 br.AsyncWorkers,
			AsyncTimeoutMS:               int(br.AsyncTimeout / time.Millisecond),
			RegionName:                   br.RegionName,
			ArenaSlots:                   br.ArenaSlots,
			SlotSize:                     br.SlotSize,
			ConflictLogSize:              br.ConflictLogSize,
			ConflictResolution:           br.ConflictStrategy,
			CompressionThreshold:         br.CompressionThreshold,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vexmesh",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9464",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML, falling back to JSON, over the values already in cfg.
func Parse(data []byte, cfg *Config) error {
	return decode(data, cfg)
}

func decode(data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		if jsonErr := json.Unmarshal(data, v); jsonErr != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("VEXMESH_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("VEXMESH_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("VEXMESH_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("VEXMESH_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("VEXMESH_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}
	if val := os.Getenv("VEXMESH_RULES_PATH"); val != "" {
		cfg.RulesPath = val
	}
	if val := os.Getenv("VEXMESH_TRANSLATION_MODE"); val != "" {
		cfg.Propagation.TranslationMode = val
	}
	if val := os.Getenv("VEXMESH_CONFLICT_RESOLUTION"); val != "" {
		cfg.Bridge.ConflictResolution = val
	}
	if val := os.Getenv("VEXMESH_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Filtering.DefaultSampleRate = rate
		}
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Propagation.Validate(); err != nil {
		return fmt.Errorf("propagation configuration: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing configuration: %w", err)
	}
	if err := c.Filtering.Validate(); err != nil {
		return fmt.Errorf("filtering configuration: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate checks propagation settings.
func (p PropagationConfig) Validate() error {
	if p.MaxQueueSize <= 0 {
		return errors.New("max_queue_size must be positive")
	}
	if p.DeduplicationWindowMS < 0 {
		return errors.New("deduplication_window_ms cannot be negative")
	}
	if p.BatchingEnabled && p.BatchSize <= 0 {
		return errors.New("batch_size must be positive when batching is enabled")
	}
	if _, ok := domain.ParseTranslationMode(p.TranslationMode); !ok {
		return fmt.Errorf("unknown translation_mode %q", p.TranslationMode)
	}
	return nil
}

// Validate checks routing settings.
func (r RoutingConfig) Validate() error {
	if r.CacheSize < 0 {
		return errors.New("cache_size cannot be negative")
	}
	if r.HotReloadIntervalMS < 0 {
		return errors.New("hot_reload_interval_ms cannot be negative")
	}
	return validFailureMode(r.FailureMode)
}

// Validate checks filtering settings.
func (f FilteringConfig) Validate() error {
	if f.DefaultSampleRate < 0 || f.DefaultSampleRate > 1 {
		return fmt.Errorf("default_sample_rate %v must be within [0, 1]", f.DefaultSampleRate)
	}
	if f.CacheSize < 0 {
		return errors.New("cache_size cannot be negative")
	}
	if f.HotReloadIntervalMS < 0 {
		return errors.New("hot_reload_interval_ms cannot be negative")
	}
	return validFailureMode(f.FailureMode)
}

func validFailureMode(v string) error {
	if v == "" {
		return nil
	}
	_, err := policy.ParseMode(v)
	return err
}

// Posture returns the custom condition failure modes of both engines.
// Empty modes keep the defaults.
func (c *Config) Posture() policy.PostureSet {
	set := policy.DefaultPostureSet()
	if m, err := policy.ParseMode(c.Routing.FailureMode); err == nil {
		_ = set.ApplyOverride(policy.DomainRouting, m)
	}
	if m, err := policy.ParseMode(c.Filtering.FailureMode); err == nil {
		_ = set.ApplyOverride(policy.DomainFiltering, m)
	}
	return set
}

// Validate checks bridge settings.
func (b BridgeConfig) Validate() error {
	if b.SyncTimeoutMS <= 0 {
		return errors.New("sync_timeout_ms must be positive")
	}
	if b.MaxRetryAttempts <= 0 {
		return errors.New("max_retry_attempts must be positive")
	}
	if b.ContextPreservationThreshold < 0 || b.ContextPreservationThreshold > 1 {
		return fmt.Errorf("context_preservation_threshold %v must be within [0, 1]", b.ContextPreservationThreshold)
	}
	if b.ArenaSlots <= 0 || b.SlotSize <= 0 {
		return errors.New("arena_slots and slot_size must be positive")
	}
	if _, err := bridge.ResolverByName(b.ConflictResolution); err != nil {
		return err
	}
	return nil
}

// Validate checks telemetry settings.
func (t TelemetryConfig) Validate() error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio %v must be within [0, 1]", t.SampleRatio)
	}
	return nil
}

// Validate checks metrics settings.
func (m MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return errors.New("address cannot be empty when metrics are enabled")
	}
	return nil
}

// Validate checks logging settings.
func (l LoggingConfig) Validate() error {
	switch l.Format {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", l.Format)
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ManagerConfig converts the propagation section.
func (p PropagationConfig) ManagerConfig() propagation.Config {
	mode, _ := domain.ParseTranslationMode(p.TranslationMode)
	cfg := propagation.DefaultConfig()
	cfg.MaxQueueSize = p.MaxQueueSize
	cfg.DeduplicationWindow = ms(p.DeduplicationWindowMS)
	cfg.DedupCacheSize = p.DedupCacheSize
	cfg.BatchingEnabled = p.BatchingEnabled
	cfg.BatchSize = p.BatchSize
	cfg.FlushInterval = ms(p.FlushIntervalMS)
	cfg.TranslationMode = mode
	cfg.StatsInterval = ms(p.StatsIntervalMS)
	if p.ThroughputWindowS > 0 {
		cfg.ThroughputWindow = time.Duration(p.ThroughputWindowS) * time.Second
	}
	cfg.LatencyTarget = time.Duration(p.LatencyTargetNS)
	return cfg
}

// EngineConfig converts the routing section.
func (r RoutingConfig) EngineConfig() routing.Config {
	return routing.Config{
		Enabled:            r.Enabled,
		CacheSize:          r.CacheSize,
		HotReloadInterval:  ms(r.HotReloadIntervalMS),
		StatsInterval:      ms(r.StatsIntervalMS),
		PatternMatchTarget: time.Duration(r.PatternMatchTargetNS),
		CacheHitTarget:     time.Duration(r.CacheHitTargetNS),
	}
}

// EngineConfig converts the filtering section.
func (f FilteringConfig) EngineConfig() filtering.Config {
	return filtering.Config{
		Enabled:            f.Enabled,
		DefaultSampleRate:  f.DefaultSampleRate,
		CacheSize:          f.CacheSize,
		HotReloadInterval:  ms(f.HotReloadIntervalMS),
		StatsInterval:      ms(f.StatsIntervalMS),
		PatternMatchTarget: time.Duration(f.PatternMatchTargetNS),
	}
}

// BridgeConfig converts the bridge section.
func (b BridgeConfig) BridgeConfig() bridge.Config {
	return bridge.Config{
		SyncTimeout:                  ms(b.SyncTimeoutMS),
		MaxRetryAttempts:             b.MaxRetryAttempts,
		RetryBackoff:                 ms(b.RetryBackoffMS),
		ContextPreservationThreshold: b.ContextPreservationThreshold,
		AsyncQueueSize:               b.AsyncQueueSize,
		AsyncWorkers:                 b.AsyncWorkers,
		AsyncTimeout:                 ms(b.AsyncTimeoutMS),
		RegionName:                   b.RegionName,
		ArenaSlots:                   b.ArenaSlots,
		SlotSize:                     b.SlotSize,
		ConflictLogSize:              b.ConflictLogSize,
		ConflictStrategy:             b.ConflictResolution,
		Compression:                  b.Compression,
		CompressionThreshold:         b.CompressionThreshold,
	}
}

// ProviderConfig converts the telemetry section.
func (t TelemetryConfig) ProviderConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: t.ServiceName,
		Endpoint:    t.OTLPEndpoint,
		Environment: t.Environment,
		Insecure:    t.Insecure,
		Headers:     t.Headers,
		SampleRatio: t.SampleRatio,
	}
}

// LoggerConfig converts the logging section.
func (l LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, Pretty: l.Pretty}
}
