package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"feed-orchestrator/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig                   `mapstructure:"app"`
	Logging     logging.Config              `mapstructure:"logging"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Providers   []ProviderConfig            `mapstructure:"providers"`
	Credentials map[string]CredentialConfig `mapstructure:"credentials"`
	Instruments map[string]string           `mapstructure:"instruments"`
	SLAClasses  map[string]SLAClassConfig   `mapstructure:"sla_classes"`
	Selection   SelectionConfig             `mapstructure:"selection"`
	Anomaly     AnomalyConfig               `mapstructure:"anomaly"`
	Latency     LatencyConfig               `mapstructure:"latency"`
	Health      HealthConfig                `mapstructure:"health"`
	Failover    FailoverConfig              `mapstructure:"failover"`
	Websocket   WebsocketConfig             `mapstructure:"websocket"`
	Events      EventsConfig                `mapstructure:"events"`
	Export      ExportConfig                `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN
// disables the event/alert journal entirely.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RetentionDays   int           `mapstructure:"retention_days"`
	PruneInterval   time.Duration `mapstructure:"prune_interval"`
}

// ProviderConfig declares one upstream market data provider.
type ProviderConfig struct {
	ID                string          `mapstructure:"id"`
	Name              string          `mapstructure:"name"`
	Endpoint          string          `mapstructure:"endpoint"`
	AuthScheme        string          `mapstructure:"auth_scheme"`
	CostPerMessage    decimal.Decimal `mapstructure:"cost_per_message"`
	LatencyBaselineMs float64         `mapstructure:"latency_baseline_ms"`
	Priority          string          `mapstructure:"priority"`
	InstrumentClasses []string        `mapstructure:"instrument_classes"`
}

// CredentialConfig holds auth material for one provider. Which fields
// matter depends on the provider's declared auth scheme.
type CredentialConfig struct {
	APIKey string `mapstructure:"api_key"`
	Secret string `mapstructure:"secret"`
	Token  string `mapstructure:"token"`
}

// SLAClassConfig sets per-class latency objectives in milliseconds.
type SLAClassConfig struct {
	TargetMs   float64 `mapstructure:"target_ms"`
	WarningMs  float64 `mapstructure:"warning_ms"`
	CriticalMs float64 `mapstructure:"critical_ms"`
}

// SelectionConfig weights the provider scoring factors.
type SelectionConfig struct {
	UptimeWeight   float64 `mapstructure:"uptime_weight"`
	LatencyWeight  float64 `mapstructure:"latency_weight"`
	CostWeight     float64 `mapstructure:"cost_weight"`
	ErrorWeight    float64 `mapstructure:"error_weight"`
	PriorityWeight float64 `mapstructure:"priority_weight"`
}

// AnomalyConfig tunes the per-instrument anomaly detector.
type AnomalyConfig struct {
	WindowSize            int     `mapstructure:"window_size"`
	WarmupSamples         int     `mapstructure:"warmup_samples"`
	PriceDeviationPct     float64 `mapstructure:"price_deviation_pct"`
	PriceDeviationHighPct float64 `mapstructure:"price_deviation_high_pct"`
	VolumeSpikeFactor     float64 `mapstructure:"volume_spike_factor"`
	VolumeSpikeHighFactor float64 `mapstructure:"volume_spike_high_factor"`
}

// LatencyConfig tunes the latency monitor windows and alert rules.
type LatencyConfig struct {
	WindowSize       int           `mapstructure:"window_size"`
	PercentileWindow int           `mapstructure:"percentile_window"`
	AlertCooldown    time.Duration `mapstructure:"alert_cooldown"`
	SpikeFactor      float64       `mapstructure:"spike_factor"`
	SpikeMinSamples  int           `mapstructure:"spike_min_samples"`
	SpikeAvgWindow   int           `mapstructure:"spike_avg_window"`
	SLAWindow        int           `mapstructure:"sla_window"`
	SLAMinSamples    int           `mapstructure:"sla_min_samples"`
	SLAViolationPct  float64       `mapstructure:"sla_violation_pct"`
	TrendWindow      int           `mapstructure:"trend_window"`
	TrendMinSamples  int           `mapstructure:"trend_min_samples"`
	TrendSlopeMs     float64       `mapstructure:"trend_slope_ms"`
}

// HealthConfig guards the provider active ⇄ unhealthy transition.
type HealthConfig struct {
	MinUptimePct     float64       `mapstructure:"min_uptime_pct"`
	MaxLatencyMs     float64       `mapstructure:"max_latency_ms"`
	MaxErrorRate     float64       `mapstructure:"max_error_rate"`
	UptimePenaltyPct float64       `mapstructure:"uptime_penalty_pct"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
}

// FailoverConfig governs connect retries and cost re-optimization.
type FailoverConfig struct {
	MaxConnectAttempts int             `mapstructure:"max_connect_attempts"`
	ConnectTimeout     time.Duration   `mapstructure:"connect_timeout"`
	StalenessWindow    time.Duration   `mapstructure:"staleness_window"`
	CompletionBudget   time.Duration   `mapstructure:"completion_budget"`
	CostTickInterval   time.Duration   `mapstructure:"cost_tick_interval"`
	CostMinSavingsUSD  decimal.Decimal `mapstructure:"cost_min_savings_usd"`
	CostMinUptimePct   float64         `mapstructure:"cost_min_uptime_pct"`
}

// WebsocketConfig tunes the websocket transport factory.
type WebsocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

// EventsConfig sizes the event bus subscriber buffers.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	Output        string `mapstructure:"output"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "feedwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention_days", 7)
	v.SetDefault("database.prune_interval", "1h")

	v.SetDefault("sla_classes.stock_quotes.target_ms", 50.0)
	v.SetDefault("sla_classes.stock_quotes.warning_ms", 75.0)
	v.SetDefault("sla_classes.stock_quotes.critical_ms", 100.0)
	v.SetDefault("sla_classes.options_data.target_ms", 100.0)
	v.SetDefault("sla_classes.options_data.warning_ms", 150.0)
	v.SetDefault("sla_classes.options_data.critical_ms", 200.0)

	v.SetDefault("selection.uptime_weight", 0.30)
	v.SetDefault("selection.latency_weight", 0.25)
	v.SetDefault("selection.cost_weight", 0.20)
	v.SetDefault("selection.error_weight", 0.15)
	v.SetDefault("selection.priority_weight", 0.10)

	v.SetDefault("anomaly.window_size", 100)
	v.SetDefault("anomaly.warmup_samples", 10)
	v.SetDefault("anomaly.price_deviation_pct", 10.0)
	v.SetDefault("anomaly.price_deviation_high_pct", 20.0)
	v.SetDefault("anomaly.volume_spike_factor", 5.0)
	v.SetDefault("anomaly.volume_spike_high_factor", 10.0)

	v.SetDefault("latency.window_size", 300)
	v.SetDefault("latency.percentile_window", 100)
	v.SetDefault("latency.alert_cooldown", "60s")
	v.SetDefault("latency.spike_factor", 2.0)
	v.SetDefault("latency.spike_min_samples", 5)
	v.SetDefault("latency.spike_avg_window", 10)
	v.SetDefault("latency.sla_window", 60)
	v.SetDefault("latency.sla_min_samples", 30)
	v.SetDefault("latency.sla_violation_pct", 10.0)
	v.SetDefault("latency.trend_window", 300)
	v.SetDefault("latency.trend_min_samples", 100)
	v.SetDefault("latency.trend_slope_ms", 1.0)

	v.SetDefault("health.min_uptime_pct", 90.0)
	v.SetDefault("health.max_latency_ms", 1000.0)
	v.SetDefault("health.max_error_rate", 0.5)
	v.SetDefault("health.uptime_penalty_pct", 5.0)
	v.SetDefault("health.tick_interval", "5s")

	v.SetDefault("failover.max_connect_attempts", 3)
	v.SetDefault("failover.connect_timeout", "8s")
	v.SetDefault("failover.staleness_window", "30s")
	v.SetDefault("failover.completion_budget", "5s")
	v.SetDefault("failover.cost_tick_interval", "30s")
	v.SetDefault("failover.cost_min_savings_usd", "1")
	v.SetDefault("failover.cost_min_uptime_pct", 95.0)

	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.read_limit", int64(1<<20))

	v.SetDefault("events.buffer_size", 256)

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output", "latency.png")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		)
	}
}

var validAuthSchemes = map[string]bool{
	"api_key": true,
	"oauth":   true,
	"hmac":    true,
}

var validTiers = map[string]bool{
	"high":   true,
	"medium": true,
	"low":    true,
	"":       true,
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if p.Endpoint == "" {
			return fmt.Errorf("provider %s: endpoint is required", p.ID)
		}
		if !validAuthSchemes[p.AuthScheme] {
			return fmt.Errorf("provider %s: unknown auth_scheme %q", p.ID, p.AuthScheme)
		}
		if !validTiers[p.Priority] {
			return fmt.Errorf("provider %s: unknown priority %q", p.ID, p.Priority)
		}
		if p.CostPerMessage.IsNegative() {
			return fmt.Errorf("provider %s: cost_per_message cannot be negative", p.ID)
		}
		if len(p.InstrumentClasses) == 0 {
			return fmt.Errorf("provider %s: at least one instrument class is required", p.ID)
		}
	}

	for name, class := range c.SLAClasses {
		if class.WarningMs <= 0 || class.CriticalMs <= 0 {
			return fmt.Errorf("sla_classes.%s: warning_ms and critical_ms must be positive", name)
		}
		if class.CriticalMs < class.WarningMs {
			return fmt.Errorf("sla_classes.%s: critical_ms 不能小于 warning_ms", name)
		}
	}

	weights := []float64{
		c.Selection.UptimeWeight,
		c.Selection.LatencyWeight,
		c.Selection.CostWeight,
		c.Selection.ErrorWeight,
		c.Selection.PriorityWeight,
	}
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("selection weights cannot be negative")
		}
	}

	if c.Anomaly.WindowSize <= 0 {
		return fmt.Errorf("anomaly.window_size must be greater than zero")
	}
	if c.Latency.WindowSize <= 0 {
		return fmt.Errorf("latency.window_size must be greater than zero")
	}
	if c.Health.TickInterval <= 0 {
		return fmt.Errorf("health.tick_interval must be greater than zero")
	}
	if c.Failover.MaxConnectAttempts <= 0 {
		return fmt.Errorf("failover.max_connect_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	if c.Database.DSN != "" && c.Database.RetentionDays <= 0 {
		return fmt.Errorf("database.retention_days must be greater than zero")
	}

	return nil
}

// InstrumentClass resolves an instrument's SLA/provider class, falling
// back to stock_quotes for unmapped symbols.
func (c *Config) InstrumentClass(instrument string) string {
	if class, ok := c.Instruments[instrument]; ok && class != "" {
		return class
	}
	return "stock_quotes"
}

// InstrumentList returns the configured instrument symbols.
func (c *Config) InstrumentList() []string {
	out := make([]string, 0, len(c.Instruments))
	for instrument := range c.Instruments {
		out = append(out, instrument)
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
