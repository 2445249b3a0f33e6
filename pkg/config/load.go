package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the engine configuration. Every scalar can be overridden from
// the environment.
type Config struct {
	Env          string `yaml:"env" env:"OEE_ENV" env-default:"local"`
	RegistryPath string `yaml:"registry_path" env:"OEE_REGISTRY" env-default:"./config/registry.yaml"`

	HTTPServer `yaml:"http_server"`
	Storage    Storage `yaml:"storage"`

	Tiers     []Tier    `yaml:"tiers"`
	Facts     Policy    `yaml:"facts"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Analysis  Analysis  `yaml:"analysis"`
	KPI       KPI       `yaml:"kpi"`

	Kafka Kafka `yaml:"kafka"`
	MQTT  MQTT  `yaml:"mqtt"`

	// JobTimeout bounds every scheduled run; slower runs are abandoned.
	JobTimeout time.Duration `yaml:"job_timeout" env:"OEE_JOB_TIMEOUT" env-default:"2m"`

	// ShiftHorizon is how far ahead shift patterns are expanded.
	ShiftHorizon time.Duration `yaml:"shift_horizon" env:"OEE_SHIFT_HORIZON" env-default:"168h"`
}

type HTTPServer struct {
	Address     string        `yaml:"address" env:"OEE_ADDR" env-default:":8080"`
	Timeout     time.Duration `yaml:"timeout" env:"OEE_HTTP_TIMEOUT" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"OEE_HTTP_IDLE_TIMEOUT" env-default:"60s"`

	// CORSOrigins are the browser origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins" env:"OEE_CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://127.0.0.1:3000"`
}

type Storage struct {
	Path         string        `yaml:"path" env:"OEE_DATA_DIR" env-default:"./data"`
	InMemory     bool          `yaml:"in_memory" env:"OEE_IN_MEMORY"`
	MaxMemoryMB  int64         `yaml:"max_memory_mb" env:"OEE_MAX_MEMORY_MB" env-default:"48"`
	MaxStorageGB int64         `yaml:"max_storage_gb" env:"OEE_MAX_STORAGE_GB" env-default:"1"`
	GCInterval   time.Duration `yaml:"gc_interval" env:"OEE_GC_INTERVAL" env-default:"10m"`
}

// Tier is one rollup resolution.
type Tier struct {
	Name string `yaml:"name"`

	// Duration of one bucket; ignored for shift-sourced tiers.
	Duration time.Duration `yaml:"duration"`

	// Source is "facts", "shifts" or the name of a finer tier to fold.
	Source string `yaml:"source"`

	// Lag is how long after a bucket ends it waits for late facts before
	// its first computation.
	Lag time.Duration `yaml:"lag"`

	// Interval between scheduled refresh passes.
	Interval time.Duration `yaml:"interval"`

	// ShiftAware fact tiers count only time covered by shift instances as
	// planned.
	ShiftAware bool `yaml:"shift_aware"`

	Policy `yaml:",inline"`
}

const (
	SourceFacts  = "facts"
	SourceShifts = "shifts"
)

// Policy is an age-based compression and retention policy. Zero disables.
type Policy struct {
	CompressAfter time.Duration `yaml:"compress_after"`
	RetainFor     time.Duration `yaml:"retain_for"`
}

// RetentionCutoff is the instant before which records kept under p may
// already be deleted. The zero time means records are kept forever.
func (p Policy) RetentionCutoff(now time.Time, guard time.Duration) time.Time {
	if p.RetainFor <= 0 {
		return time.Time{}
	}
	return now.UTC().Add(-max(p.RetainFor, guard))
}

// RetentionGuard is the age below which lifecycle never touches a window:
// the longest refresh lag plus bucket span of any tier. Shift buckets count
// as a day.
func RetentionGuard(tiers []Tier) time.Duration {
	var g time.Duration
	for _, t := range tiers {
		span := t.Duration
		if t.Source == SourceShifts {
			span = 24 * time.Hour
		}
		g = max(g, t.Lag+span)
	}
	return g
}

type Lifecycle struct {
	Interval time.Duration `yaml:"interval" env:"OEE_LIFECYCLE_INTERVAL" env-default:"1h"`
}

type Analysis struct {
	// FailureReasons are the reason codes counted as failures for MTBF/MTTR.
	FailureReasons []string `yaml:"failure_reasons" env:"OEE_FAILURE_REASONS" env-separator:","`

	// LossCategories maps reason codes to breakdown, setup or minor_stop.
	LossCategories map[string]string `yaml:"loss_categories"`

	MinorStopThreshold time.Duration `yaml:"minor_stop_threshold" env:"OEE_MINOR_STOP_THRESHOLD" env-default:"5m"`
}

type KPI struct {
	Tiers []string `yaml:"tiers" env:"OEE_KPI_TIERS" env-separator:"," env-default:"1h,1d"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"OEE_KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"OEE_KAFKA_TOPIC" env-default:"oee.events"`
	GroupID string   `yaml:"group_id" env:"OEE_KAFKA_GROUP" env-default:"tinyoee"`
}

// Enabled reports whether a Kafka consumer should run.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type MQTT struct {
	Broker   string `yaml:"broker" env:"OEE_MQTT_BROKER"`
	Topic    string `yaml:"topic" env:"OEE_MQTT_TOPIC" env-default:"oee/+/events/#"`
	ClientID string `yaml:"client_id" env:"OEE_MQTT_CLIENT_ID" env-default:"tinyoee"`
	QoS      byte   `yaml:"qos" env:"OEE_MQTT_QOS" env-default:"1"`
}

// Enabled reports whether an MQTT subscriber should run.
func (m MQTT) Enabled() bool { return m.Broker != "" }

// DefaultTiers is the tier ladder used when the file defines none.
func DefaultTiers() []Tier {
	const day = 24 * time.Hour
	return []Tier{
		{Name: "1m", Duration: time.Minute, Source: SourceFacts, Lag: 2 * time.Minute, Interval: time.Minute,
			Policy: Policy{CompressAfter: 2 * day, RetainFor: 14 * day}},
		{Name: "5m", Duration: 5 * time.Minute, Source: "1m", Lag: 5 * time.Minute, Interval: 5 * time.Minute,
			Policy: Policy{CompressAfter: 7 * day, RetainFor: 90 * day}},
		{Name: "1h", Duration: time.Hour, Source: "5m", Lag: 15 * time.Minute, Interval: 15 * time.Minute,
			Policy: Policy{CompressAfter: 30 * day, RetainFor: 365 * day}},
		{Name: "1d", Duration: day, Source: "1h", Lag: time.Hour, Interval: time.Hour,
			Policy: Policy{CompressAfter: 90 * day, RetainFor: 5 * 365 * day}},
		{Name: "shift", Source: SourceShifts, Lag: 30 * time.Minute, Interval: 15 * time.Minute,
			Policy: Policy{CompressAfter: 90 * day, RetainFor: 5 * 365 * day}},
	}
}

// DefaultFactPolicy keeps raw facts compressed after a week, for 30 days.
func DefaultFactPolicy() Policy {
	return Policy{CompressAfter: 7 * 24 * time.Hour, RetainFor: 30 * 24 * time.Hour}
}

// Load reads the YAML file at path (if it exists) and applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, fmt.Errorf("cannot read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cannot stat config: %w", err)
		} else if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("cannot read env: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main packages.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Facts == (Policy{}) {
		c.Facts = DefaultFactPolicy()
	}
	for i := range c.Tiers {
		if c.Tiers[i].Interval <= 0 {
			c.Tiers[i].Interval = max(c.Tiers[i].Duration, time.Minute)
		}
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.Lifecycle.Interval <= 0 {
		c.Lifecycle.Interval = DefaultLifecycleTick
	}
	if c.ShiftHorizon <= 0 {
		c.ShiftHorizon = DefaultShiftHorizon
	}
}

// Tier returns the tier with the given name.
func (c *Config) Tier(name string) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}
