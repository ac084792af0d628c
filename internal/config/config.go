// Package config loads and validates Pulse's runtime configuration.
//
// The mutable subset described by the drive engine and guardrails (trigger
// threshold, pressure rate, weights, sources, cooldown, turns-per-hour) can
// be overridden at runtime by the mutator; everything else here is fixed
// for the life of the process.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProtectedDrives is the fixed set of drives that can never be removed and
// that carry a higher weight floor. Defined here, not in the drive engine,
// because guardrails and the drive engine both need it.
var ProtectedDrives = map[string]bool{
	"goals":  true,
	"growth": true,
}

// Config is the full, closed configuration tree for a Pulse daemon. No
// field is accepted unless it is named here — unknown YAML keys are
// rejected by Load.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Drives     DrivesConfig     `yaml:"drives"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	State      StateConfig      `yaml:"state"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Sensors    SensorsConfig    `yaml:"sensors"`
}

// DaemonConfig controls the main loop and the HTTP health surface.
type DaemonConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	LoopInterval    time.Duration `yaml:"loop_interval"`
	SaveInterval    time.Duration `yaml:"save_interval"`
	EvolutionEveryN int           `yaml:"evolution_every_n_loops"`
	// MutatorEnabled gates the /config POST endpoint and the durable
	// mutation queue. An operator can flip it off to freeze the running
	// configuration without stopping the daemon.
	MutatorEnabled bool `yaml:"mutator_enabled"`
}

// DriveDefault seeds a drive at startup; mutations may add more at runtime.
type DriveDefault struct {
	Weight  float64  `yaml:"weight"`
	Sources []string `yaml:"sources"`
}

// DrivesConfig is the mutable subset of the pressure model.
type DrivesConfig struct {
	PressureRate           float64                 `yaml:"pressure_rate"`
	MaxPressure            float64                 `yaml:"max_pressure"`
	SuccessDecay           float64                 `yaml:"success_decay"`
	AdaptiveDecay          bool                    `yaml:"adaptive_decay"`
	FailureBoost           float64                 `yaml:"failure_boost"`
	ProportionalDecayScale float64                 `yaml:"proportional_decay_scale"`
	TriggerThreshold       float64                 `yaml:"trigger_threshold"`
	MinTriggerInterval     time.Duration           `yaml:"min_trigger_interval"`
	MaxTurnsPerHour        int                     `yaml:"max_turns_per_hour"`
	ExceptionFloor         float64                 `yaml:"exception_floor"`
	HighPressureThreshold  float64                 `yaml:"high_pressure_threshold"`
	IdleWindow             time.Duration           `yaml:"idle_window"`
	SpikeAmount            float64                 `yaml:"spike_amount"`
	Categories             map[string]DriveDefault `yaml:"categories"`
}

// ModelEvaluatorConfig configures the model-backed evaluator.
type ModelEvaluatorConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	FailThreshold   int           `yaml:"fail_threshold"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// EvaluatorConfig selects and configures the trigger evaluator.
type EvaluatorConfig struct {
	Mode   string               `yaml:"mode"` // "rule" or "model"
	Model  ModelEvaluatorConfig `yaml:"model"`
}

// WebhookConfig configures the outgoing wake-up POST.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	AuthHeader string        `yaml:"auth_header"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// StateConfig controls where state, audit, and mutation queue files live.
type StateConfig struct {
	Dir               string `yaml:"dir"`
	AuditMaxBytes     int64  `yaml:"audit_max_bytes"`
	HistoryMaxEntries int    `yaml:"history_max_entries"`
}

// GuardrailsConfig is the hard-limit layer the mutator checks before
// applying any change.
type GuardrailsConfig struct {
	WeightMin             float64 `yaml:"weight_min"`
	WeightMax             float64 `yaml:"weight_max"`
	WeightProtectedMin    float64 `yaml:"weight_protected_min"`
	MaxWeightDelta        float64 `yaml:"max_weight_delta"`
	ThresholdMin          float64 `yaml:"threshold_min"`
	ThresholdMax          float64 `yaml:"threshold_max"`
	RateMin               float64 `yaml:"rate_min"`
	RateMax               float64 `yaml:"rate_max"`
	CooldownMinSeconds    int     `yaml:"cooldown_min_seconds"`
	CooldownMaxSeconds    int     `yaml:"cooldown_max_seconds"`
	TurnsPerHourMin       int     `yaml:"turns_per_hour_min"`
	TurnsPerHourMax       int     `yaml:"turns_per_hour_max"`
	MaxManualDelta        float64 `yaml:"max_manual_delta"`
	MaxDrives             int     `yaml:"max_drives"`
	MaxMutationsPerHour   int     `yaml:"max_mutations_per_hour"`
	MaxEvolutionDelta     float64 `yaml:"max_evolution_delta"`
}

// SensorsConfig configures the built-in sensor set.
type SensorsConfig struct {
	ConversationDir        string        `yaml:"conversation_dir"`
	ConversationMinBytes   int64         `yaml:"conversation_min_bytes"`
	ActivityThresholdSecs  int           `yaml:"activity_threshold_seconds"`
	HealthCommandTimeout   time.Duration `yaml:"health_command_timeout"`
	SensorReadTimeout      time.Duration `yaml:"sensor_read_timeout"`
	HypothesesPath         string        `yaml:"hypotheses_path"`
	EmotionsPath           string        `yaml:"emotions_path"`
	HypothesesCap          float64       `yaml:"hypotheses_cap"`
	HypothesesPerItem      float64       `yaml:"hypotheses_per_item"`
	EmotionsDrive          string        `yaml:"emotions_drive"`
	EmotionsThreshold      float64       `yaml:"emotions_threshold"`
	EmotionsBoost          float64       `yaml:"emotions_boost"`
	FilesystemWatchDir     string        `yaml:"filesystem_watch_dir"`
	FilesystemDrive        string        `yaml:"filesystem_drive"`
	FilesystemSpike        float64       `yaml:"filesystem_spike"`
}

// Default returns the built-in configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:            "127.0.0.1",
			Port:            9719,
			LoopInterval:    30 * time.Second,
			SaveInterval:    5 * time.Minute,
			EvolutionEveryN: 20,
			MutatorEnabled:  true,
		},
		Drives: DrivesConfig{
			PressureRate:           0.05,
			MaxPressure:            10.0,
			SuccessDecay:           0.7,
			AdaptiveDecay:          false,
			FailureBoost:           0.3,
			ProportionalDecayScale: 2.0,
			TriggerThreshold:       5.0,
			MinTriggerInterval:     5 * time.Minute,
			MaxTurnsPerHour:        12,
			ExceptionFloor:         1.5,
			HighPressureThreshold:  10.0,
			IdleWindow:             30 * time.Minute,
			SpikeAmount:            1.5,
			Categories: map[string]DriveDefault{
				"goals":      {Weight: 1.0},
				"growth":     {Weight: 1.0},
				"curiosity":  {Weight: 0.8},
				"unfinished": {Weight: 0.6},
				"system":     {Weight: 1.0},
			},
		},
		Evaluator: EvaluatorConfig{
			Mode: "rule",
			Model: ModelEvaluatorConfig{
				Timeout:          10 * time.Second,
				FailThreshold:    3,
				RecoveryInterval: 5 * time.Minute,
			},
		},
		Webhook: WebhookConfig{
			AuthHeader: "Authorization",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		State: StateConfig{
			Dir:               "~/.pulse",
			AuditMaxBytes:     5 * 1024 * 1024,
			HistoryMaxEntries: 1000,
		},
		Guardrails: GuardrailsConfig{
			WeightMin:           0.05,
			WeightMax:           3.0,
			WeightProtectedMin:  0.3,
			MaxWeightDelta:      0.1,
			ThresholdMin:        0.5,
			ThresholdMax:        50.0,
			RateMin:             0.001,
			RateMax:             1.0,
			CooldownMinSeconds:  60,
			CooldownMaxSeconds:  7200,
			TurnsPerHourMin:     1,
			TurnsPerHourMax:     60,
			MaxManualDelta:      1.0,
			MaxDrives:           15,
			MaxMutationsPerHour: 10,
			MaxEvolutionDelta:   0.1,
		},
		Sensors: SensorsConfig{
			ConversationDir:       "~/.pulse/sessions",
			ConversationMinBytes:  100 * 1024,
			ActivityThresholdSecs: 120,
			HealthCommandTimeout:  1 * time.Second,
			SensorReadTimeout:     1 * time.Second,
			HypothesesPath:        "~/.pulse/hypotheses.json",
			EmotionsPath:          "~/.pulse/emotions.json",
			HypothesesCap:         1.0,
			HypothesesPerItem:     0.2,
			EmotionsDrive:         "system",
			EmotionsThreshold:     0.7,
			EmotionsBoost:         0.15,
			FilesystemWatchDir:    "~/.pulse/workspace",
			FilesystemDrive:       "unfinished",
			FilesystemSpike:       1.5,
		},
	}
}

// Load reads configuration from path, creating it with defaults if missing.
// The environment variables PULSE_WEBHOOK_URL, PULSE_WEBHOOK_TOKEN and
// PULSE_STATE_DIR override webhook.url, webhook.token and state.dir; no
// other field has an environment override.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.SaveToPath(path); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.State.Dir = expandPath(cfg.State.Dir)
	cfg.Sensors.ConversationDir = expandPath(cfg.Sensors.ConversationDir)
	cfg.Sensors.HypothesesPath = expandPath(cfg.Sensors.HypothesesPath)
	cfg.Sensors.EmotionsPath = expandPath(cfg.Sensors.EmotionsPath)
	cfg.Sensors.FilesystemWatchDir = expandPath(cfg.Sensors.FilesystemWatchDir)

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToPath writes cfg to path, creating parent directories as needed.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects configuration values that would make the daemon behave
// incoherently. It does not apply guardrail clamping — that only governs
// runtime mutations, not the file the operator hand-wrote.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be in (0, 65535], got %d", c.Daemon.Port)
	}
	if c.Drives.MaxPressure <= 0 {
		return fmt.Errorf("drives.max_pressure must be positive")
	}
	if c.Drives.TriggerThreshold <= 0 {
		return fmt.Errorf("drives.trigger_threshold must be positive")
	}
	if c.Evaluator.Mode != "rule" && c.Evaluator.Mode != "model" {
		return fmt.Errorf("evaluator.mode must be 'rule' or 'model', got %q", c.Evaluator.Mode)
	}
	for name := range ProtectedDrives {
		if _, ok := c.Drives.Categories[name]; !ok {
			return fmt.Errorf("protected drive %q missing from drives.categories", name)
		}
	}
	return nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PULSE_WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := os.Getenv("PULSE_WEBHOOK_TOKEN"); v != "" {
		c.Webhook.Token = v
	}
	if v := os.Getenv("PULSE_STATE_DIR"); v != "" {
		c.State.Dir = expandPath(v)
	}
}
