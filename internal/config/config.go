// Package config provides configuration types and loading for kafgenome.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Evaluator  EvaluatorConfig  `json:"evaluator"`
	Absorption AbsorptionConfig `json:"absorption"`
	Staging    StagingConfig    `json:"staging"`
	Kafka      KafkaConfig      `json:"kafka"`
	Slack      SlackConfig      `json:"slack"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Log        LogConfig        `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DBPath      string `json:"dbPath" envconfig:"DB"`
	StagingRoot string `json:"stagingRoot" envconfig:"STAGING_ROOT"`
}

// ---------------------------------------------------------------------------
// Evaluator – scoring weights and verdict thresholds
// ---------------------------------------------------------------------------

// EvaluatorConfig holds the fixed scoring weights and thresholds.
type EvaluatorConfig struct {
	WeightVolume      float64 `json:"weightVolume" envconfig:"WEIGHT_VOLUME"`
	WeightConfidence  float64 `json:"weightConfidence" envconfig:"WEIGHT_CONFIDENCE"`
	WeightConsistency float64 `json:"weightConsistency" envconfig:"WEIGHT_CONSISTENCY"`
	WeightEffect      float64 `json:"weightEffect" envconfig:"WEIGHT_EFFECT"`
	HighThreshold     float64 `json:"highThreshold" envconfig:"HIGH_THRESHOLD"`
	LowThreshold      float64 `json:"lowThreshold" envconfig:"LOW_THRESHOLD"`
	VolumeTarget      int     `json:"volumeTarget" envconfig:"VOLUME_TARGET"`
	MinChildren       int     `json:"minChildren" envconfig:"MIN_CHILDREN"`
}

// AbsorptionConfig holds the stability criteria.
type AbsorptionConfig struct {
	StabilityWindowHours int    `json:"stabilityWindowHours" envconfig:"STABILITY_WINDOW_HOURS"`
	AbsorbedBy           string `json:"absorbedBy" envconfig:"ABSORBED_BY"`
}

// StabilityWindow returns the window as a duration.
func (a AbsorptionConfig) StabilityWindow() time.Duration {
	return time.Duration(a.StabilityWindowHours) * time.Hour
}

// StagingConfig holds staging environment settings.
type StagingConfig struct {
	ProvisionTimeout time.Duration `json:"provisionTimeout" envconfig:"PROVISION_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Transports – Kafka ingestion/events and Slack approvals
// ---------------------------------------------------------------------------

// KafkaConfig configures the ingestion consumer and the event publisher.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers       []string `json:"brokers" envconfig:"BROKERS"`
	IngestTopic   string   `json:"ingestTopic" envconfig:"INGEST_TOPIC"`
	ConsumerGroup string   `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	EventsTopic   string   `json:"eventsTopic" envconfig:"EVENTS_TOPIC"`
}

// SlackConfig configures approval notifications.
type SlackConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"TOKEN"`
	Channel string `json:"channel" envconfig:"CHANNEL"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Scheduler – cron-based job scheduling
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the cron scheduler.
type SchedulerConfig struct {
	Enabled            bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval       time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcWrite       int           `json:"maxConcWrite" envconfig:"MAX_CONC_WRITE"`
	MaxConcDefault     int           `json:"maxConcDefault" envconfig:"MAX_CONC_DEFAULT"`
	LockPath           string        `json:"lockPath" envconfig:"LOCK_PATH"`
	EvaluatePending    string        `json:"evaluatePending" envconfig:"EVALUATE_PENDING"`
	AbsorbSweep        string        `json:"absorbSweep" envconfig:"ABSORB_SWEEP"`
	StagingExpiry      string        `json:"stagingExpiry" envconfig:"STAGING_EXPIRY"`
	CandidateDiscovery string        `json:"candidateDiscovery" envconfig:"CANDIDATE_DISCOVERY"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
	JSON  bool   `json:"json" envconfig:"JSON"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DBPath:      "~/.kafgenome/genome.db",
			StagingRoot: "~/.kafgenome/staging",
		},
		Evaluator: EvaluatorConfig{
			WeightVolume:      0.20,
			WeightConfidence:  0.30,
			WeightConsistency: 0.25,
			WeightEffect:      0.25,
			HighThreshold:     0.75,
			LowThreshold:      0.35,
			VolumeTarget:      3,
			MinChildren:       3,
		},
		Absorption: AbsorptionConfig{
			StabilityWindowHours: 72,
			AbsorbedBy:           "scheduler",
		},
		Staging: StagingConfig{
			ProvisionTimeout: 2 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			IngestTopic:   "kafgenome.behaviors",
			ConsumerGroup: "kafgenome",
			EventsTopic:   "kafgenome.events",
		},
		Scheduler: SchedulerConfig{
			Enabled:            false,
			TickInterval:       60 * time.Second,
			MaxConcWrite:       1,
			MaxConcDefault:     4,
			LockPath:           "~/.kafgenome/scheduler.lock",
			EvaluatePending:    "*/15 * * * *",
			AbsorbSweep:        "0 * * * *",
			StagingExpiry:      "*/5 * * * *",
			CandidateDiscovery: "30 6 * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
