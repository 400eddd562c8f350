// Package config loads process settings from defaults, an optional
// config.yaml and DCE_-prefixed environment variables, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dvloznov/deal-confidence/internal/canonical"
	"github.com/dvloznov/deal-confidence/internal/classify"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ledger"
	"github.com/dvloznov/deal-confidence/internal/scoring"
	"github.com/dvloznov/deal-confidence/internal/transfer"
)

// EnvPrefix prefixes every environment override, e.g. DCE_DATABASE_URL.
const EnvPrefix = "DCE"

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	// Backend is "postgres" or "memory".
	Backend      string        `mapstructure:"backend"`
	URL          string        `mapstructure:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxIdleTime  time.Duration `mapstructure:"max_idle_time"`
}

// JobsConfig sizes the recomputation queue.
type JobsConfig struct {
	Workers      int           `mapstructure:"workers"`
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// ArchiveConfig enables snapshot archival to GCS when Bucket is set.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// WarehouseConfig enables BigQuery run export when ProjectID is set.
type WarehouseConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
	Table     string `mapstructure:"table"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig holds every rule version and scoring coefficient. Its
// canonical hash is the config_version stamped on each run.
type EngineConfig struct {
	RoleVersion               string `mapstructure:"role_version" json:"role_version"`
	MatchRuleVersion          string `mapstructure:"match_rule_version" json:"match_rule_version"`
	MaxDateDiffDays           int    `mapstructure:"max_date_diff_days" json:"max_date_diff_days"`
	MinDescriptorSimilarityBP int64  `mapstructure:"min_descriptor_similarity_bp" json:"min_descriptor_similarity_bp"`

	MissingMonthUnitBP     int64  `mapstructure:"missing_month_unit_bp" json:"missing_month_unit_bp"`
	MissingMonthCapBP      int64  `mapstructure:"missing_month_cap_bp" json:"missing_month_cap_bp"`
	OverridePenaltyMode    string `mapstructure:"override_penalty_mode" json:"override_penalty_mode"`
	OverrideUnitPenaltyBP  int64  `mapstructure:"override_unit_penalty_bp" json:"override_unit_penalty_bp"`
	OverridePenaltyCapBP   int64  `mapstructure:"override_penalty_cap_bp" json:"override_penalty_cap_bp"`
	MinOverlapBP           int64  `mapstructure:"min_overlap_bp" json:"min_overlap_bp"`
	NotRunPenaltyBP        int64  `mapstructure:"not_run_penalty_bp" json:"not_run_penalty_bp"`
	FailedOverlapPenaltyBP int64  `mapstructure:"failed_overlap_penalty_bp" json:"failed_overlap_penalty_bp"`
	HighThresholdBP        int64  `mapstructure:"high_threshold_bp" json:"high_threshold_bp"`
	MediumThresholdBP      int64  `mapstructure:"medium_threshold_bp" json:"medium_threshold_bp"`

	CapOnReconciliationNotOK bool `mapstructure:"cap_on_reconciliation_not_ok" json:"cap_on_reconciliation_not_ok"`
	CapOnFullWeightOverride  bool `mapstructure:"cap_on_full_weight_override" json:"cap_on_full_weight_override"`
}

// DefaultEngineConfig returns the built-in rule versions and coefficients.
func DefaultEngineConfig() EngineConfig {
	policy := scoring.DefaultPolicy()
	return EngineConfig{
		RoleVersion:               classify.VersionV1Rules,
		MatchRuleVersion:          transfer.VersionV2NearestDate,
		MaxDateDiffDays:           transfer.DefaultMaxDateDiffDays,
		MinDescriptorSimilarityBP: 0,

		MissingMonthUnitBP:     policy.MissingMonthUnitBP,
		MissingMonthCapBP:      policy.MissingMonthCapBP,
		OverridePenaltyMode:    string(policy.Penalty.Mode),
		OverrideUnitPenaltyBP:  policy.Penalty.UnitPenaltyBP,
		OverridePenaltyCapBP:   policy.Penalty.CapBP,
		MinOverlapBP:           policy.MinOverlapBP,
		NotRunPenaltyBP:        policy.NotRunPenaltyBP,
		FailedOverlapPenaltyBP: policy.FailedOverlapPenaltyBP,
		HighThresholdBP:        policy.HighThresholdBP,
		MediumThresholdBP:      policy.MediumThresholdBP,

		CapOnReconciliationNotOK: policy.CapOnReconciliationNotOK,
		CapOnFullWeightOverride:  policy.CapOnFullWeightOverride,
	}
}

// ScoringPolicy converts the engine settings into a scoring policy.
func (e EngineConfig) ScoringPolicy() scoring.Policy {
	return scoring.Policy{
		MissingMonthUnitBP: e.MissingMonthUnitBP,
		MissingMonthCapBP:  e.MissingMonthCapBP,
		Penalty: ledger.PenaltyParams{
			Mode:          ledger.PenaltyMode(e.OverridePenaltyMode),
			UnitPenaltyBP: e.OverrideUnitPenaltyBP,
			CapBP:         e.OverridePenaltyCapBP,
		},
		MinOverlapBP:             e.MinOverlapBP,
		NotRunPenaltyBP:          e.NotRunPenaltyBP,
		FailedOverlapPenaltyBP:   e.FailedOverlapPenaltyBP,
		HighThresholdBP:          e.HighThresholdBP,
		MediumThresholdBP:        e.MediumThresholdBP,
		CapOnReconciliationNotOK: e.CapOnReconciliationNotOK,
		CapOnFullWeightOverride:  e.CapOnFullWeightOverride,
	}
}

// TransferParams converts the engine settings into matching parameters.
func (e EngineConfig) TransferParams() transfer.Params {
	return transfer.Params{
		MaxDateDiffDays:           e.MaxDateDiffDays,
		MinDescriptorSimilarityBP: e.MinDescriptorSimilarityBP,
	}
}

// ConfigVersion identifies the engine settings: "cfg-" plus the first 12
// hex digits of their canonical hash.
func (e EngineConfig) ConfigVersion() (string, error) {
	h, err := canonical.Hash(e)
	if err != nil {
		return "", fmt.Errorf("EngineConfig.ConfigVersion: %w", err)
	}
	return "cfg-" + h[:12], nil
}

// Validate checks rule versions and coefficients.
func (e EngineConfig) Validate() error {
	if _, err := classify.Lookup(e.RoleVersion); err != nil {
		return err
	}
	if _, err := transfer.NewPolicy(e.MatchRuleVersion, e.TransferParams()); err != nil {
		return err
	}
	return e.ScoringPolicy().Validate()
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("config: database.url is required for the postgres backend: %w", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("config: unknown database backend %q: %w", c.Database.Backend, domain.ErrInvalidInput)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("config: jobs.workers must be positive: %w", domain.ErrInvalidInput)
	}
	if c.Warehouse.ProjectID != "" && (c.Warehouse.Dataset == "" || c.Warehouse.Table == "") {
		return fmt.Errorf("config: warehouse dataset and table are required with a project: %w", domain.ErrInvalidInput)
	}
	return c.Engine.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 30)
	v.SetDefault("database.max_idle_conns", 30)
	v.SetDefault("database.max_idle_time", 15*time.Minute)

	v.SetDefault("jobs.workers", 5)
	v.SetDefault("jobs.buffer_size", 100)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.retry_backoff", time.Second)

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "snapshots")

	v.SetDefault("warehouse.project_id", "")
	v.SetDefault("warehouse.dataset", "")
	v.SetDefault("warehouse.table", "analysis_runs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	e := DefaultEngineConfig()
	v.SetDefault("engine.role_version", e.RoleVersion)
	v.SetDefault("engine.match_rule_version", e.MatchRuleVersion)
	v.SetDefault("engine.max_date_diff_days", e.MaxDateDiffDays)
	v.SetDefault("engine.min_descriptor_similarity_bp", e.MinDescriptorSimilarityBP)
	v.SetDefault("engine.missing_month_unit_bp", e.MissingMonthUnitBP)
	v.SetDefault("engine.missing_month_cap_bp", e.MissingMonthCapBP)
	v.SetDefault("engine.override_penalty_mode", e.OverridePenaltyMode)
	v.SetDefault("engine.override_unit_penalty_bp", e.OverrideUnitPenaltyBP)
	v.SetDefault("engine.override_penalty_cap_bp", e.OverridePenaltyCapBP)
	v.SetDefault("engine.min_overlap_bp", e.MinOverlapBP)
	v.SetDefault("engine.not_run_penalty_bp", e.NotRunPenaltyBP)
	v.SetDefault("engine.failed_overlap_penalty_bp", e.FailedOverlapPenaltyBP)
	v.SetDefault("engine.high_threshold_bp", e.HighThresholdBP)
	v.SetDefault("engine.medium_threshold_bp", e.MediumThresholdBP)
	v.SetDefault("engine.cap_on_reconciliation_not_ok", e.CapOnReconciliationNotOK)
	v.SetDefault("engine.cap_on_full_weight_override", e.CapOnFullWeightOverride)
}

// Load reads configuration. configPath may be empty, in which case
// config.yaml is looked up in the working directory and /etc/dce and is
// optional.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dce")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config.Load: read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config.Load: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}
