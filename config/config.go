// Package config loads settings from an optional YAML file with environment
// overrides. Command line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/rfm/auth"
	"github.com/TFMV/rfm/rfm"
)

// DefaultFile is read when neither --config nor RFM_CONFIG_FILE is set.
const DefaultFile = "rfm.yaml"

// DateLayout is the layout of reference_date.
const DateLayout = "2006-01-02"

// LabelOrders sets the label direction per dimension: "asc" or "desc".
type LabelOrders struct {
	Recency   string `yaml:"recency"`
	Frequency string `yaml:"frequency"`
	Monetary  string `yaml:"monetary"`
}

// Config represents the structure of the config file.
type Config struct {
	ReferenceDate     string      `yaml:"reference_date"`
	Quantiles         int         `yaml:"quantiles"`
	Segments          []rfm.Tier  `yaml:"segments"`
	FallbackSegment   string      `yaml:"fallback_segment"`
	FrequencyTieBreak string      `yaml:"frequency_tie_break"`
	LabelOrder        LabelOrders `yaml:"label_order"`

	ActiveWindowDays int `yaml:"active_window_days"`
	TopN             int `yaml:"top_n"`
	PageSize         int `yaml:"page_size"`

	HTTPAddr       string      `yaml:"http_addr"`
	FlightAddr     string      `yaml:"flight_addr"`
	LogLevel       string      `yaml:"log_level"`
	GCSCredentials string      `yaml:"gcs_credentials"`
	PostgresQuery  string      `yaml:"postgres_query"`
	ExportDir      string      `yaml:"export_dir"`
	Users          []auth.User `yaml:"users"`
}

// Default returns the built-in settings.
func Default() Config {
	ladder := rfm.DefaultLadder()
	return Config{
		ReferenceDate:     rfm.DefaultReferenceDate.Format(DateLayout),
		Quantiles:         rfm.DefaultQuantiles,
		Segments:          ladder.Tiers,
		FallbackSegment:   ladder.Fallback,
		FrequencyTieBreak: rfm.TieBreakDense.String(),
		LabelOrder: LabelOrders{
			Recency:   rfm.Ascending.String(),
			Frequency: rfm.Descending.String(),
			Monetary:  rfm.Descending.String(),
		},
		ActiveWindowDays: 30,
		TopN:             10,
		PageSize:         10,
		HTTPAddr:         ":3000",
		FlightAddr:       ":8815",
		LogLevel:         "info",
		ExportDir:        ".",
	}
}

// Load builds a Config from defaults, the YAML file and the environment.
// path falls back to RFM_CONFIG_FILE and then DefaultFile. A missing file
// is only an error when path was given explicitly.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = getenv("RFM_CONFIG_FILE")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Config file is optional
	default:
		return cfg, err
	}

	cfg.applyEnv(getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	for key, dst := range map[string]*string{
		"RFM_REFERENCE_DATE":  &c.ReferenceDate,
		"RFM_HTTP_ADDR":       &c.HTTPAddr,
		"RFM_FLIGHT_ADDR":     &c.FlightAddr,
		"RFM_LOG_LEVEL":       &c.LogLevel,
		"RFM_GCS_CREDENTIALS": &c.GCSCredentials,
		"RFM_POSTGRES_QUERY":  &c.PostgresQuery,
	} {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
}

// RFM converts c into a validated rfm.Config.
func (c Config) RFM() (rfm.Config, error) {
	ref, err := time.ParseInLocation(DateLayout, c.ReferenceDate, time.UTC)
	if err != nil {
		return rfm.Config{}, fmt.Errorf("%w: reference_date %q", rfm.ErrInvalidConfig, c.ReferenceDate)
	}
	out := rfm.DefaultConfig().WithReferenceDate(ref)
	out.Quantiles = c.Quantiles
	out.Ladder = rfm.Ladder{Tiers: c.Segments, Fallback: c.FallbackSegment}

	if out.FrequencyTieBreak, err = rfm.ParseTieBreak(c.FrequencyTieBreak); err != nil {
		return rfm.Config{}, err
	}
	if out.RecencyLabels, err = rfm.ParseLabelOrder(c.LabelOrder.Recency); err != nil {
		return rfm.Config{}, err
	}
	if out.FrequencyLabels, err = rfm.ParseLabelOrder(c.LabelOrder.Frequency); err != nil {
		return rfm.Config{}, err
	}
	if out.MonetaryLabels, err = rfm.ParseLabelOrder(c.LabelOrder.Monetary); err != nil {
		return rfm.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return rfm.Config{}, err
	}
	return out, nil
}

// Roles returns the configured users, or nil when none are listed so that
// transports skip role checks.
func (c Config) Roles() auth.RoleManager {
	if len(c.Users) == 0 {
		return nil
	}
	return auth.NewStaticRoles(c.Users...)
}

// Logger builds a production zap logger at LogLevel.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
