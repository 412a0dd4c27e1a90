// Package config provides configuration loading from YAML files.
package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/osa030/physiocue/internal/domain/settings"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Playback PlaybackConfig `yaml:"playback"`
	Cues     CuesConfig     `yaml:"cues"`
	Audio    AudioConfig    `yaml:"audio"`
	Platform PlatformConfig `yaml:"platform"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig represents control server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Token string      `yaml:"token" validate:"required"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// StorageConfig represents persistence configuration.
type StorageConfig struct {
	Driver string `yaml:"driver" default:"sqlite" validate:"oneof=sqlite memory"`
	Path   string `yaml:"path" default:"data/physiocue.db" validate:"required_if=Driver sqlite"`
}

// CatalogConfig represents the session template catalog.
type CatalogConfig struct {
	Path string `yaml:"path" default:"config/sessions.yaml" validate:"required"`
}

// PlaybackConfig represents sequencer timing configuration.
type PlaybackConfig struct {
	TickIntervalMs        int  `yaml:"tick_interval_ms" default:"200" validate:"gte=10,lte=1000"`
	CheckpointIntervalSec int  `yaml:"checkpoint_interval_sec" default:"15" validate:"gte=1,lte=300"`
	RestartThresholdMs    int  `yaml:"restart_threshold_ms" default:"2000" validate:"gte=0,lte=60000"`
	AutoPauseOnHidden     bool `yaml:"auto_pause_on_hidden" default:"true"`
	AutoResumeOnVisible   bool `yaml:"auto_resume_on_visible"`
}

// CuesConfig represents the user-adjustable cue settings.
type CuesConfig struct {
	LeadInEnabled               bool           `yaml:"lead_in_enabled" default:"true"`
	LeadInSeconds               float64        `yaml:"lead_in_seconds" default:"3" validate:"gte=0,lte=60"`
	ContinuousTickEnabled       bool           `yaml:"continuous_tick_enabled"`
	PerSetToneEnabled           bool           `yaml:"per_set_tone_enabled" default:"true"`
	RepTickEnabled              bool           `yaml:"rep_tick_enabled" default:"true"`
	WarningEnabled              bool           `yaml:"warning_enabled" default:"true"`
	WarningSeconds              float64        `yaml:"warning_seconds" default:"3" validate:"gte=0,lte=60"`
	MasterVolume                float64        `yaml:"master_volume" default:"0.8" validate:"gte=0,lte=1"`
	RestBetweenExercisesSeconds float64        `yaml:"rest_between_exercises_seconds" default:"15" validate:"gte=0"`
	RestBetweenSetsSeconds      float64        `yaml:"rest_between_sets_seconds" default:"30" validate:"gte=0"`
	RestBetweenRepsSeconds      float64        `yaml:"rest_between_reps_seconds" validate:"gte=0"`
	Tones                       map[string]any `yaml:"tones,omitempty"`
}

// AudioConfig represents the audio output.
type AudioConfig struct {
	Enabled    bool `yaml:"enabled" default:"true"`
	SampleRate int  `yaml:"sample_rate" default:"44100" validate:"gte=8000,lte=192000"`
	BufferMs   int  `yaml:"buffer_ms" default:"100" validate:"gte=10,lte=1000"`
}

// PlatformConfig represents wake lock and visibility integration.
type PlatformConfig struct {
	WakeLock string `yaml:"wake_lock" default:"none" validate:"oneof=none dbus"`
}

// LogConfig represents log file rotation.
type LogConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb" default:"10" validate:"gte=1"`
	MaxBackups int `yaml:"max_backups" default:"3" validate:"gte=0"`
	MaxAgeDays int `yaml:"max_age_days" default:"28" validate:"gte=0"`
}

// Load loads configuration from a YAML file.
// Defaults are applied before the file so explicit false values survive.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse parses configuration from YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("PHYSIOCUE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PHYSIOCUE_SERVER_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("PHYSIOCUE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PHYSIOCUE_CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// TickInterval returns the sequencer tick interval.
func (p PlaybackConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

// CheckpointInterval returns the periodic checkpoint interval.
func (p PlaybackConfig) CheckpointInterval() time.Duration {
	return time.Duration(p.CheckpointIntervalSec) * time.Second
}

// RestartThreshold returns the skip-backward restart threshold.
func (p PlaybackConfig) RestartThreshold() time.Duration {
	return time.Duration(p.RestartThresholdMs) * time.Millisecond
}

// BufferSize returns the audio buffer length.
func (a AudioConfig) BufferSize() time.Duration {
	return time.Duration(a.BufferMs) * time.Millisecond
}

// Settings converts the cue section into a settings snapshot.
func (c CuesConfig) Settings() settings.Settings {
	return settings.Settings{
		LeadInEnabled:         c.LeadInEnabled,
		LeadIn:                seconds(c.LeadInSeconds),
		ContinuousTickEnabled: c.ContinuousTickEnabled,
		PerSetToneEnabled:     c.PerSetToneEnabled,
		RepTickEnabled:        c.RepTickEnabled,
		WarningEnabled:        c.WarningEnabled,
		WarningLead:           seconds(c.WarningSeconds),
		MasterVolume:          c.MasterVolume,
		Rests: settings.RestDurations{
			BetweenExercises: seconds(c.RestBetweenExercisesSeconds),
			BetweenSets:      seconds(c.RestBetweenSetsSeconds),
			BetweenReps:      seconds(c.RestBetweenRepsSeconds),
		},
		Tones: c.Tones,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// SettingsProvider re-reads the cue section of the config file on every
// snapshot. When the file becomes unreadable the last good settings are kept.
type SettingsProvider struct {
	path string

	mu   sync.Mutex
	last *settings.Settings
}

// NewSettingsProvider creates a provider for the config file at path.
func NewSettingsProvider(path string) *SettingsProvider {
	return &SettingsProvider{path: path}
}

// Snapshot returns the current settings.
func (p *SettingsProvider) Snapshot(_ context.Context) (settings.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := Load(p.path)
	if err != nil {
		if p.last != nil {
			zlog.Warn().Err(err).Msgf("config: keeping previous settings: path=%s", p.path)
			return *p.last, nil
		}
		return settings.Settings{}, err
	}

	s := cfg.Cues.Settings()
	p.last = &s
	return s, nil
}
