package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is everything tunable in the app. All adaptive thresholds are
// configuration rather than code constants; the session engine receives them
// through Adaptive/Progression and never reads viper itself.
type Config struct {
	Session     Session     `mapstructure:"session"`
	Adaptive    Adaptive    `mapstructure:"adaptive"`
	Progression Progression `mapstructure:"progression"`
	Storage     Storage     `mapstructure:"storage"`
	Logging     Logging     `mapstructure:"logging"`
}

// Session holds phase-cycle defaults and recovery-snapshot policy.
type Session struct {
	TotalCycles             int `mapstructure:"total_cycles"`
	HypoxicSeconds          int `mapstructure:"hypoxic_seconds"`
	HyperoxicSeconds        int `mapstructure:"hyperoxic_seconds"`
	TransitionSeconds       int `mapstructure:"transition_seconds"`
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
	SnapshotTTLHours        int `mapstructure:"snapshot_ttl_hours"`
}

// Adaptive holds the mask-lift and altitude-adjustment trigger tuning.
type Adaptive struct {
	MaskLiftSpO2Floor      int `mapstructure:"mask_lift_spo2_floor"`
	MaskLiftSustainSeconds int `mapstructure:"mask_lift_sustain_seconds"`
	MaskLiftRecoveryMargin int `mapstructure:"mask_lift_recovery_margin"`
	ComfortBandLow         int `mapstructure:"comfort_band_low"`
	ComfortBandHigh        int `mapstructure:"comfort_band_high"`
	AltitudeAdjustStep     int `mapstructure:"altitude_adjust_step"`
	RollingWindowSeconds   int `mapstructure:"rolling_window_seconds"`
}

// Progression holds the starting-altitude recommendation tuning.
type Progression struct {
	DefaultAltitudeLevel int `mapstructure:"default_altitude_level"`
	MinAltitudeLevel     int `mapstructure:"min_altitude_level"`
	MaxAltitudeLevel     int `mapstructure:"max_altitude_level"`
	HistoryWindow        int `mapstructure:"history_window"`
}

// Storage holds local persistence settings.
type Storage struct {
	DatabasePath          string `mapstructure:"database_path"`
	SnapshotPath          string `mapstructure:"snapshot_path"`
	ReadingFlushSeconds   int    `mapstructure:"reading_flush_seconds"`
	ReadingFlushBatchSize int    `mapstructure:"reading_flush_batch_size"`
}

// Logging holds the rotating log file settings.
type Logging struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SnapshotInterval returns the snapshot write interval as a duration.
func (s Session) SnapshotInterval() time.Duration {
	return time.Duration(s.SnapshotIntervalSeconds) * time.Second
}

// SnapshotTTL returns the staleness horizon for recovery snapshots.
func (s Session) SnapshotTTL() time.Duration {
	return time.Duration(s.SnapshotTTLHours) * time.Hour
}

func appDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".ihht-companion")
}

func setDefaults(v *viper.Viper) {
	dir := appDir()

	v.SetDefault("session.total_cycles", 5)
	v.SetDefault("session.hypoxic_seconds", 420)
	v.SetDefault("session.hyperoxic_seconds", 180)
	v.SetDefault("session.transition_seconds", 30)
	v.SetDefault("session.snapshot_interval_seconds", 10)
	v.SetDefault("session.snapshot_ttl_hours", 4)

	v.SetDefault("adaptive.mask_lift_spo2_floor", 83)
	v.SetDefault("adaptive.mask_lift_sustain_seconds", 10)
	v.SetDefault("adaptive.mask_lift_recovery_margin", 2)
	v.SetDefault("adaptive.comfort_band_low", 85)
	v.SetDefault("adaptive.comfort_band_high", 93)
	v.SetDefault("adaptive.altitude_adjust_step", 1)
	v.SetDefault("adaptive.rolling_window_seconds", 30)

	v.SetDefault("progression.default_altitude_level", 6)
	v.SetDefault("progression.min_altitude_level", 0)
	v.SetDefault("progression.max_altitude_level", 10)
	v.SetDefault("progression.history_window", 10)

	v.SetDefault("storage.database_path", filepath.Join(dir, "sessions.db"))
	v.SetDefault("storage.snapshot_path", filepath.Join(dir, "recovery_snapshot.json"))
	v.SetDefault("storage.reading_flush_seconds", 15)
	v.SetDefault("storage.reading_flush_batch_size", 32)

	v.SetDefault("logging.file_path", filepath.Join(dir, "ihht-companion.log"))
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
}

// Load reads configuration from defaults, an optional YAML config file, and
// any flag set the caller has bound into v beforehand. An empty configFile
// falls back to config.yaml in the app directory; a missing file is fine, a
// malformed one is an error.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(appDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if configFile != "" {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Session.TotalCycles < 1 {
		return fmt.Errorf("session.total_cycles must be >= 1, got %d", c.Session.TotalCycles)
	}
	if c.Session.HypoxicSeconds <= 0 || c.Session.HyperoxicSeconds <= 0 {
		return fmt.Errorf("phase durations must be positive (hypoxic=%d, hyperoxic=%d)",
			c.Session.HypoxicSeconds, c.Session.HyperoxicSeconds)
	}
	if c.Session.TransitionSeconds < 0 {
		return fmt.Errorf("session.transition_seconds must be >= 0, got %d", c.Session.TransitionSeconds)
	}
	if c.Adaptive.ComfortBandLow >= c.Adaptive.ComfortBandHigh {
		return fmt.Errorf("adaptive comfort band is inverted (%d >= %d)",
			c.Adaptive.ComfortBandLow, c.Adaptive.ComfortBandHigh)
	}
	if c.Progression.MinAltitudeLevel > c.Progression.MaxAltitudeLevel {
		return fmt.Errorf("progression altitude bounds are inverted (%d > %d)",
			c.Progression.MinAltitudeLevel, c.Progression.MaxAltitudeLevel)
	}
	return nil
}
