package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Session.TotalCycles)
	assert.Equal(t, 420, cfg.Session.HypoxicSeconds)
	assert.Equal(t, 180, cfg.Session.HyperoxicSeconds)
	assert.Equal(t, 30, cfg.Session.TransitionSeconds)
	assert.Equal(t, 83, cfg.Adaptive.MaskLiftSpO2Floor)
	assert.Equal(t, 10, cfg.Adaptive.MaskLiftSustainSeconds)
	assert.Equal(t, 6, cfg.Progression.DefaultAltitudeLevel)
	assert.Equal(t, 0, cfg.Progression.MinAltitudeLevel)
	assert.Equal(t, 10, cfg.Progression.MaxAltitudeLevel)
	assert.NotEmpty(t, cfg.Storage.DatabasePath)
	assert.NotEmpty(t, cfg.Logging.FilePath)
}

func TestLoad_ConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
session:
  total_cycles: 3
  hypoxic_seconds: 300
adaptive:
  mask_lift_spo2_floor: 80
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Session.TotalCycles)
	assert.Equal(t, 300, cfg.Session.HypoxicSeconds)
	assert.Equal(t, 80, cfg.Adaptive.MaskLiftSpO2Floor)
	// Untouched keys keep their defaults.
	assert.Equal(t, 180, cfg.Session.HyperoxicSeconds)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero cycles", "session:\n  total_cycles: 0\n"},
		{"negative hypoxic", "session:\n  hypoxic_seconds: -1\n"},
		{"negative transition", "session:\n  transition_seconds: -5\n"},
		{"inverted band", "adaptive:\n  comfort_band_low: 95\n  comfort_band_high: 90\n"},
		{"inverted levels", "progression:\n  min_altitude_level: 8\n  max_altitude_level: 4\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))
			_, err := Load(viper.New(), path)
			assert.Error(t, err)
		})
	}
}

func TestSnapshotDurations(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "10s", cfg.Session.SnapshotInterval().String())
	assert.Equal(t, "4h0m0s", cfg.Session.SnapshotTTL().String())
}
