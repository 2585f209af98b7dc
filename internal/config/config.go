// Package config loads engine configuration the way the teacher loads its
// own: koanf-backed TOML, later files winning, defaults applied by the
// Get*Config accessors. There is no ~ expansion and there are no
// bool-pointer fields. Grounded on the teacher's internal/config, with
// xdg.ConfigFile replacing the teacher's hand-rolled ~/.config/<app> join
// (adrg/xdg is the library the teacher uses for its database path).
package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const appName = "oggmix"

// Config is the full engine configuration surface.
type Config struct {
	Engine     EngineConfig     `koanf:"engine"`
	Oscillator OscillatorConfig `koanf:"oscillator"`
}

// EngineConfig holds mixer/ring-buffer tuning for the Opus source.
type EngineConfig struct {
	// SampleRate is fixed at 48000 by the spec; the field exists for
	// forward compatibility and is not honored if set to anything else.
	SampleRate int `koanf:"sample_rate"`

	FrameSize int `koanf:"frame_size"` // default 960

	// RingBufferFrames is the mixer ring buffer's capacity expressed as a
	// multiple of FrameSize (960 samples); control.Orchestrator.InitWithConfig
	// rounds RingBufferFrames*FrameSize up to a power of two via
	// ringbuffer.NextPowerOfTwo when sizing the buffer, closing the
	// BUFFER_SIZE=7680 masking flag (default 8 -> 8192, same as the
	// hardcoded capacity this field replaced).
	RingBufferFrames int `koanf:"ring_buffer_frames"`

	// MaxSyncDriftWarnSeconds is the threshold mixer.Mixer.
	// ExceedsSyncDriftWarnThreshold compares MaxSyncDrift against; it does
	// not affect drift compensation itself (that uses its own fixed
	// tolerance), only whether a caller should treat the observed spread
	// as worth surfacing.
	MaxSyncDriftWarnSeconds float64 `koanf:"max_sync_drift_warn_seconds"`
	// SyncIntervalSamples overrides how often (in target-granule samples)
	// the mixer re-evaluates inter-stream drift; wired into mixer.New via
	// mixer.WithSyncIntervalSamples.
	SyncIntervalSamples int `koanf:"sync_interval_samples"`
}

// OscillatorConfig holds sine-oscillator producer defaults.
type OscillatorConfig struct {
	// DefaultFrequencyHz seeds the oscillator's starting tone; wired into
	// source.NewOscillatorWithFrequency by
	// control.Orchestrator.InitWithConfig.
	DefaultFrequencyHz float64 `koanf:"default_frequency_hz"`
	// RingBufferSize is the oscillator ring buffer's capacity, rounded up
	// to a power of two at Init time via ringbuffer.NextPowerOfTwo.
	RingBufferSize int `koanf:"ring_buffer_size"`
}

// Load reads config.toml from the user's XDG config directory, then from
// the current working directory (later wins). Fields left unset stay at
// their zero value; GetEngineConfig and GetOscillatorConfig apply the
// defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	for _, path := range configPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configPaths() []string {
	paths := []string{}

	if p, err := xdg.ConfigFile(filepath.Join(appName, "config.toml")); err == nil {
		paths = append(paths, p)
	}

	paths = append(paths, "config.toml")

	return paths
}

// GetEngineConfig returns the engine configuration with defaults applied.
func (c *Config) GetEngineConfig() EngineConfig {
	cfg := c.Engine

	cfg.SampleRate = 48000 // not configurable; spec fixes output at 48 kHz

	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 960
	}
	if cfg.RingBufferFrames <= 0 {
		cfg.RingBufferFrames = 8
	}
	if cfg.MaxSyncDriftWarnSeconds <= 0 {
		cfg.MaxSyncDriftWarnSeconds = 0.05
	}
	if cfg.SyncIntervalSamples <= 0 {
		cfg.SyncIntervalSamples = 48000
	}

	return cfg
}

// GetOscillatorConfig returns the oscillator configuration with defaults
// applied.
func (c *Config) GetOscillatorConfig() OscillatorConfig {
	cfg := c.Oscillator

	if cfg.DefaultFrequencyHz <= 0 {
		cfg.DefaultFrequencyHz = 440
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4096
	}

	return cfg
}
