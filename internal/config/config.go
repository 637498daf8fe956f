// Package config loads the YAML device configuration, following the
// same nested-struct-plus-defaults pattern used throughout this
// codebase's other configuration loaders.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"amdtpd/internal/amdtp"
)

// PortSpec describes one port to register at startup.
type PortSpec struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"` // "capture" | "playback"
	Type      string `yaml:"type"`      // "audio" | "midi" | "control"
	Encoding  string `yaml:"encoding"`  // "int24" | "float" | "midi_byte"
	Location  int    `yaml:"location"`
}

// yamlConfig mirrors the on-disk YAML shape; Config is the flat,
// validated, typed form the rest of the engine consumes.
type yamlConfig struct {
	PortIndex    int             `yaml:"port_index"`
	NodeID       int             `yaml:"node_id"`
	SampleRate   int             `yaml:"sample_rate"`
	Channels     int             `yaml:"channels"`
	Period       int             `yaml:"period"`
	NbBuffers    int             `yaml:"nb_buffers"`
	StartTimeout string          `yaml:"start_timeout"`
	StopTimeout  string          `yaml:"stop_timeout"`
	Ports        []PortSpec      `yaml:"ports"`
	Xrun         xrunYAML        `yaml:"xrun_recovery"`
}

type xrunYAML struct {
	AutoRecover bool `yaml:"auto_recover"`
	MaxRetries  int  `yaml:"max_retries"`
}

// Config is the validated, typed configuration this engine runs with.
type Config struct {
	PortIndex    int
	NodeID       uint8
	SampleRate   amdtp.Rate
	Channels     int
	Period       int
	NbBuffers    int
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Ports        []PortSpec
	AutoRecover  bool
	MaxRetries   int
}

// defaults mirrors this codebase's other config loaders: sane values
// pre-populated, then overridden by whatever the YAML file specifies.
func defaults() yamlConfig {
	return yamlConfig{
		PortIndex:    0,
		NodeID:       0,
		Channels:     2,
		Period:       1024,
		NbBuffers:    3,
		StartTimeout: "2s",
		StopTimeout:  "2s",
		Xrun:         xrunYAML{AutoRecover: true, MaxRetries: 3},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	y := defaults()
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if y.SampleRate == 0 {
		return Config{}, errors.New("config: sample_rate is required")
	}
	if _, ok := amdtp.SytInterval(amdtp.Rate(y.SampleRate)); !ok {
		return Config{}, fmt.Errorf("config: unsupported sample_rate %d", y.SampleRate)
	}
	if y.Channels <= 0 {
		return Config{}, errors.New("config: channels must be > 0")
	}
	if y.Period <= 0 {
		return Config{}, errors.New("config: period must be > 0")
	}
	if y.NbBuffers <= 0 {
		return Config{}, errors.New("config: nb_buffers must be > 0")
	}

	startTimeout, err := time.ParseDuration(y.StartTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("config: start_timeout: %w", err)
	}
	stopTimeout, err := time.ParseDuration(y.StopTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("config: stop_timeout: %w", err)
	}

	return Config{
		PortIndex:    y.PortIndex,
		NodeID:       uint8(y.NodeID),
		SampleRate:   amdtp.Rate(y.SampleRate),
		Channels:     y.Channels,
		Period:       y.Period,
		NbBuffers:    y.NbBuffers,
		StartTimeout: startTimeout,
		StopTimeout:  stopTimeout,
		Ports:        y.Ports,
		AutoRecover:  y.Xrun.AutoRecover,
		MaxRetries:   y.Xrun.MaxRetries,
	}, nil
}
