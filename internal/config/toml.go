// Package config provides configuration helpers and TOML parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file.
type FileConfig struct {
	Serial  SerialConfig  `toml:"serial"`
	Camera  CameraConfig  `toml:"camera"`
	Robot   RobotConfig   `toml:"robot"`
	Acquire AcquireConfig `toml:"acquire"`
	Replay  ReplayConfig  `toml:"replay"`
	Log     LogConfig     `toml:"log"`
}

// SerialConfig maps sensor stream settings.
type SerialConfig struct {
	Port          *string   `toml:"port"`
	Baud          *int      `toml:"baud"`
	Fields        []string  `toml:"fields"`
	PollInterval  *Duration `toml:"poll-interval"`
	ResetWait     *Duration `toml:"reset-wait"`
	SettleWait    *Duration `toml:"settle-wait"`
	CorruptionMax *float64  `toml:"corruption-warn-ratio"`
}

// CameraConfig maps camera settings.
type CameraConfig struct {
	Driver  *string   `toml:"driver"`
	FPS     *float64  `toml:"fps"`
	Timeout *Duration `toml:"timeout"`
	Width   *int      `toml:"width"`
	Height  *int      `toml:"height"`
}

// RobotConfig maps motion controller settings.
type RobotConfig struct {
	Driver   *string `toml:"driver"`
	Sequence *string `toml:"sequence"`
}

// AcquireConfig maps run coordination settings.
type AcquireConfig struct {
	SessionsDir *string   `toml:"sessions-dir"`
	SettleDelay *Duration `toml:"settle-delay"`
	Replay      *bool     `toml:"replay"`
}

// ReplayConfig maps scrubber settings.
type ReplayConfig struct {
	Step *float64 `toml:"step"`
}

// LogConfig maps logging settings.
type LogConfig struct {
	Level *string `toml:"level"`
	File  *string `toml:"file"`
}

// Duration is a time.Duration decoded from a TOML string such as "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// LoadConfig reads a TOML config from the given path. Missing file is not an error.
func LoadConfig(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}
