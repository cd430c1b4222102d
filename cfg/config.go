// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg defines the user-facing configuration, its defaults and its
// validation. Values come from flags or a YAML config file; both funnel
// through viper into Config.
package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type CacheConfig struct {
	// Number of buffer-cache slots.
	SlotCount int `mapstructure:"slot-count"`

	// Seconds between periodic write-backs of dirty slots. Zero disables
	// the flush daemon.
	FlushIntervalSecs int `mapstructure:"flush-interval-secs"`
}

type LoggingConfig struct {
	// One of: trace, debug, info, warning, error, off.
	Severity string `mapstructure:"severity"`

	// One of: text, json.
	Format string `mapstructure:"format"`

	// Log file path. Empty logs to stderr.
	FilePath string `mapstructure:"file-path"`

	LogRotate LogRotateConfig `mapstructure:"log-rotate"`
}

type LogRotateConfig struct {
	MaxFileSizeMb   int `mapstructure:"max-file-size-mb"`
	BackupFileCount int `mapstructure:"backup-file-count"`
}

type MetricsConfig struct {
	// Register prometheus counters for the buffer cache.
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BindFlags declares the flags mirroring the config file and binds them to
// viper keys, so flags override file values.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.Int("cache-slot-count", 64, "Number of buffer-cache slots.")
	flagSet.Int("cache-flush-interval-secs", 20,
		"Seconds between periodic flushes of dirty cache slots. 0 disables the flush daemon.")
	flagSet.String("log-severity", "info",
		"Log severity: trace, debug, info, warning, error or off.")
	flagSet.String("log-format", "text", "Log format: text or json.")
	flagSet.String("log-file", "", "Log file path. Empty logs to stderr.")
	flagSet.Int("log-rotate-max-file-size-mb", 512, "Rotate the log file past this size.")
	flagSet.Int("log-rotate-backup-file-count", 10,
		"Rotated log files to keep. 0 keeps all of them.")
	flagSet.Bool("metrics-enabled", false, "Register prometheus counters for the buffer cache.")

	for key, flag := range map[string]string{
		"cache.slot-count":                     "cache-slot-count",
		"cache.flush-interval-secs":            "cache-flush-interval-secs",
		"logging.severity":                     "log-severity",
		"logging.format":                       "log-format",
		"logging.file-path":                    "log-file",
		"logging.log-rotate.max-file-size-mb":  "log-rotate-max-file-size-mb",
		"logging.log-rotate.backup-file-count": "log-rotate-backup-file-count",
		"metrics.enabled":                      "metrics-enabled",
	} {
		if err := viper.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

// Validate rejects configs the rest of the system would choke on.
func Validate(c *Config) error {
	if c.Cache.SlotCount < 1 {
		return fmt.Errorf("cache slot-count must be at least 1, got %d", c.Cache.SlotCount)
	}
	if c.Cache.FlushIntervalSecs < 0 {
		return fmt.Errorf("cache flush-interval-secs must not be negative, got %d",
			c.Cache.FlushIntervalSecs)
	}

	switch c.Logging.Severity {
	case "trace", "debug", "info", "warning", "error", "off":
	default:
		return fmt.Errorf("unsupported log severity: %q", c.Logging.Severity)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %q", c.Logging.Format)
	}

	if c.Logging.LogRotate.MaxFileSizeMb < 1 {
		return fmt.Errorf("log-rotate max-file-size-mb must be at least 1")
	}
	if c.Logging.LogRotate.BackupFileCount < 0 {
		return fmt.Errorf("log-rotate backup-file-count must not be negative")
	}

	return nil
}
