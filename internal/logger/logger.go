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

// Package logger provides the process-wide severity logger. The default
// logger writes text to stderr at INFO; Init reconfigures it from the
// user's config, optionally routing output to a rotated log file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog.LevelDebug; slog has no native TRACE.
const LevelTrace = slog.Level(-8)

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, "text"))
)

// A FileConfig says where and how to write a rotated log file.
type FileConfig struct {
	// Path of the log file. Empty means log to stderr.
	Path string

	// Rotation knobs, in the units of lumberjack.
	MaxSizeMb   int
	BackupCount int
}

// Init replaces the default logger according to the given severity
// ("trace", "debug", "info", "warning", "error", "off"), format ("text" or
// "json") and file config.
func Init(severity string, format string, file FileConfig) error {
	var w io.Writer = os.Stderr
	if file.Path != "" {
		w = &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMb,
			MaxBackups: file.BackupCount,
		}
	}

	if err := setLoggingLevel(severity); err != nil {
		return err
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported log format: %q", format)
	}

	defaultLogger = slog.New(newHandler(w, format))
	return nil
}

func setLoggingLevel(severity string) error {
	switch strings.ToLower(severity) {
	case "trace":
		programLevel.Set(LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info":
		programLevel.Set(slog.LevelInfo)
	case "warning":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	case "off":
		programLevel.Set(slog.LevelError + 4)
	default:
		return fmt.Errorf("unsupported log severity: %q", severity)
	}
	return nil
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       programLevel,
		ReplaceAttr: renameSeverity,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// renameSeverity maps slog's level attribute to the severity names the rest
// of our tooling expects, including the custom TRACE level.
func renameSeverity(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	a.Key = "severity"
	switch a.Value.Any().(slog.Level) {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case slog.LevelDebug:
		a.Value = slog.StringValue("DEBUG")
	case slog.LevelInfo:
		a.Value = slog.StringValue("INFO")
	case slog.LevelWarn:
		a.Value = slog.StringValue("WARNING")
	case slog.LevelError:
		a.Value = slog.StringValue("ERROR")
	}
	return a
}

func logf(level slog.Level, format string, v ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) {
	logf(LevelTrace, format, v...)
}

func Debugf(format string, v ...any) {
	logf(slog.LevelDebug, format, v...)
}

func Infof(format string, v ...any) {
	logf(slog.LevelInfo, format, v...)
}

func Warnf(format string, v ...any) {
	logf(slog.LevelWarn, format, v...)
}

func Errorf(format string, v ...any) {
	logf(slog.LevelError, format, v...)
}
