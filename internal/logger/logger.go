// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides groot's structured logging surface: a small
// severity hierarchy on top of log/slog, with an optional rotated log
// file via lumberjack when the coordinator is asked to log to disk
// instead of stderr.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, named the way the command-line debug flag and the
// GROOT_LOG_FORMAT/level knobs refer to them.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// slog has no built-in TRACE level; groot defines one a notch below Debug,
// and keeps the rest aligned to slog's own scale.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(math_MaxInt)
)

// math.MaxInt inlined to avoid importing math for a single constant used
// only to push the level threshold above anything slog will ever emit.
const math_MaxInt = 1<<63 - 1

// LogRotateConfig controls how a log file handed to InitLogFile is rotated.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig mirrors the rotation defaults used when the
// coordinator is not given explicit overrides.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// LogConfig is the legacy-shaped config carried alongside LoggingConfig;
// groot keeps both parameters on InitLogFile to mirror the two-phase
// config migration the logging package was grounded on.
type LogConfig struct {
	LogRotateConfig LogRotateConfig
}

// LoggingConfig is the resolved configuration for where and how groot logs.
type LoggingConfig struct {
	FilePath string
	Severity string
	Format   string
}

type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	format          string
	level           string
	logRotateConfig LogRotateConfig
}

var defaultLoggerFactory = &loggerFactory{
	level:           INFO,
	format:          "text",
	logRotateConfig: DefaultLogRotateConfig(),
}

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, toLevelVar(INFO), ""),
)

func toLevelVar(level string) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(level, v)
	return v
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case TRACE:
		programLevel.Set(LevelTrace)
	case DEBUG:
		programLevel.Set(LevelDebug)
	case INFO:
		programLevel.Set(LevelInfo)
	case WARNING:
		programLevel.Set(LevelWarn)
	case ERROR:
		programLevel.Set(LevelError)
	case OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

type jsonRecord struct {
	Timestamp struct {
		Seconds int64 `json:"seconds"`
		Nanos   int64 `json:"nanos"`
	} `json:"timestamp"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// textOrJSONHandler is a minimal slog.Handler emitting exactly the two
// wire formats groot's operators expect: a human `key="value"` text line,
// or a single-object JSON line. Neither format carries slog attributes;
// groot's call sites only ever pass a formatted message.
type textOrJSONHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
	json   bool
}

func (h *textOrJSONHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textOrJSONHandler) Handle(_ context.Context, r slog.Record) error {
	sev := severityName(r.Level)
	msg := h.prefix + r.Message
	if h.json {
		var rec jsonRecord
		rec.Timestamp.Seconds = r.Time.Unix()
		rec.Timestamp.Nanos = int64(r.Time.Nanosecond())
		rec.Severity = sev
		rec.Message = msg
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(h.w, string(b))
		return err
	}
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n", r.Time.Format("2006/01/02 15:04:05.000000"), sev, msg)
	return err
}

// severityName maps a level back to its name. groot only ever logs at its
// five named severities, so an exact match always succeeds; anything else
// is rounded up to the next defined severity.
func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return TRACE
	case l <= LevelDebug:
		return DEBUG
	case l <= LevelInfo:
		return INFO
	case l <= LevelWarn:
		return WARNING
	default:
		return ERROR
	}
}

func (h *textOrJSONHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textOrJSONHandler) WithGroup(_ string) slog.Handler      { return h }

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return &textOrJSONHandler{w: w, level: level, prefix: prefix, json: f.format == "json" || f.format == ""}
}

// SetLogFormat switches the default logger's wire format: "json" and ""
// select JSON, any other value selects text.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuildDefaultLogger()
}

// SetLogLevel changes the default logger's minimum severity, e.g. in
// response to -d raising it to DEBUG.
func SetLogLevel(level string) {
	defaultLoggerFactory.level = level
	rebuildDefaultLogger()
}

func rebuildDefaultLogger() {
	var w io.Writer = os.Stderr
	if defaultLoggerFactory.sysWriter != nil {
		w = defaultLoggerFactory.sysWriter
	}
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(w, toLevelVar(defaultLoggerFactory.level), ""),
	)
}

// InitLogFile points the default logger at a rotated file on disk instead
// of stderr, using legacyLogConfig's rotation knobs layered under
// newLogConfig's resolved path/severity/format.
func InitLogFile(legacyLogConfig LogConfig, newLogConfig LoggingConfig) error {
	f, err := os.OpenFile(newLogConfig.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	defaultLoggerFactory = &loggerFactory{
		file:            f,
		format:          newLogConfig.Format,
		level:           newLogConfig.Severity,
		logRotateConfig: legacyLogConfig.LogRotateConfig,
	}

	lj := &lumberjack.Logger{
		Filename:   newLogConfig.FilePath,
		MaxSize:    legacyLogConfig.LogRotateConfig.MaxFileSizeMB,
		MaxBackups: legacyLogConfig.LogRotateConfig.BackupFileCount,
		Compress:   legacyLogConfig.LogRotateConfig.Compress,
	}
	async := NewAsyncLogger(lj, 1024)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(async, toLevelVar(newLogConfig.Severity), ""),
	)
	return nil
}

// Tracef logs at groot's most verbose level.
func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }

// Debugf logs internal state useful while debugging a wrap session.
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }

// Infof logs routine coordinator/helper milestones.
func Infof(format string, args ...any) { logf(LevelInfo, format, args...) }

// Warnf logs a recoverable condition, such as a missing sub-ID allocation.
func Warnf(format string, args ...any) { logf(LevelWarn, format, args...) }

// Errorf logs a failure the caller is about to propagate or abort on.
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func logf(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}
