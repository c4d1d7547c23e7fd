// Copyright 2023 - 2025 Moxa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error, panic, fatal.
	Level string `toml:"level"`
	// Format is json or console.
	Format string `toml:"format"`
	// Filename is the log file; empty logs to stderr.
	Filename string `toml:"filename"`
	// MaxSize is the max size in MB before the file rotates.
	MaxSize int `toml:"max-size"`
	// MaxDays keeps rotated files for this many days.
	MaxDays int `toml:"max-days"`
	// MaxBackups bounds the number of rotated files.
	MaxBackups int `toml:"max-backups"`
}

// Adjust fills defaults.
func (c *LogConfig) Adjust() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.MaxSize == 0 {
		c.MaxSize = 512
	}
	if c.MaxDays == 0 {
		c.MaxDays = 7
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 10
	}
}

var globalLogger atomic.Pointer[zap.Logger]

func init() {
	logger, _ := zap.NewProduction()
	globalLogger.Store(logger)
}

// Setup builds the global logger from the config. It is called once at
// startup, before any component starts.
func Setup(c LogConfig) error {
	c.Adjust()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if c.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if c.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.Filename,
			MaxSize:    c.MaxSize,
			MaxAge:     c.MaxDays,
			MaxBackups: c.MaxBackups,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, level)
	globalLogger.Store(zap.New(core, zap.AddCaller()))
	return nil
}

// GetLogger returns the global logger.
func GetLogger() *zap.Logger {
	return globalLogger.Load()
}

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }

func Debugf(format string, args ...any) { GetLogger().Sugar().Debugf(format, args...) }
func Infof(format string, args ...any)  { GetLogger().Sugar().Infof(format, args...) }
func Warnf(format string, args ...any)  { GetLogger().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...any) { GetLogger().Sugar().Errorf(format, args...) }
