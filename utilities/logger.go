/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package utilities

import (
	"fmt"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	consoleEncoding = "console"
	defaultEncoding = "json"

	fileOutput      = "file"
	defaultLogFile  = "/var/log/cqlexec/output.log"
	defaultMaxAge   = 3
	defaultBackups  = 10
	defaultLogLevel = "info"
)

type LoggerConfig struct {
	OutputType string `yaml:"outputType"`
	Filename   string `yaml:"fileName"`
	MaxSize    int    `yaml:"maxSize"`    // megabytes
	MaxBackups int    `yaml:"maxBackups"` // rotated files kept
	MaxAge     int    `yaml:"maxAge"`     // days
	Compress   bool   `yaml:"compress"`
	Encoding   string `yaml:"encoding"`
}

// SetupLogger builds a zap.Logger at logLevel. A config with OutputType "file"
// writes rotated files through lumberjack, anything else logs to stderr so
// that stdout only carries query results.
func SetupLogger(logLevel string, loggerConfig *LoggerConfig) (*zap.Logger, error) {
	level, err := getLogLevel(logLevel)
	if err != nil {
		return nil, err
	}

	if loggerConfig != nil && loggerConfig.OutputType == fileOutput {
		return setupFileLogger(level, loggerConfig), nil
	}

	encoding := defaultEncoding
	if loggerConfig != nil {
		encoding = defaultIfEmpty(loggerConfig.Encoding, defaultEncoding)
	}
	return setupConsoleLogger(level, encoding)
}

// getLogLevel accepts "debug", "info", "warn" and "error". An empty level
// means info.
func getLogLevel(logLevel string) (zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	switch defaultIfEmpty(logLevel, defaultLogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		return level, fmt.Errorf("unsupported log level %q", logLevel)
	}
	return level, nil
}

func setupFileLogger(level zap.AtomicLevel, loggerConfig *LoggerConfig) *zap.Logger {
	rotationalLogger := &lumberjack.Logger{
		Filename:   defaultIfEmpty(loggerConfig.Filename, defaultLogFile),
		MaxSize:    loggerConfig.MaxSize, // lumberjack defaults to 100MB
		MaxAge:     defaultIfZero(loggerConfig.MaxAge, defaultMaxAge),
		MaxBackups: defaultIfZero(loggerConfig.MaxBackups, defaultBackups),
		Compress:   loggerConfig.Compress,
	}

	cfg := encoderConfig()
	var encoder zapcore.Encoder
	if loggerConfig.Encoding == consoleEncoding {
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		encoder = zapcore.NewJSONEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(rotationalLogger), level))
}

func setupConsoleLogger(level zap.AtomicLevel, encoding string) (*zap.Logger, error) {
	config := zap.Config{
		Encoding:         encoding,
		Level:            level,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderConfig(),
	}
	return config.Build()
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		CallerKey:      "caller",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func defaultIfEmpty(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func defaultIfZero(value, defaultValue int) int {
	if value == 0 {
		return defaultValue
	}
	return value
}
