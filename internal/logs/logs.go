// Copyright 2025 Navtrace Systems
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

package logs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/navtrace/navtrace/internal/version"
)

// StructuredLogger is the logging surface handed to every subsystem. Loggers
// are value types; With derives a child logger carrying extra key/value pairs.
type StructuredLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	With(keysAndValues ...any) StructuredLogger
	Sync() error
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

// New writes JSON log lines to the given file path. Falls back to Default on
// any setup error so a bad -log flag never prevents startup.
func New(file string) *ZapStructuredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.OutputPaths = []string{file}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return Default()
	}
	return &ZapStructuredLogger{
		logger: logger.Sugar().With(zap.String("navtrace-version", version.Version)),
	}
}

// Default logs JSON to stderr.
func Default() *ZapStructuredLogger {
	logger, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		return DiscardLogger()
	}
	return &ZapStructuredLogger{
		logger: logger.Sugar().With(zap.String("navtrace-version", version.Version)),
	}
}

// DiscardLogger buffers entries in memory; used by tests.
func DiscardLogger() *ZapStructuredLogger {
	observedCore, _ := observer.New(zap.InfoLevel)
	return &ZapStructuredLogger{logger: zap.New(observedCore).Sugar()}
}

func (f *ZapStructuredLogger) Debugf(format string, v ...any) { f.logger.Debugf(format, v...) }
func (f *ZapStructuredLogger) Infof(format string, v ...any)  { f.logger.Infof(format, v...) }
func (f *ZapStructuredLogger) Warnf(format string, v ...any)  { f.logger.Warnf(format, v...) }
func (f *ZapStructuredLogger) Errorf(format string, v ...any) { f.logger.Errorf(format, v...) }

func (f *ZapStructuredLogger) With(keysAndValues ...any) StructuredLogger {
	return &ZapStructuredLogger{logger: f.logger.With(keysAndValues...)}
}

func (f *ZapStructuredLogger) Sync() error {
	return f.logger.Sync()
}
