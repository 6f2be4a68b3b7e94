// Copyright 2025 LiveKit, Inc.
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

package logger

import (
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`  // production encoder when true, console otherwise

	// optional rotating file output, in addition to stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
	WithName(name string) Logger
}

var (
	mu            sync.RWMutex
	defaultLogger Logger = &logrLogger{l: logr.Discard()}
)

// Init builds a zap logger from conf and installs it as the package default.
func Init(conf *Config, name string, keysAndValues ...interface{}) error {
	zl, err := NewZapLogger(conf)
	if err != nil {
		return err
	}
	SetLogger(zapr.NewLogger(zl).WithValues(keysAndValues...), name)
	return nil
}

func NewZapLogger(conf *Config) (*zap.Logger, error) {
	if conf == nil {
		conf = &Config{Level: "info"}
	}

	lvl := zapcore.InfoLevel
	if conf.Level != "" {
		if err := lvl.UnmarshalText([]byte(conf.Level)); err != nil {
			return nil, err
		}
	}
	level := zap.NewAtomicLevelAt(lvl)

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if conf.JSON {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if conf.File != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
		})
		// files are always JSON so they can be shipped
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), w, level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// SetLogger installs l as the package default. Only pass in logr.Logger with default depth.
func SetLogger(l logr.Logger, name string) {
	mu.Lock()
	defaultLogger = &logrLogger{l: l.WithName(name).WithCallDepth(1)}
	mu.Unlock()
}

func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func Debugw(msg string, keysAndValues ...interface{}) {
	GetLogger().Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	GetLogger().Infow(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	GetLogger().Warnw(msg, err, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	GetLogger().Errorw(msg, err, keysAndValues...)
}

type logrLogger struct {
	l logr.Logger
}

func (l *logrLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.l.V(1).Info(msg, keysAndValues...)
}

func (l *logrLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.l.Info(msg, keysAndValues...)
}

// logr has no warn level, so warnings are info entries carrying the error
func (l *logrLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append([]interface{}{"error", err}, keysAndValues...)
	}
	l.l.Info(msg, keysAndValues...)
}

func (l *logrLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	l.l.Error(err, msg, keysAndValues...)
}

func (l *logrLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &logrLogger{l: l.l.WithValues(keysAndValues...)}
}

func (l *logrLogger) WithName(name string) Logger {
	return &logrLogger{l: l.l.WithName(name)}
}
