// Package log provides module-scoped structured loggers used across the
// gas station, each component getting its own logger tagged with a
// module name via NewModuleLogger.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

// Module identifies the subsystem a logger is scoped to. Kept as a plain
// string rather than an enum: new components register their own module
// name without needing a central registry edited in lockstep.
type Module string

const (
	Storage       Module = "storage"
	Reservation   Module = "reservation"
	Sweeper       Module = "sweeper"
	Initializer   Module = "initializer"
	Coordinator   Module = "coordinator"
	Access        Module = "access"
	UsageCap      Module = "usagecap"
	RPC           Module = "rpc"
	Config        Module = "config"
	Signer        Module = "signer"
	Fullnode      Module = "fullnode"
	Metrics       Module = "metrics"
	CmdGasStation Module = "cmd"
)

// Logger is the narrow logging contract every package depends on. Methods
// take alternating key-value pairs (logger.Error("msg", "key", val, ...)).
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func rootLogger() *zap.Logger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stdout"}
		if os.Getenv("GAS_STATION_DEBUG") != "" {
			cfg = zap.NewDevelopmentConfig()
		}
		l, err := cfg.Build()
		if err != nil {
			// Logging must never be the reason the process fails to start;
			// fall back to a no-op-safe default.
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// NewModuleLogger returns a Logger scoped to module, tagging every line
// with a "module" field.
func NewModuleLogger(module Module) Logger {
	return &zapLogger{s: rootLogger().Sugar().With("module", string(module))}
}

// Sync flushes any buffered log entries; call once at process shutdown.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
