package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger writes through a zap.Logger.
type ZapLogger struct {
	log *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a production JSON logger named "x402". Unknown levels
// fall back to info.
func NewZapLogger(level string) Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		return NoopLogger{}
	}
	return &ZapLogger{log: log.Named("x402")}
}

// FromZap wraps an existing zap logger.
func FromZap(log *zap.Logger) Logger {
	if log == nil {
		return NoopLogger{}
	}
	return &ZapLogger{log: log}
}

func (z *ZapLogger) Debug(msg string, fields map[string]any) { z.write(zapcore.DebugLevel, msg, fields) }
func (z *ZapLogger) Info(msg string, fields map[string]any)  { z.write(zapcore.InfoLevel, msg, fields) }
func (z *ZapLogger) Warn(msg string, fields map[string]any)  { z.write(zapcore.WarnLevel, msg, fields) }
func (z *ZapLogger) Error(msg string, fields map[string]any) { z.write(zapcore.ErrorLevel, msg, fields) }

func (z *ZapLogger) write(lvl zapcore.Level, msg string, fields map[string]any) {
	if ce := z.log.Check(lvl, msg); ce != nil {
		ce.Write(zapFields(fields)...)
	}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.log.Sync()
}

func zapFields(m map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case error:
			fields = append(fields, zap.NamedError(k, v))
		case string:
			fields = append(fields, zap.String(k, v))
		default:
			fields = append(fields, zap.Any(k, v))
		}
	}
	return fields
}
