package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

func Init(level string, env string) error {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return err
	}

	Log = logger
	return nil
}

func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// WithCallContext annotates base with the call and stream identifiers of a
// Session Bridge run, so every log line it emits can be correlated back to
// the call without the caller repeating the fields at every call site.
// Either id may be empty before the Telco start frame has arrived.
func WithCallContext(base *zap.Logger, callID, streamID string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	var fields []zap.Field
	if callID != "" {
		fields = append(fields, zap.String("call_id", callID))
	}
	if streamID != "" {
		fields = append(fields, zap.String("stream_id", streamID))
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
