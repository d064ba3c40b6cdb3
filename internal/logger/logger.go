package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// TraceIDKey is the context key carrying a trace id into log lines.
type traceKey struct{}

var TraceIDKey = traceKey{}

// Log is the process-wide logger. It is a no-op until Init is called.
var Log = zap.NewNop()

// Options controls where and how much is logged.
type Options struct {
	Service    string
	Level      string
	File       string // empty means stdout only
	MaxSizeMB  int
	MaxAgeDays int
}

// Init builds the global logger. Output always goes to stdout; when File is
// set it is also written to a rotating file.
func Init(opts Options) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  maxSize,
			MaxAge:   opts.MaxAgeDays,
			Compress: true,
		}))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(syncers...),
		level,
	)

	// skip 1 so the caller points at the code using the helpers below
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.Service != "" {
		Log = Log.With(zap.String("service", opts.Service))
	}
}

// WithTrace returns a context whose log lines carry the given trace id.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withTrace(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withTrace(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withTrace(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withTrace(ctx, fields)...)
}

// Fatal logs and exits the process.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withTrace(ctx, fields)...)
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if id, ok := ctx.Value(TraceIDKey).(string); ok && id != "" {
		return append(fields, zap.String("trace_id", id))
	}
	return fields
}

// Sync flushes buffered entries. Call it from main before exit.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
