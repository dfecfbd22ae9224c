// Package log builds the process logger: zap underneath, logr on top.
// Components never import zap directly; they take a logr.Logger.
package log

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options contains configuration settings for the logger.
type Options struct {
	// Name is added to every entry as the logger name.
	Name string

	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Format is "console" or "json".
	Format string

	EnableColor   bool
	DisableCaller bool

	// OutputPaths defaults to stderr so command output on stdout stays clean.
	OutputPaths []string
}

// NewOptions returns Options with default values.
func NewOptions() *Options {
	return &Options{
		Name:        "winkctl",
		Level:       "info",
		Format:      "console",
		EnableColor: true,
		OutputPaths: []string{"stderr"},
	}
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log-level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log-format", o.Format, "Log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log-color", o.EnableColor, "Colorize console log levels.")
	fs.StringSliceVar(&o.OutputPaths, "log-output", o.OutputPaths, "Log output paths (e.g. 'stderr', '/var/log/winkctl.log').")
}

// New builds a logger from opts. The returned function flushes buffered
// entries and should be deferred by the caller.
func New(opts *Options) (logr.Logger, func(), error) {
	if opts == nil {
		opts = NewOptions()
	}

	encoderConfig := zapcore.EncoderConfig{
		MessageKey:    "message",
		LevelKey:      "level",
		TimeKey:       "timestamp",
		NameKey:       "logger",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendFloat64(float64(d) / float64(time.Millisecond))
		},
	}
	if opts.Format == "console" && opts.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	format := opts.Format
	if format != "json" {
		format = "console"
	}

	outputPaths := opts.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	cfg := zap.Config{
		DisableCaller:    opts.DisableCaller,
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	core, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("log: build zap logger: %w", err)
	}
	if opts.Name != "" {
		core = core.Named(opts.Name)
	}

	flush := func() { _ = core.Sync() }
	return zapr.NewLogger(core), flush, nil
}
