package resolver

import (
	"errors"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the resolver's structured logging sink (Component
// L). Adapted from treemana-godot/log.Config, renamed to this package's
// vocabulary; unlike the teacher's package-level Logger/Sugar vars, this
// wraps the zap logger in a value owned by one Resolver, since a process
// may run more than one Resolver with different logging destinations.
type LogConfig struct {
	Stdout     bool
	File       string
	Level      zapcore.Level
	MaxAgeDays int
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
	JSON       bool
}

// DefaultLogConfig logs at Warn level to stdout only — quiet enough for a
// library default, loud enough to surface server retirement and malformed
// responses.
func DefaultLogConfig() LogConfig {
	return LogConfig{Stdout: true, Level: zapcore.WarnLevel}
}

type rlog struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func newRlog(cfg LogConfig) (*rlog, error) {
	var writers []zapcore.WriteSyncer
	if cfg.File != "" {
		hook := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		writers = append(writers, zapcore.AddSync(hook))
	}
	if cfg.Stdout {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if len(writers) == 0 {
		return nil, errors.New("resolver: LogConfig needs at least one of Stdout or File")
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var enc zapcore.Encoder
	if cfg.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	logger := zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(writers...), cfg.Level), zap.AddCaller())
	return &rlog{logger: logger, sugar: logger.Sugar()}, nil
}

func (l *rlog) Debugw(msg string, kv ...interface{}) {
	if l != nil {
		l.sugar.Debugw(msg, kv...)
	}
}

func (l *rlog) Warnw(msg string, kv ...interface{}) {
	if l != nil {
		l.sugar.Warnw(msg, kv...)
	}
}

func (l *rlog) Sync() {
	if l != nil {
		_ = l.logger.Sync()
	}
}
