package exekutor

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogConfig configures the optional rotating-file sink a Worker's
// logger can write to alongside stderr, mirroring the rotation/retention
// knobs of a typical production logging tier (spec §9 "Logging").
type FileLogConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger builds the zap logger a Worker uses for all of its own and its
// subcomponents' structured logging. When file is nil it returns a plain
// stderr JSON logger; when set, a rotating lumberjack sink is teed in
// alongside stderr so long-running workers don't lose history to terminal
// scrollback.
func NewLogger(file *FileLogConfig) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	stderrCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zap.InfoLevel)
	if file == nil {
		return zap.New(stderrCore, zap.AddCaller()), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    orDefault(file.MaxSizeMB, 100),
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}
	fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rotator), zap.InfoLevel)

	return zap.New(zapcore.NewTee(stderrCore, fileCore), zap.AddCaller()), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
