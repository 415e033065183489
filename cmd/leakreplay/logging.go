package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// buildLogger constructs the CLI's logger: console encoding to stderr,
// or to a size-rotated file when path is non-empty. The returned
// closer flushes buffered entries.
func buildLogger(path string) (*zap.Logger, func(), error) {
	encCfg := zap.NewDevelopmentEncoderConfig()
	enc := zapcore.NewConsoleEncoder(encCfg)

	var sink zapcore.WriteSyncer
	if path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    64, // MiB per file
			MaxBackups: 4,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, zapcore.DebugLevel)
	logger := zap.New(core)
	return logger, func() { _ = logger.Sync() }, nil
}
