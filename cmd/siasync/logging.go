package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/siasync/siasync/internal/utils"
)

const (
	logMaxSizeMB  = 20
	logMaxBackups = 5
	logMaxAgeDays = 14
	logTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

func newConsoleHandler(level slog.Level) slog.Handler {
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: logTimeFormat,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
}

func setupConsoleLogging(level slog.Level) {
	slog.SetDefault(slog.New(newConsoleHandler(level)))
}

// setupFileLogging logs to the console and to a rotating file. The returned
// func flushes and closes the file.
func setupFileLogging(logFile string, level slog.Level) (func(), error) {
	if err := utils.EnsureDir(filepath.Dir(logFile)); err != nil {
		return nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   true,
	}
	logInterceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	multiLogHandler := utils.NewMultiLogHandler(newConsoleHandler(level), fileHandler)
	slog.SetDefault(slog.New(multiLogHandler))

	return func() {
		logInterceptor.Close()
		rotator.Close()
	}, nil
}
