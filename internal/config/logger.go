package config

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

func InitLogger(cfg *LogConfig) *logrus.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetReportCaller(true)

	// 文件:行号
	caller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", f.File, f.Line)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: caller,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006/01/02 15:04:05",
			CallerPrettyfier: caller,
		})
	}

	logger.SetOutput(out)
	return logger
}
