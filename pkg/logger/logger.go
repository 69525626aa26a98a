package logger

import (
	"io"
	"os"
	"strings"

	"quiz_sync_backend/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log 在 InitLogger 之前是 no-op，测试中可直接使用
var Log = zap.NewNop()

// level 被所有输出共享，SetLevel 可在运行期调整
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	return enc
}

// InitLogger 文件输出 JSON（lumberjack 滚动），终端输出按 log.format 选择编码
func InitLogger(cfg *config.Config) {
	SetLevel(levelName(cfg))

	var cores []zapcore.Core
	if cfg.Log.File != "" {
		rolling := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rolling), level))
	}
	cores = append(cores, consoleCore(cfg.Log.Format, os.Stdout))

	Log = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

func consoleCore(format string, w io.Writer) zapcore.Core {
	enc := encoderConfig()
	if format == "json" {
		return zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), level)
	}
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
}

// debug 模式下未显式配置级别时使用 debug
func levelName(cfg *config.Config) string {
	if cfg.Log.Level == "" && cfg.Server.Mode == "debug" {
		return "debug"
	}
	return cfg.Log.Level
}

// SetLevel 无法识别的级别按 info 处理
func SetLevel(name string) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)
}

// Level 当前生效的日志级别
func Level() zapcore.Level {
	return level.Level()
}

// NewConsole 供命令行工具使用，只输出到终端
func NewConsole(debug bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableStacktrace = true
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
