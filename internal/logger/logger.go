package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 日志参数
type Options struct {
	Dir   string
	Level string
	// Name 日志文件名前缀，默认 sessionbot
	Name string
	// Console 为空时输出到标准输出
	Console io.Writer
}

// Logger 封装zap日志器，Close 时关闭日志文件
type Logger struct {
	*zap.Logger
	files []*os.File
}

// NewLogger 创建日志：控制台、JSON 全量文件、JSON 错误文件
func NewLogger(opts Options) (*Logger, error) {
	if opts.Name == "" {
		opts.Name = "sessionbot"
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	// 确保日志目录存在
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	// 解析日志级别
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	l := &Logger{}
	logFile, err := l.open(filepath.Join(opts.Dir, opts.Name+".log"))
	if err != nil {
		return nil, err
	}
	errorFile, err := l.open(filepath.Join(opts.Dir, opts.Name+"_error.log"))
	if err != nil {
		l.closeFiles()
		return nil, err
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(opts.Console), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(errorFile), zapcore.ErrorLevel),
	)

	l.Logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func (l *Logger) open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败 %s: %w", path, err)
	}
	l.files = append(l.files, f)
	return f, nil
}

func (l *Logger) closeFiles() {
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = nil
}

// Close 刷新缓冲并关闭日志文件
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	l.closeFiles()
	return nil
}
