package wklog

import (
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger      *zap.Logger // info/debug
	warnLogger  *zap.Logger
	errorLogger *zap.Logger
	panicLogger *zap.Logger

	atom = zap.NewAtomicLevel()
	opts *Options
	mu   sync.Mutex
)

// Configure 初始化日志，进程启动时调用一次
func Configure(op *Options) {
	mu.Lock()
	defer mu.Unlock()
	configure(op)
}

func configure(op *Options) {
	atom.SetLevel(op.Level)
	opts = op

	loggerOpts := make([]zap.Option, 0)
	if opts.LineNum {
		loggerOpts = append(loggerOpts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	logger = zap.New(newCore("info.log", atom), loggerOpts...)
	warnLogger = zap.New(newCore("warn.log", zap.WarnLevel), loggerOpts...)
	errorLogger = zap.New(newCore("error.log", zap.ErrorLevel), loggerOpts...)
	panicLogger = zap.New(newCore("panic.log", zap.PanicLevel), append(loggerOpts, zap.AddStacktrace(zapcore.PanicLevel))...)
}

func newCore(filename string, level zapcore.LevelEnabler) zapcore.Core {
	writers := make([]zapcore.WriteSyncer, 0, 2)
	if !opts.NoStdout {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 500
	}
	writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
		Filename:   path.Join(opts.LogDir, filename),
		MaxSize:    maxSize, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}))
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(newEncoderConfig()),
		zapcore.NewMultiWriteSyncer(writers...),
		level,
	)
}

func ensure() {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		configure(NewOptions())
	}
}

func Level() zapcore.Level {
	ensure()
	return atom.Level()
}

// SetLevel 运行时调整日志级别
func SetLevel(level zapcore.Level) {
	atom.SetLevel(level)
}

func newEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "linenum",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeName:    zapcore.FullNameEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02T15:04:05.000-07:00"))
		},
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendInt64(int64(d) / 1000000)
		},
	}
}

func Info(msg string, fields ...zap.Field) {
	ensure()
	logger.Info(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	ensure()
	logger.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	ensure()
	warnLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	ensure()
	errorLogger.Error(msg, fields...)
}

func Panic(msg string, fields ...zap.Field) {
	ensure()
	panicLogger.Panic(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	ensure()
	panicLogger.Fatal(msg, fields...)
}

func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return nil
	}
	for name, lg := range map[string]*zap.Logger{
		"panic": panicLogger,
		"error": errorLogger,
		"warn":  warnLogger,
		"info":  logger,
	} {
		if err := lg.Sync(); err != nil {
			fmt.Println(name, "logger sync error", err)
		}
	}
	return nil
}

// Log 组件日志接口，各组件内嵌使用
type Log interface {
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Panic(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
}

// WKLog 带前缀的日志
type WKLog struct {
	prefix string
}

func NewWKLog(prefix string) *WKLog {

	return &WKLog{prefix: prefix}
}

func (t *WKLog) format(msg string) string {
	var b strings.Builder
	b.Grow(len(t.prefix) + len(msg) + 6)
	b.WriteString("【")
	b.WriteString(t.prefix)
	b.WriteString("】")
	b.WriteString(msg)
	return b.String()
}

func (t *WKLog) Info(msg string, fields ...zap.Field) {
	Info(t.format(msg), fields...)
}

func (t *WKLog) Debug(msg string, fields ...zap.Field) {
	Debug(t.format(msg), fields...)
}

func (t *WKLog) Warn(msg string, fields ...zap.Field) {
	Warn(t.format(msg), fields...)
}

func (t *WKLog) Error(msg string, fields ...zap.Field) {
	Error(t.format(msg), fields...)
}

func (t *WKLog) Panic(msg string, fields ...zap.Field) {
	Panic(t.format(msg), fields...)
}

func (t *WKLog) Fatal(msg string, fields ...zap.Field) {
	Fatal(t.format(msg), fields...)
}
