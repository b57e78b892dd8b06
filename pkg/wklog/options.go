package wklog

import "go.uber.org/zap/zapcore"

type Options struct {
	NodeId   uint64
	Level    zapcore.Level
	LogDir   string // 日志目录
	LineNum  bool   // 是否打印行号
	NoStdout bool   // 不输出到控制台
	MaxSize  int    // 单个日志文件大小(MB)
}

func NewOptions() *Options {

	return &Options{
		Level:   zapcore.InfoLevel,
		LogDir:  "logs",
		MaxSize: 500,
	}
}
