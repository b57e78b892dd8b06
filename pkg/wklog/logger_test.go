package wklog_test

import (
	"testing"

	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLogger(t *testing.T) {
	opts := wklog.NewOptions()
	opts.Level = zap.DebugLevel
	opts.LineNum = true
	opts.NoStdout = true
	opts.LogDir = t.TempDir()
	wklog.Configure(opts)

	wklog.Info("this is info")
	wklog.Debug("this is debug")
	wklog.Error("this is error", zap.String("key", "value"))
	assert.Equal(t, zap.DebugLevel, wklog.Level())

	lg := wklog.NewWKLog("Test")
	lg.Warn("prefixed warn", zap.Int("n", 1))
	assert.NoError(t, wklog.Sync())
}

func TestPanicLogs(t *testing.T) {
	opts := wklog.NewOptions()
	opts.NoStdout = true
	opts.LogDir = t.TempDir()
	wklog.Configure(opts)

	assert.Panics(t, func() {
		wklog.NewWKLog("Test").Panic("boom")
	})
}
