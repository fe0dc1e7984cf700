package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// InitProduction installs a JSON production logger (called once from main).
func InitProduction() error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// InitDevelopment installs a console-friendly logger.
func InitDevelopment() error {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	// Also replace the zap globals so zap.L()/zap.S() agree with us.
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log returns the installed *zap.Logger, or zap's global (possibly a noop)
// when nothing has been installed yet. Never nil.
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

// S is the sugared variant of Log.
func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

// Sync flushes buffered log entries.
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
