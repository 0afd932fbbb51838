package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	deviceName     string
	deviceNameOnce sync.Once

	loggerMu sync.RWMutex
	sugar    *zap.SugaredLogger
)

// SetDeviceName fixes the device identity attached to every log line. It
// only has an effect before the first log call.
func SetDeviceName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	deviceNameOnce.Do(func() {
		deviceName = name
	})
}

// GetDeviceName returns the unique name for this device
func GetDeviceName() string {
	deviceNameOnce.Do(func() {
		// DEVICE_NAME first (allows a fixed name), then HOSTNAME, then os.Hostname
		deviceName = os.Getenv("DEVICE_NAME")
		if deviceName == "" {
			deviceName = os.Getenv("HOSTNAME")
		}
		if deviceName == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				deviceName = hostname
			} else {
				deviceName = "unknown"
			}
		}
	})
	return deviceName
}

// Configure replaces the process logger. level is one of debug, info, warn,
// error; format is "console" or "json".
func Configure(level, format string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "json":
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	case "", "console", "text":
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	l := zap.New(core).With(zap.String("device", GetDeviceName())).Sugar()

	loggerMu.Lock()
	old := sugar
	sugar = l
	loggerMu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

func get() *zap.SugaredLogger {
	loggerMu.RLock()
	l := sugar
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if sugar == nil {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
		sugar = zap.New(core).With(zap.String("device", GetDeviceName())).Sugar()
	}
	return sugar
}

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool {
	return get().Desugar().Core().Enabled(zapcore.DebugLevel)
}

// Logf logs a formatted message at info level
func Logf(format string, v ...interface{}) {
	get().Infof(format, v...)
}

// Log logs a message at info level
func Log(v ...interface{}) {
	get().Info(v...)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, v ...interface{}) {
	get().Debugf(format, v...)
}

// Warnf logs a formatted message at warn level
func Warnf(format string, v ...interface{}) {
	get().Warnf(format, v...)
}

// Errorf logs a formatted message at error level
func Errorf(format string, v ...interface{}) {
	get().Errorf(format, v...)
}

// Fatalf logs a fatal error and exits
func Fatalf(format string, v ...interface{}) {
	get().Fatalf(format, v...)
}

// Flush writes out any buffered log entries
func Flush() {
	_ = get().Sync()
}
