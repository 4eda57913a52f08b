package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamforge/transcoder/internal/config"
)

// Logger is the structured-logging interface every component depends on,
// never the concrete zap type, so tests can swap in a no-op implementation.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
}

type apiLogger struct {
	cfg    *config.Config
	sugar  *zap.SugaredLogger
}

// NewApiLogger constructs the logger shell; call InitLogger before use.
func NewApiLogger(cfg *config.Config) *apiLogger {
	return &apiLogger{cfg: cfg}
}

var loggerLevelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"fatal":  zapcore.FatalLevel,
}

func (l *apiLogger) getLoggerLevel() zapcore.Level {
	level, ok := loggerLevelMap[l.cfg.Logger.Level]
	if !ok {
		return zapcore.InfoLevel
	}
	return level
}

// InitLogger builds the underlying zap core. Split from the constructor so
// callers can construct the shell before config is fully loaded.
func (l *apiLogger) InitLogger() {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if l.cfg.Logger.Encoding == "console" || l.cfg.Logger.Development {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(l.getLoggerLevel()))
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	l.sugar = base.Sugar()
}

func (l *apiLogger) Debug(args ...interface{})                    { l.sugar.Debug(args...) }
func (l *apiLogger) Debugf(template string, args ...interface{})  { l.sugar.Debugf(template, args...) }
func (l *apiLogger) Info(args ...interface{})                     { l.sugar.Info(args...) }
func (l *apiLogger) Infof(template string, args ...interface{})   { l.sugar.Infof(template, args...) }
func (l *apiLogger) Warn(args ...interface{})                     { l.sugar.Warn(args...) }
func (l *apiLogger) Warnf(template string, args ...interface{})   { l.sugar.Warnf(template, args...) }
func (l *apiLogger) Error(args ...interface{})                    { l.sugar.Error(args...) }
func (l *apiLogger) Errorf(template string, args ...interface{})  { l.sugar.Errorf(template, args...) }
func (l *apiLogger) Fatal(args ...interface{})                    { l.sugar.Fatal(args...) }
func (l *apiLogger) Fatalf(template string, args ...interface{})  { l.sugar.Fatalf(template, args...) }
