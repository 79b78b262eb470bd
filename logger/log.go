package logger

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger
var log *zap.SugaredLogger
var initLock sync.Mutex
var initialised bool
var globalLevel zapcore.Level

var namedLock sync.Mutex
var namedLoggers = map[string]*QuarryLogger{}

func init() {
	initialise(zapcore.InfoLevel, "console", false)
}

type Config struct {
	Format string `help:"Format to write log lines in" enum:"console,json" default:"console"`
	Level  string `help:"Lowest log level that will be emitted" enum:"debug,info,warn,error" default:"info"`
}

func (cfg *Config) Configure() error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return err
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format != "console" && format != "json" {
		return errors.New("log-format must be one of 'console' or 'json'")
	}
	Initialise(level, format)
	return nil
}

var DebugEnabled = false

func Initialise(level zapcore.Level, encoding string) {
	initialise(level, encoding, true)
}

func initialise(level zapcore.Level, encoding string, override bool) {
	initLock.Lock()
	defer initLock.Unlock()
	if initialised && !override {
		return
	}
	logger = CreateLogger(level, encoding)
	log = logger.Sugar()
	globalLevel = level

	// Cache as simple bool to avoid atomics - we never change it after initialisation so this is ok
	DebugEnabled = log.Desugar().Core().Enabled(zap.DebugLevel)

	initialised = true
}

func CreateLogger(level zapcore.Level, encoding string) *zap.Logger {
	encoderConf := zapcore.EncoderConfig{
		// Keys can be anything except the empty string.
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	conf := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Sampling:         nil,
		Encoding:         encoding,
		EncoderConfig:    encoderConf,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stdout"},
	}
	conf.DisableCaller = true
	conf.DisableStacktrace = true
	l, _ := conf.Build()
	return l
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.999999"))
}

// QuarryLogger is a named logger with its own level, used by subsystems that want a level independent of the
// global one.
type QuarryLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// GetLogger returns the named logger, creating it at the globally-configured level if it doesn't exist. Once a
// named logger has been created its level cannot be changed by subsequent calls.
func GetLogger(name string) (*QuarryLogger, error) {
	initLock.Lock()
	level := globalLevel
	initLock.Unlock()
	return GetLoggerWithLevel(name, level)
}

func GetLoggerWithLevel(name string, level zapcore.Level) (*QuarryLogger, error) {
	if name == "" {
		return nil, errors.New("logger name must not be empty")
	}
	namedLock.Lock()
	defer namedLock.Unlock()
	if l, ok := namedLoggers[name]; ok {
		return l, nil
	}
	zl := CreateLogger(level, "console").Named(name)
	l := &QuarryLogger{
		logger: zl,
		sugar:  zl.Sugar(),
	}
	namedLoggers[name] = l
	return l, nil
}

func (l *QuarryLogger) Debug(args ...interface{}) {
	l.sugar.Debug(args...)
}

func (l *QuarryLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *QuarryLogger) Info(args ...interface{}) {
	l.sugar.Info(args...)
}

func (l *QuarryLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *QuarryLogger) Warn(args ...interface{}) {
	l.sugar.Warn(args...)
}

func (l *QuarryLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *QuarryLogger) Error(args ...interface{}) {
	l.sugar.Error(args...)
}

func (l *QuarryLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *QuarryLogger) DebugEnabled() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}

func Info(args ...interface{}) {
	log.Info(args)
}

func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

func Debug(args ...interface{}) {
	if !DebugEnabled {
		return
	}
	log.Debug(args)
}

func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

func Warn(args ...interface{}) {
	log.Warn(args)
}

func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

func Error(args ...interface{}) {
	log.Error(args)
}

func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	log.Fatal(args)
}

func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
