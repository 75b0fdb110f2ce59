// Package log provides the structured, leveled logging used across the
// engine. It is a thin wrapper around go.uber.org/zap kept behind the
// narrow Logger interface the rest of this codebase depends on, so
// call sites never import zap directly.
package log

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface is intentionally small: leveled logging plus
// structured fields, nothing else.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})
	WithFields(keyValues LogFields) Logger
	Fields() Fields
}

type LogFields interface {
	Fields() map[string]interface{}
}

type Fields map[string]interface{}

func (f Fields) Fields() map[string]interface{} { return f }

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

var stringToLevel = func() map[string]Level {
	levels := []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel}
	res := make(map[string]Level, len(levels))
	for _, l := range levels {
		res[l.String()] = l
	}
	return res
}()

func LevelFromString(s string) (Level, error) {
	l, ok := stringToLevel[strings.ToUpper(s)]
	if !ok {
		return 0, errors.New("invalid level " + s)
	}
	return l, nil
}

// NewLogger builds a JSON-line logger writing records at or above l to w.
func NewLogger(l Level, w io.Writer) Logger {
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "ts",
		CallerKey:      "caller",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), l.zapLevel())
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &logger{sugar: zl.Sugar()}
}

// logger adapts a *zap.SugaredLogger to the Logger interface, carrying
// the same Fields map the rest of the engine attaches with WithFields.
type logger struct {
	sugar  *zap.SugaredLogger
	fields Fields
}

func (l *logger) Fields() Fields { return l.fields }

func (l *logger) WithFields(keyValues LogFields) Logger {
	extra := keyValues.Fields()
	merged := make(Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		merged[k] = v
	}
	kv := make([]interface{}, 0, 2*len(extra))
	for k, v := range extra {
		merged[k] = v
		kv = append(kv, k, v)
	}
	return &logger{sugar: l.sugar.With(kv...), fields: merged}
}

func (l *logger) Debug(args ...interface{})                 { l.sugar.Debug(args...) }
func (l *logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *logger) Info(args ...interface{})                  { l.sugar.Info(args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *logger) Warn(args ...interface{})                  { l.sugar.Warn(args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *logger) Error(args ...interface{})                 { l.sugar.Error(args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
func (l *logger) Fatal(args ...interface{})                 { l.sugar.Fatal(args...) }
func (l *logger) Fatalf(format string, args ...interface{}) { l.sugar.Fatalf(format, args...) }
func (l *logger) Panic(args ...interface{})                 { l.sugar.Panic(args...) }
func (l *logger) Panicf(format string, args ...interface{}) { l.sugar.Panicf(format, args...) }
