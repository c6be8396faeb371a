package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var zeroSinLogger *zerolog.Logger

type zeroLogger struct {
	cfg    *LoggerConfig
	logger *zerolog.Logger
}

var zeroLogLevelMapping = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
	"fatal": zerolog.FatalLevel,
}

func newZeroLogger(cfg *LoggerConfig) *zeroLogger {
	logger := &zeroLogger{cfg: cfg}
	logger.Init()

	return logger
}

func (l *zeroLogger) getLogLevel() zerolog.Level {
	level, exists := zeroLogLevelMapping[l.cfg.Level]
	if !exists {
		return zerolog.DebugLevel
	}

	return level
}

func (l *zeroLogger) Init() {
	once.Do(func() {
		fileName := fmt.Sprintf("%s%s-%s.log", l.cfg.FilePath, time.Now().Format("2006-01-02"), "metrelay")

		file, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			panic("could not open log file: " + err.Error())
		}

		zerolog.SetGlobalLevel(l.getLogLevel())

		logger := zerolog.New(file).
			With().
			Timestamp().
			Str(string(AppName), "metrelay").
			Str(string(LoggerName), "zerolog").
			Logger()

		zeroSinLogger = &logger
	})

	l.logger = zeroSinLogger
}

func (l *zeroLogger) event(level zerolog.Level, cat Category, sub SubCategory, extra map[ExtraKey]any) *zerolog.Event {
	return l.logger.WithLevel(level).
		Str("Category", string(cat)).
		Str("SubCategory", string(sub)).
		Fields(logParamsToZeroParams(extra))
}

func (l *zeroLogger) Debug(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any) {
	l.event(zerolog.DebugLevel, cat, sub, extra).Msg(msg)
}

func (l *zeroLogger) Debugf(template string, args ...any) {
	l.logger.Debug().Msgf(template, args...)
}

func (l *zeroLogger) Info(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any) {
	l.event(zerolog.InfoLevel, cat, sub, extra).Msg(msg)
}

func (l *zeroLogger) Infof(template string, args ...any) {
	l.logger.Info().Msgf(template, args...)
}

func (l *zeroLogger) Warn(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any) {
	l.event(zerolog.WarnLevel, cat, sub, extra).Msg(msg)
}

func (l *zeroLogger) Warnf(template string, args ...any) {
	l.logger.Warn().Msgf(template, args...)
}

func (l *zeroLogger) Error(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any) {
	l.event(zerolog.ErrorLevel, cat, sub, extra).Msg(msg)
}

func (l *zeroLogger) Errorf(template string, args ...any) {
	l.logger.Error().Msgf(template, args...)
}

func (l *zeroLogger) Fatal(cat Category, sub SubCategory, msg string, extra map[ExtraKey]any) {
	l.event(zerolog.FatalLevel, cat, sub, extra).Msg(msg)
	os.Exit(1)
}

func (l *zeroLogger) Fatalf(template string, args ...any) {
	l.logger.Fatal().Msgf(template, args...)
}
