package obs

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Clock abstracts time to make timing-sensitive components testable.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Logger is a minimal structured-logging interface satisfied by zerolog and
// by test doubles.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)
}

// Metrics is the counters/histograms surface every staged component
// instruments itself against.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// NoopMetrics implements Metrics without side effects, the default when no
// metrics backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, map[string]string)                {}
func (NoopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// zerologAdapter satisfies Logger using the package zerolog logger.
type zerologAdapter struct{}

// NewZerologAdapter returns a Logger backed by the configured global
// zerolog logger (see InitLogger).
func NewZerologAdapter() Logger { return zerologAdapter{} }

func (zerologAdapter) Info(msg string, fields map[string]any)  { withFields(log.Info(), fields).Msg(msg) }
func (zerologAdapter) Error(msg string, fields map[string]any) { withFields(log.Error(), fields).Msg(msg) }
func (zerologAdapter) Debug(msg string, fields map[string]any) { withFields(log.Debug(), fields).Msg(msg) }

func withFields(ev *zerolog.Event, fields map[string]any) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
