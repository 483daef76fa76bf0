package encoder

import (
	"log/slog"
	"math"
)

// Sink receives the encoder's side channels. Implementations are called from
// the goroutines draining the process output and must be safe for that.
type Sink interface {
	Progress(p Progress)
	Stdout(line string)
	Stderr(line string)
}

// Discard is a Sink that drops everything.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Progress(Progress) {}
func (discardSink) Stdout(string)     {}
func (discardSink) Stderr(string)     {}

// LogSink logs progress at info, one entry per whole percent, and raw output
// lines at debug.
type LogSink struct {
	log  *slog.Logger
	last float64
}

// NewLogSink returns a LogSink writing to log.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log, last: -1}
}

// Progress implements Sink.
func (s *LogSink) Progress(p Progress) {
	pct := math.Floor(p.Percent)
	if p.Total > 0 && pct <= s.last {
		return
	}
	s.last = pct
	s.log.Info("encode progress",
		slog.String("processed", p.Processed.String()),
		slog.String("total", p.Total.String()),
		slog.Float64("percent", pct))
}

// Stdout implements Sink.
func (s *LogSink) Stdout(line string) {
	s.log.Debug("encoder stdout", slog.String("line", line))
}

// Stderr implements Sink.
func (s *LogSink) Stderr(line string) {
	s.log.Debug("encoder log", slog.String("line", line))
}

// Tee returns a Sink that forwards to every non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	out := make(teeSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type teeSink []Sink

func (t teeSink) Progress(p Progress) {
	for _, s := range t {
		s.Progress(p)
	}
}

func (t teeSink) Stdout(line string) {
	for _, s := range t {
		s.Stdout(line)
	}
}

func (t teeSink) Stderr(line string) {
	for _, s := range t {
		s.Stderr(line)
	}
}
