package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Level classifies a user-facing notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notice is one user-visible notification. Notices are produced by state
// transitions, never by sticky flags, so a given transition fires exactly once.
type Notice struct {
	Level   Level
	Message string
}

// Sink receives user-facing notices. Implementations must not block.
type Sink interface {
	Push(n Notice)
}

// LogSink writes notices to the application logger. It is the default sink
// when no UI surface is attached.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Push(n Notice) {
	switch n.Level {
	case LevelError:
		s.logger.Error(n.Message)
	case LevelWarn:
		s.logger.Warn(n.Message)
	default:
		s.logger.Info(n.Message)
	}
}

// BufferSink retains notices in memory, most recent last. A UI layer can
// drain it; tests use it to assert which transitions fired.
type BufferSink struct {
	mu      sync.Mutex
	notices []Notice
}

func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (s *BufferSink) Push(n Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
}

// Drain returns all retained notices and clears the buffer.
func (s *BufferSink) Drain() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

// Fanout forwards each notice to every attached sink.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Push(n Notice) {
	for _, s := range f.sinks {
		s.Push(n)
	}
}
