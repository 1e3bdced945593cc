package framework

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Logger is the minimal logging interface used throughout the harness. It is satisfied by
// *log.Logger, by CapturingLogger, and by the adapter returned from SlogLogger.
type Logger interface {
	Println(args ...interface{})
	Printf(message string, args ...interface{})
}

type nullLogger struct{}

func (n nullLogger) Println(args ...interface{})                {}
func (n nullLogger) Printf(message string, args ...interface{}) {}

// NullLogger returns a Logger that discards everything.
func NullLogger() Logger { return nullLogger{} }

// CapturedMessage is one line of output recorded by a CapturingLogger.
type CapturedMessage struct {
	Time    time.Time
	Message string
}

// CapturedOutput is the full output recorded for one test scope.
type CapturedOutput []CapturedMessage

// CapturingLogger is used internally to record all output from a test scope. See comments on
// qatest.(*T).DebugLogger() for the rules of logging in parent/child scopes.
type CapturingLogger struct {
	output   []CapturedMessage
	children []*CapturingLogger
	lock     sync.Mutex
}

func (l *CapturingLogger) Println(args ...interface{}) {
	m := strings.TrimRight(fmt.Sprintln(args...), "\r\n") // Sprintln appends a newline
	l.append(CapturedMessage{Time: time.Now(), Message: m})
}

func (l *CapturingLogger) Printf(message string, args ...interface{}) {
	l.append(CapturedMessage{Time: time.Now(), Message: fmt.Sprintf(message, args...)})
}

func (l *CapturingLogger) append(m CapturedMessage) {
	var children []*CapturingLogger
	l.lock.Lock()
	if len(l.children) == 0 {
		l.output = append(l.output, m)
	} else {
		children = append([]*CapturingLogger(nil), l.children...)
	}
	l.lock.Unlock()
	for _, c := range children {
		c.append(m)
	}
}

// Output returns a copy of everything captured so far.
func (l *CapturingLogger) Output() CapturedOutput {
	l.lock.Lock()
	ret := append([]CapturedMessage(nil), l.output...)
	l.lock.Unlock()
	return ret
}

// AddChildLogger starts forwarding this logger's output to child. The child is seeded with a
// copy of whatever this logger already captured.
func (l *CapturingLogger) AddChildLogger(child *CapturingLogger) {
	l.lock.Lock()
	l.children = append(l.children, child)
	output := append([]CapturedMessage(nil), l.output...)
	l.lock.Unlock()
	child.lock.Lock()
	child.output = append(output, child.output...)
	child.lock.Unlock()
}

func (l *CapturingLogger) RemoveChildLogger(child *CapturingLogger) {
	l.lock.Lock()
	for i, c := range l.children {
		if c == child {
			l.children = append(l.children[0:i], l.children[i+1:]...)
			break
		}
	}
	l.lock.Unlock()
}

// ToString renders the output one message per line, each with the given prefix and a timestamp.
func (output CapturedOutput) ToString(prefix string) string {
	ret := ""
	for _, m := range output {
		if ret != "" {
			ret += "\n"
		}
		ret += fmt.Sprintf("%s[%s] %s",
			prefix,
			m.Time.Format(timestampFormat),
			m.Message,
		)
	}
	return ret
}

type prefixedLogger struct {
	base   Logger
	prefix string
}

// LoggerWithPrefix returns a Logger that prepends prefix to every message.
func LoggerWithPrefix(baseLogger Logger, prefix string) Logger {
	return prefixedLogger{baseLogger, prefix}
}

func (p prefixedLogger) Println(args ...interface{}) {
	p.base.Println(append([]interface{}{p.prefix}, args...)...)
}

func (p prefixedLogger) Printf(message string, args ...interface{}) {
	p.base.Printf(p.prefix+message, args...)
}

type slogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// SlogLogger adapts a structured logger to the Logger interface. Every message is emitted at
// the given level.
func SlogLogger(logger *slog.Logger, level slog.Level) Logger {
	return slogAdapter{logger: logger, level: level}
}

func (s slogAdapter) Println(args ...interface{}) {
	s.logger.Log(context.Background(), s.level, strings.TrimRight(fmt.Sprintln(args...), "\r\n"))
}

func (s slogAdapter) Printf(message string, args ...interface{}) {
	s.logger.Log(context.Background(), s.level, fmt.Sprintf(message, args...))
}

// NewTerminalLogger creates the process-level structured logger used by the command-line tool.
// Debug output is only shown when debug is true.
func NewTerminalLogger(w io.Writer, debug, noColor bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		NoColor:    noColor,
		TimeFormat: timestampFormat,
	}))
}
