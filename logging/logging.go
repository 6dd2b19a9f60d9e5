// Package logging writes leveled key=value lines for taskboard components.
// The task store is the record of truth; log lines let operators follow
// transitions and spot degraded outcomes as they happen.
//
// A line looks like:
//
//	INFO  2026-01-02T15:04:05.000Z [lifecycle] task_claimed assignee=U2 task=7
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// ParseLevel reads a configured level. Anything unrecognized is INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// Logger writes lines to one output. Children made by WithComponent and
// WithTraceID share their parent's lock so lines never interleave.
type Logger struct {
	mu        *sync.Mutex
	out       io.Writer
	min       Level
	component string
	bound     map[string]interface{}
}

// New returns an INFO logger on stdout.
func New() *Logger {
	return &Logger{mu: new(sync.Mutex), out: os.Stdout, min: LevelInfo}
}

// Nop returns a logger that writes nowhere.
func Nop() *Logger {
	l := New()
	l.out = io.Discard
	return l
}

func (l *Logger) child() *Logger {
	c := *l
	if len(l.bound) > 0 {
		c.bound = make(map[string]interface{}, len(l.bound))
		for k, v := range l.bound {
			c.bound[k] = v
		}
	}
	return &c
}

// WithComponent tags every line with [component].
func (l *Logger) WithComponent(component string) *Logger {
	c := l.child()
	c.component = component
	return c
}

// WithTraceID adds trace=<id> to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.child()
	if c.bound == nil {
		c.bound = make(map[string]interface{}, 1)
	}
	c.bound["trace"] = traceID
	return c
}

func (l *Logger) SetLevel(level Level)  { l.min = level }
func (l *Logger) SetOutput(w io.Writer) { l.out = w }

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.write(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.write(LevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.write(LevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.write(LevelError, msg, fields)
}

func (l *Logger) write(level Level, msg string, fields []map[string]interface{}) {
	if level.rank() < l.min.rank() {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s ", level, time.Now().UTC().Format(timeLayout))
	if l.component != "" {
		b.WriteString("[" + l.component + "] ")
	}
	b.WriteString(msg)

	all := make(map[string]interface{}, len(l.bound))
	for _, f := range fields {
		for k, v := range f {
			all[k] = v
		}
	}
	for k, v := range l.bound {
		all[k] = v
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + formatValue(all[k]))
	}
	b.WriteByte('\n')

	l.mu.Lock()
	io.WriteString(l.out, b.String())
	l.mu.Unlock()
}

// formatValue quotes values that would otherwise break key=value parsing.
func formatValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

// TaskEvent logs a task transition at INFO with task=<id>.
func (l *Logger) TaskEvent(event string, taskID int64, fields map[string]interface{}) {
	l.Info(event, fields, map[string]interface{}{"task": taskID})
}

// Degraded logs at WARN an outcome that committed in the store but left
// the surface needing a resync.
func (l *Logger) Degraded(event string, taskID int64, err error) {
	fields := map[string]interface{}{"task": taskID}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn(event, fields)
}

// ResyncSummary logs one workspace resync, at WARN when any repost failed.
func (l *Logger) ResyncSummary(workspace string, open, inProgress, failures int, duration time.Duration) {
	fields := map[string]interface{}{
		"workspace":   workspace,
		"open":        open,
		"in_progress": inProgress,
		"failures":    failures,
		"duration":    duration.Round(time.Millisecond).String(),
	}
	if failures == 0 {
		l.Info("resync_complete", fields)
		return
	}
	l.Warn("resync_complete", fields)
}
