package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const logTimeFormat = "2006-01-02 15:04:05"

// ExecLog is the per-device append-only execution log. Every command
// issued to the worker lands here as one structured record, and raw
// engine session output is appended between records. The completion
// watcher tails this file; it is the only out-of-band signal that a
// protocol run finished.
type ExecLog struct {
	mu   sync.Mutex
	file *os.File
	path string
	now  func() time.Time
}

func OpenExecLog(dir, boxID string) (*ExecLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, boxID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	return &ExecLog{
		file: file,
		path: path,
		now:  time.Now,
	}, nil
}

func (l *ExecLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Command records one verb invocation with its arguments and outcome.
func (l *ExecLog) Command(verb string, args map[string]string, outcome string) {
	if l == nil {
		return
	}
	builder := strings.Builder{}
	builder.WriteString(l.now().Format(logTimeFormat))
	builder.WriteString(" cmd=")
	builder.WriteString(verb)

	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(" ")
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(strconv.Quote(args[key]))
	}

	builder.WriteString(" outcome=")
	builder.WriteString(outcome)
	l.writeLine(builder.String())
}

// Note records a free-form server-side annotation.
func (l *ExecLog) Note(text string) {
	if l == nil {
		return
	}
	l.writeLine(l.now().Format(logTimeFormat) + " " + text)
}

// Write appends raw engine output. Implements io.Writer so the pty
// reader can copy straight into the log.
func (l *ExecLog) Write(p []byte) (int, error) {
	if l == nil {
		return len(p), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return len(p), nil
	}
	return l.file.Write(p)
}

func (l *ExecLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *ExecLog) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_, _ = l.file.WriteString(line + "\n")
}
