// Package watcher tails device execution logs to detect protocol
// completion. The engine session offers no synchronous return path for
// a protocol run, so the log is the only reliable completion signal:
// the watcher scans appended lines for the end-of-run markers and
// reports them to the router over an ordered event channel.
package watcher

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/RatAcad/bpodacademy/internal/logging"
)

const (
	// MarkerCompleted and MarkerFailed are printed by the engine session
	// when a protocol run ends.
	MarkerCompleted = "protocol ended"
	MarkerFailed    = "protocol error:"

	DefaultPollInterval = 500 * time.Millisecond
)

type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindUnknown   Kind = "unknown"
)

// Event reports a detected outcome for the device's active protocol.
type Event struct {
	BoxID      string
	Kind       Kind
	Detail     string
	DetectedAt time.Time
}

type Options struct {
	PollInterval time.Duration
	Logger       *logging.Logger
}

type tail struct {
	boxID  string
	path   string
	offset int64
	// partial holds an incomplete trailing line between scans.
	partial  string
	degraded bool
}

// Watcher tails any number of device logs with one goroutine. Reads are
// non-blocking: a bounded poll ticker drives scanning, with fsnotify
// writes as an early wakeup. Truncation or rotation is detected by
// offset regression and restarts the tail from the new file start.
type Watcher struct {
	mu     sync.Mutex
	tails  map[string]*tail
	closed bool

	fsWatcher *fsnotify.Watcher
	poll      time.Duration
	logger    *logging.Logger
	events    chan Event
	wake      chan string
	done      chan struct{}
}

func New(options Options) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	poll := options.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	w := &Watcher{
		tails:     make(map[string]*tail),
		fsWatcher: fsWatcher,
		poll:      poll,
		logger:    options.Logger,
		events:    make(chan Event, 64),
		wake:      make(chan string, 16),
		done:      make(chan struct{}),
	}
	go w.forward()
	go w.run()
	return w, nil
}

// Events delivers detected outcomes in the order they were found.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Watch starts tailing a device log from its current end, so markers
// from earlier sessions are never replayed.
func (w *Watcher) Watch(boxID, path string) error {
	offset := int64(0)
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("watcher closed")
	}
	w.tails[boxID] = &tail{boxID: boxID, path: path, offset: offset}
	w.mu.Unlock()

	// Watch errors are non-fatal: polling still covers the file.
	if err := w.fsWatcher.Add(path); err != nil {
		w.logWarn("fsnotify watch failed, relying on polling", map[string]string{
			"box":   boxID,
			"error": err.Error(),
		})
	}
	return nil
}

func (w *Watcher) Unwatch(boxID string) {
	w.mu.Lock()
	entry, ok := w.tails[boxID]
	if ok {
		delete(w.tails, boxID)
	}
	w.mu.Unlock()
	if ok {
		_ = w.fsWatcher.Remove(entry.path)
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) forward() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case w.wake <- event.Name:
			default:
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.scanAll("")
		case path := <-w.wake:
			w.scanAll(path)
		case <-w.done:
			return
		}
	}
}

// scanAll scans every tail, or just the one matching path when given.
func (w *Watcher) scanAll(path string) {
	w.mu.Lock()
	tails := make([]*tail, 0, len(w.tails))
	for _, entry := range w.tails {
		if path == "" || entry.path == path {
			tails = append(tails, entry)
		}
	}
	w.mu.Unlock()

	for _, entry := range tails {
		w.scan(entry)
	}
}

func (w *Watcher) scan(entry *tail) {
	file, err := os.Open(entry.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.degrade(entry, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		w.degrade(entry, err)
		return
	}
	if info.Size() < entry.offset {
		// Rotated or truncated underneath us; restart from the top.
		entry.offset = 0
		entry.partial = ""
	}
	if info.Size() == entry.offset {
		return
	}

	if _, err := file.Seek(entry.offset, io.SeekStart); err != nil {
		w.degrade(entry, err)
		return
	}
	payload, err := io.ReadAll(file)
	if err != nil {
		w.degrade(entry, err)
		return
	}
	entry.offset += int64(len(payload))
	entry.degraded = false

	text := entry.partial + string(payload)
	lines := strings.Split(text, "\n")
	entry.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		w.match(entry.boxID, line)
	}
}

func (w *Watcher) match(boxID, line string) {
	if index := strings.Index(line, MarkerFailed); index >= 0 {
		detail := strings.TrimSpace(line[index+len(MarkerFailed):])
		w.emit(Event{BoxID: boxID, Kind: KindFailed, Detail: detail, DetectedAt: time.Now().UTC()})
		return
	}
	if strings.Contains(line, MarkerCompleted) {
		w.emit(Event{BoxID: boxID, Kind: KindCompleted, DetectedAt: time.Now().UTC()})
	}
}

// degrade reports an unreadable log once per failure streak instead of
// blocking the other devices.
func (w *Watcher) degrade(entry *tail, err error) {
	if entry.degraded {
		return
	}
	entry.degraded = true
	w.logWarn("execution log unreadable", map[string]string{
		"box":   entry.boxID,
		"error": err.Error(),
	})
	w.emit(Event{BoxID: entry.boxID, Kind: KindUnknown, Detail: err.Error(), DetectedAt: time.Now().UTC()})
}

func (w *Watcher) emit(event Event) {
	select {
	case w.events <- event:
	case <-w.done:
	}
}

func (w *Watcher) logWarn(message string, fields map[string]string) {
	if w.logger == nil {
		return
	}
	w.logger.Warn(message, fields)
}
