package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePty struct {
	out  *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	lines  []string
	onLine func(line string)
	closed bool
}

func newFakePty(onLine func(line string)) *fakePty {
	reader, writer := io.Pipe()
	return &fakePty{
		out:    reader,
		outW:   writer,
		onLine: onLine,
	}
}

func (p *fakePty) Read(data []byte) (int, error) {
	return p.out.Read(data)
}

func (p *fakePty) Write(data []byte) (int, error) {
	line := strings.TrimSuffix(string(data), "\n")
	p.mu.Lock()
	p.lines = append(p.lines, line)
	handler := p.onLine
	p.mu.Unlock()
	if handler != nil {
		handler(line)
	}
	return len(data), nil
}

func (p *fakePty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.outW.Close()
	return p.out.Close()
}

// emit writes engine output for the worker to consume.
func (p *fakePty) emit(line string) {
	_, _ = p.outW.Write([]byte(line + "\n"))
}

func (p *fakePty) exit() {
	_ = p.outW.Close()
}

func (p *fakePty) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePty) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

type fakeFactory struct {
	pty *fakePty
	err error
}

func (f *fakeFactory) Start(command string, args ...string) (Pty, *exec.Cmd, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.pty, nil, nil
}

func testOptions(t *testing.T, factory PtyFactory) Options {
	t.Helper()
	return Options{
		BoxID:         "B1",
		SerialLocator: "FT123",
		Command:       "fake-engine",
		LogDir:        t.TempDir(),
		StartTimeout:  time.Second,
		StopGrace:     100 * time.Millisecond,
		Factory:       factory,
	}
}

func startWorker(t *testing.T, pty *fakePty) *Worker {
	t.Helper()
	worker := NewWorker(testOptions(t, &fakeFactory{pty: pty}))
	go func() {
		time.Sleep(10 * time.Millisecond)
		pty.emit("engine ready")
	}()
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return worker
}

func TestStartWaitsForReady(t *testing.T) {
	pty := newFakePty(nil)
	worker := startWorker(t, pty)

	if !worker.Alive() {
		t.Fatal("expected worker alive after start")
	}

	payload, err := os.ReadFile(worker.LogPath())
	if err != nil {
		t.Fatalf("read exec log: %v", err)
	}
	if !strings.Contains(string(payload), "cmd=start") || !strings.Contains(string(payload), "outcome=ok") {
		t.Fatalf("exec log missing start record: %s", payload)
	}
	if !strings.Contains(string(payload), "engine ready") {
		t.Fatalf("exec log missing engine output: %s", payload)
	}
}

func TestStartPortUnavailable(t *testing.T) {
	pty := newFakePty(nil)
	worker := NewWorker(testOptions(t, &fakeFactory{pty: pty}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		pty.emit("bpod serial port unavailable")
	}()

	if err := worker.Start(context.Background()); !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}
}

func TestStartTimeout(t *testing.T) {
	pty := newFakePty(nil)
	opts := testOptions(t, &fakeFactory{pty: pty})
	opts.StartTimeout = 50 * time.Millisecond
	worker := NewWorker(opts)

	if err := worker.Start(context.Background()); !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}
}

func TestStartLaunchFailure(t *testing.T) {
	worker := NewWorker(testOptions(t, &fakeFactory{err: errors.New("no such binary")}))

	if err := worker.Start(context.Background()); !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestStartEngineExitsBeforeReady(t *testing.T) {
	pty := newFakePty(nil)
	worker := NewWorker(testOptions(t, &fakeFactory{pty: pty}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		pty.emit("fatal: cannot load firmware")
		pty.exit()
	}()

	if err := worker.Start(context.Background()); !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	if !pty.isClosed() {
		t.Fatal("expected pty closed after engine died before ready")
	}
}

func TestRunProtocolWritesCommand(t *testing.T) {
	pty := newFakePty(nil)
	worker := startWorker(t, pty)

	if err := worker.RunProtocol("Lick2AFC", "R101", "DefaultSettings"); err != nil {
		t.Fatalf("run protocol failed: %v", err)
	}

	var found bool
	for _, line := range pty.received() {
		if line == "run Lick2AFC R101 DefaultSettings" {
			found = true
		}
	}
	if !found {
		t.Fatalf("run command not sent to engine: %v", pty.received())
	}

	payload, err := os.ReadFile(worker.LogPath())
	if err != nil {
		t.Fatalf("read exec log: %v", err)
	}
	if !strings.Contains(string(payload), "cmd=run") || !strings.Contains(string(payload), `protocol="Lick2AFC"`) {
		t.Fatalf("exec log missing run record: %s", payload)
	}
}

func TestStopGraceful(t *testing.T) {
	pty := newFakePty(nil)
	pty.onLine = func(line string) {
		if line == "end" {
			pty.exit()
		}
	}
	worker := startWorker(t, pty)

	forced, err := worker.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if forced {
		t.Fatal("expected graceful stop")
	}
	if worker.Alive() {
		t.Fatal("expected worker dead after stop")
	}
}

func TestStopForcedAfterGrace(t *testing.T) {
	pty := newFakePty(nil)
	worker := startWorker(t, pty)

	forced, err := worker.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !forced {
		t.Fatal("expected forced stop when engine ignores end")
	}
}

func TestStopAlreadyStopped(t *testing.T) {
	worker := NewWorker(testOptions(t, &fakeFactory{pty: newFakePty(nil)}))

	if _, err := worker.Stop(context.Background()); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("expected ErrAlreadyStopped, got %v", err)
	}
}

func TestConsoleToggle(t *testing.T) {
	pty := newFakePty(nil)
	worker := startWorker(t, pty)

	if err := worker.SetConsoleVisible(true); err != nil {
		t.Fatalf("console on failed: %v", err)
	}
	if !worker.ConsoleVisible() {
		t.Fatal("expected console visible")
	}

	var found bool
	for _, line := range pty.received() {
		if line == "console on" {
			found = true
		}
	}
	if !found {
		t.Fatalf("console command not sent: %v", pty.received())
	}
}

func TestCommandsRequireStart(t *testing.T) {
	worker := NewWorker(testOptions(t, &fakeFactory{pty: newFakePty(nil)}))

	if err := worker.Calibrate(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := worker.StopProtocol(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
