package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatAcad/bpodacademy/internal/academy"
	"github.com/RatAcad/bpodacademy/internal/library"
	"github.com/RatAcad/bpodacademy/internal/registry"
	"github.com/RatAcad/bpodacademy/internal/router"
)

type stubWorker struct{ done chan struct{} }

func newStubWorker() *stubWorker { return &stubWorker{done: make(chan struct{})} }

func (w *stubWorker) Start(ctx context.Context) error                 { return nil }
func (w *stubWorker) Stop(ctx context.Context) (bool, error)          { return false, nil }
func (w *stubWorker) SetConsoleVisible(visible bool) error            { return nil }
func (w *stubWorker) Calibrate() error                                { return nil }
func (w *stubWorker) RunProtocol(protocol, subject, set string) error { return nil }
func (w *stubWorker) StopProtocol() error                             { return nil }
func (w *stubWorker) Alive() bool                                     { return true }
func (w *stubWorker) Done() <-chan struct{}                           { return w.done }
func (w *stubWorker) LogPath() string                                 { return "" }

func newTestAcademy(t *testing.T, boxes ...string) string {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New(filepath.Join(dir, "AcademyConfig.csv"), nil)
	for _, box := range boxes {
		require.NoError(t, reg.Add(box, "FT"+box))
	}
	require.NoError(t, reg.Save())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))

	r := router.New(router.Options{
		Registry: reg,
		Library:  library.New(dir),
		LogDir:   filepath.Join(dir, "logs"),
		WorkerFactory: func(entry registry.Entry) router.Worker {
			return newStubWorker()
		},
	})
	require.NoError(t, r.LoadDevices())

	server := academy.New(academy.Options{Router: r})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	server.StartPump(ctx)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
}

func dialSession(t *testing.T, url string) *Session {
	t.Helper()
	session, err := Dial(context.Background(), Options{URL: url, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestDialPopulatesView(t *testing.T) {
	url := newTestAcademy(t, "B1", "B2")
	session := dialSession(t, url)

	devices := session.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "B1", devices[0].Device.BoxID)
	assert.Equal(t, router.StateStopped, devices[0].Device.State)
	assert.Equal(t, router.RoleLocal, session.Role())
}

func TestDoStartUpdatesView(t *testing.T) {
	url := newTestAcademy(t, "B1")
	session := dialSession(t, url)

	result, err := session.Do(context.Background(), router.VerbStart, "B1", nil)
	require.NoError(t, err)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, router.StateIdle, result.Snapshot.Device.State)

	waitView(t, session, func(snapshot router.Snapshot) bool {
		return snapshot.Device.State == router.StateIdle
	})
}

func TestDoSurfacesCommandError(t *testing.T) {
	url := newTestAcademy(t, "B1")
	session := dialSession(t, url)

	_, err := session.Do(context.Background(), router.VerbStart, "B9", nil)
	require.Error(t, err)
	cmdErr, ok := err.(*router.CommandError)
	require.True(t, ok, "expected CommandError, got %v", err)
	assert.Equal(t, router.CodeUnknownDevice, cmdErr.Code)
}

func TestRemovedDeviceLeavesView(t *testing.T) {
	url := newTestAcademy(t, "B1", "B2")
	session := dialSession(t, url)

	_, err := session.Do(context.Background(), router.VerbRemove, "", map[string]string{"box_id": "B2"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := session.Device("B2"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("removed device still in view")
}

func TestStaleSnapshotsAreDiscarded(t *testing.T) {
	session := &Session{
		view:    make(map[string]router.Snapshot),
		pending: make(map[string]chan serverMessage),
		done:    make(chan struct{}),
		updates: make(chan router.Snapshot, 8),
	}

	session.applySnapshot(router.Snapshot{Device: router.Device{BoxID: "B1", State: router.StateIdle}, Seq: 5})
	session.applySnapshot(router.Snapshot{Device: router.Device{BoxID: "B1", State: router.StateStopped}, Seq: 3})

	snapshot, ok := session.Device("B1")
	require.True(t, ok)
	assert.Equal(t, router.StateIdle, snapshot.Device.State)
	assert.Equal(t, uint64(5), snapshot.Seq)
}

func TestSyncedReplacesViewAfterRestart(t *testing.T) {
	session := &Session{
		view:    make(map[string]router.Snapshot),
		pending: make(map[string]chan serverMessage),
		done:    make(chan struct{}),
		updates: make(chan router.Snapshot, 8),
	}

	// Pre-restart view: B1 mid-run at a high seq, B2 known.
	session.applySnapshot(router.Snapshot{Device: router.Device{BoxID: "B1", State: router.StateRunning}, Seq: 5})
	session.applySnapshot(router.Snapshot{Device: router.Device{BoxID: "B2", State: router.StateIdle}, Seq: 2})

	// A restarted server hands out seqs from 1 again and no longer
	// knows B2; the full sync must win over the old epoch.
	session.apply(serverMessage{
		Type: "synced",
		Role: router.RoleLocal,
		Snapshots: []router.Snapshot{
			{Device: router.Device{BoxID: "B1", State: router.StateStopped}, Seq: 1},
		},
	})

	snapshot, ok := session.Device("B1")
	require.True(t, ok)
	assert.Equal(t, router.StateStopped, snapshot.Device.State)
	assert.Equal(t, uint64(1), snapshot.Seq)

	_, ok = session.Device("B2")
	assert.False(t, ok, "device removed while disconnected must be pruned")
}

func waitView(t *testing.T, session *Session, match func(router.Snapshot) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-session.Updates():
			if match(snapshot) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for view update")
		}
	}
}
