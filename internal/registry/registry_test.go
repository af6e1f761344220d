package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatAcad/bpodacademy/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.NewLogBuffer(10), logging.LevelError, nil)
}

func TestAddSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AcademyConfig.csv")
	reg := New(path, testLogger())

	require.NoError(t, reg.Add("B1", "FT12345"))
	require.NoError(t, reg.Add("B2", "EMU"))
	require.NoError(t, reg.Save())

	fresh := New(path, testLogger())
	require.NoError(t, fresh.Load())

	assert.Equal(t, reg.Entries(), fresh.Entries())
}

func TestAddDuplicate(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "cfg.csv"), testLogger())

	require.NoError(t, reg.Add("B1", "FT1"))
	assert.ErrorIs(t, reg.Add("B1", "FT2"), ErrDuplicateBoxID)
	assert.Equal(t, 1, reg.Len())
}

func TestRemove(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "cfg.csv"), testLogger())

	require.NoError(t, reg.Add("B1", "FT1"))
	require.NoError(t, reg.Add("B2", "FT2"))
	require.NoError(t, reg.Remove("B1"))

	_, found := reg.Lookup("B1")
	assert.False(t, found)
	assert.ErrorIs(t, reg.Remove("missing"), ErrUnknownDevice)
}

func TestSetSerialLocator(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "cfg.csv"), testLogger())

	require.NoError(t, reg.Add("B1", "FT1"))
	require.NoError(t, reg.SetSerialLocator("B1", "FT9"))

	entry, found := reg.Lookup("B1")
	require.True(t, found)
	assert.Equal(t, "FT9", entry.SerialLocator)

	assert.ErrorIs(t, reg.SetSerialLocator("missing", "FT1"), ErrUnknownDevice)
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.csv")
	payload := "B1,FT1\nonly-one-field\nB2,FT2\n,,\n"
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	reg := New(path, testLogger())
	require.NoError(t, reg.Load())

	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, reg.SkippedRows())

	entry, found := reg.Lookup("B2")
	require.True(t, found)
	assert.Equal(t, "FT2", entry.SerialLocator)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "absent.csv"), testLogger())

	require.NoError(t, reg.Load())
	assert.Zero(t, reg.Len())
}

func TestLoadSkipsDuplicateRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.csv")
	require.NoError(t, os.WriteFile(path, []byte("B1,FT1\nB1,FT2\n"), 0o644))

	reg := New(path, testLogger())
	require.NoError(t, reg.Load())

	assert.Equal(t, 1, reg.Len())
	entry, _ := reg.Lookup("B1")
	assert.Equal(t, "FT1", entry.SerialLocator)
}
