// Package registry holds the authoritative set of known devices: one
// row per box in a flat CSV table (box id, serial locator), matching
// the layout the MATLAB-era tooling reads. The registry has no locking
// of its own; all mutation happens under the router's single-writer
// discipline.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/RatAcad/bpodacademy/internal/logging"
)

var (
	ErrDuplicateBoxID = errors.New("box id already registered")
	ErrUnknownDevice  = errors.New("unknown device")
)

// Entry is one device identity row.
type Entry struct {
	BoxID         string
	SerialLocator string
}

type Registry struct {
	path    string
	logger  *logging.Logger
	entries []Entry
	skipped int
}

func New(path string, logger *logging.Logger) *Registry {
	return &Registry{
		path:   path,
		logger: logger,
	}
}

// Load reads the device table from disk. A missing file yields an empty
// registry. Malformed rows are skipped and logged, never fatal, so one
// corrupt line cannot take the whole fleet offline.
func (r *Registry) Load() error {
	r.entries = nil
	r.skipped = 0

	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open device table: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.skipRow(err.Error(), row)
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return fmt.Errorf("read device table: %w", err)
		}
		boxID, locator, ok := parseRow(row)
		if !ok {
			r.skipRow("row needs box id and serial locator", row)
			continue
		}
		if r.lookupIndex(boxID) >= 0 {
			r.skipRow("duplicate box id", row)
			continue
		}
		r.entries = append(r.entries, Entry{BoxID: boxID, SerialLocator: locator})
	}
	return nil
}

// Save rewrites the device table atomically (temp file + rename) so a
// crash mid-write never leaves a truncated table behind.
func (r *Registry) Save() error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".academy-config-*")
	if err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	writer := csv.NewWriter(tmp)
	for _, entry := range r.entries {
		if err := writer.Write([]string{entry.BoxID, entry.SerialLocator}); err != nil {
			tmp.Close()
			return fmt.Errorf("write device row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush device table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync device table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close device table: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace device table: %w", err)
	}
	return nil
}

func (r *Registry) Add(boxID, serialLocator string) error {
	boxID = strings.TrimSpace(boxID)
	serialLocator = strings.TrimSpace(serialLocator)
	if boxID == "" || serialLocator == "" {
		return errors.New("box id and serial locator are required")
	}
	if r.lookupIndex(boxID) >= 0 {
		return ErrDuplicateBoxID
	}
	r.entries = append(r.entries, Entry{BoxID: boxID, SerialLocator: serialLocator})
	return nil
}

func (r *Registry) Remove(boxID string) error {
	index := r.lookupIndex(boxID)
	if index < 0 {
		return ErrUnknownDevice
	}
	r.entries = append(r.entries[:index], r.entries[index+1:]...)
	return nil
}

// SetSerialLocator updates an existing device's locator in place.
func (r *Registry) SetSerialLocator(boxID, serialLocator string) error {
	serialLocator = strings.TrimSpace(serialLocator)
	if serialLocator == "" {
		return errors.New("serial locator is required")
	}
	index := r.lookupIndex(boxID)
	if index < 0 {
		return ErrUnknownDevice
	}
	r.entries[index].SerialLocator = serialLocator
	return nil
}

func (r *Registry) Lookup(boxID string) (Entry, bool) {
	index := r.lookupIndex(boxID)
	if index < 0 {
		return Entry{}, false
	}
	return r.entries[index], true
}

// Entries returns the device rows in table order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// SkippedRows reports how many malformed rows the last Load dropped.
func (r *Registry) SkippedRows() int {
	return r.skipped
}

func (r *Registry) lookupIndex(boxID string) int {
	for i, entry := range r.entries {
		if entry.BoxID == boxID {
			return i
		}
	}
	return -1
}

func (r *Registry) skipRow(reason string, row []string) {
	r.skipped++
	if r.logger == nil {
		return
	}
	r.logger.Warn("skipping corrupt device table row", map[string]string{
		"path":   r.path,
		"reason": reason,
		"row":    strings.Join(row, ","),
	})
}

func parseRow(row []string) (boxID, locator string, ok bool) {
	if len(row) < 2 {
		return "", "", false
	}
	boxID = strings.TrimSpace(row[0])
	locator = strings.TrimSpace(row[1])
	if boxID == "" || locator == "" {
		return "", "", false
	}
	return boxID, locator, true
}
