// Package library resolves the on-disk experiment library under the
// bpod directory: protocols, subjects, and per-subject settings files.
// The layout mirrors what the engine expects:
//
//	Protocols/<protocol>/<protocol>.m
//	Data/<subject>/<protocol>/Session Data
//	Data/<subject>/<protocol>/Session Settings/<settings>.mat
//	Calibration Files/LiquidCalibration_<box>.mat
package library

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrUnknownSubject  = errors.New("unknown subject")
	ErrUnknownSettings = errors.New("unknown settings file")
)

// DefaultSettingsName is substituted when a run request leaves the
// settings file blank.
const DefaultSettingsName = "DefaultSettings"

type Library struct {
	dir string
}

func New(dir string) *Library {
	return &Library{dir: dir}
}

func (l *Library) protocolDir() string {
	return filepath.Join(l.dir, "Protocols")
}

func (l *Library) dataDir() string {
	return filepath.Join(l.dir, "Data")
}

func (l *Library) settingsDir(subject, protocol string) string {
	return filepath.Join(l.dataDir(), subject, protocol, "Session Settings")
}

// Protocols lists protocol directories that contain a matching .m entry
// point. The directory is created on first use.
func (l *Library) Protocols() ([]string, error) {
	dir := l.protocolDir()
	children, err := readDirOrCreate(dir)
	if err != nil {
		return nil, err
	}

	protocols := []string{}
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		entry := filepath.Join(dir, child.Name(), child.Name()+".m")
		if info, err := os.Stat(entry); err == nil && info.Mode().IsRegular() {
			protocols = append(protocols, child.Name())
		}
	}
	sort.Strings(protocols)
	return protocols, nil
}

// Subjects lists subjects that have a data directory for the protocol.
func (l *Library) Subjects(protocol string) ([]string, error) {
	children, err := readDirOrCreate(l.dataDir())
	if err != nil {
		return nil, err
	}

	subjects := []string{}
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.dataDir(), child.Name(), protocol)); err == nil {
			subjects = append(subjects, child.Name())
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

// Settings lists settings file stems for a subject on a protocol.
func (l *Library) Settings(protocol, subject string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.settingsDir(subject, protocol), "*.mat"))
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}

	settings := make([]string, 0, len(matches))
	for _, match := range matches {
		settings = append(settings, strings.TrimSuffix(filepath.Base(match), ".mat"))
	}
	sort.Strings(settings)
	return settings, nil
}

// AddSubject creates the session data and settings directories for a
// subject on a protocol, seeding an empty DefaultSettings file.
func (l *Library) AddSubject(protocol, subject string) error {
	if strings.TrimSpace(protocol) == "" || strings.TrimSpace(subject) == "" {
		return errors.New("protocol and subject are required")
	}
	base := filepath.Join(l.dataDir(), subject, protocol)
	if err := os.MkdirAll(filepath.Join(base, "Session Data"), 0o755); err != nil {
		return fmt.Errorf("create session data dir: %w", err)
	}
	settingsDir := filepath.Join(base, "Session Settings")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		return fmt.Errorf("create session settings dir: %w", err)
	}

	defaultFile := filepath.Join(settingsDir, DefaultSettingsName+".mat")
	if _, err := os.Stat(defaultFile); err == nil {
		return nil
	}
	if err := os.WriteFile(defaultFile, nil, 0o644); err != nil {
		return fmt.Errorf("seed default settings: %w", err)
	}
	return nil
}

// CopySettings copies a settings file from one subject/protocol pair to
// another, keeping the file name.
func (l *Library) CopySettings(fromProtocol, fromSubject, settings, toProtocol, toSubject string) error {
	source := filepath.Join(l.settingsDir(fromSubject, fromProtocol), settings+".mat")
	if _, err := os.Stat(source); err != nil {
		return ErrUnknownSettings
	}

	destDir := l.settingsDir(toSubject, toProtocol)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	dest := filepath.Join(destDir, settings+".mat")

	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source settings: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create settings copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy settings: %w", err)
	}
	return out.Close()
}

// Validate checks that a run request names a known protocol, subject,
// and settings file, in that order.
func (l *Library) Validate(protocol, subject, settings string) error {
	protocols, err := l.Protocols()
	if err != nil {
		return err
	}
	if !contains(protocols, protocol) {
		return ErrUnknownProtocol
	}

	subjects, err := l.Subjects(protocol)
	if err != nil {
		return err
	}
	if !contains(subjects, subject) {
		return ErrUnknownSubject
	}

	available, err := l.Settings(protocol, subject)
	if err != nil {
		return err
	}
	if !contains(available, settings) {
		return ErrUnknownSettings
	}
	return nil
}

// HasCalibration reports whether a liquid calibration file exists for
// the box.
func (l *Library) HasCalibration(boxID string) bool {
	path := filepath.Join(l.dir, "Calibration Files", "LiquidCalibration_"+boxID+".mat")
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readDirOrCreate(dir string) ([]os.DirEntry, error) {
	children, err := os.ReadDir(dir)
	if err == nil {
		return children, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return nil, nil
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
