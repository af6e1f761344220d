package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML values in time.ParseDuration form ("30s") or as
// a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	text := strings.TrimSpace(value.Value)
	if text == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(text); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration %q", text)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings configure the academy daemon. Values resolve in order:
// built-in defaults, then the YAML file at <dir>/Academy/academy.yaml.
type Settings struct {
	Dir            string   `yaml:"dir"`
	ListenAddr     string   `yaml:"listen_addr"`
	EngineCommand  string   `yaml:"engine_command"`
	LogLevel       string   `yaml:"log_level"`
	StartTimeout   Duration `yaml:"start_timeout"`
	StopGrace      Duration `yaml:"stop_grace"`
	PollInterval   Duration `yaml:"poll_interval"`
	ClientBuffer   int      `yaml:"client_buffer"`
	RelayPort      string   `yaml:"relay_port"`
	RelayBaudRate  int      `yaml:"relay_baud_rate"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

const (
	DefaultListenAddr    = ":5555"
	DefaultEngineCommand = "bpod-engine"
	DefaultStartTimeout  = 30 * time.Second
	DefaultStopGrace     = 10 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultClientBuffer  = 64
	DefaultRelayBaudRate = 9600

	settingsFileName = "academy.yaml"
)

var ErrDirRequired = errors.New("bpod directory not specified: pass -dir or set BPOD_DIR")

// AcademyDir is the subdirectory of the bpod dir holding server state
// (device table, logs, settings file).
func (s Settings) AcademyDir() string {
	return filepath.Join(s.Dir, "Academy")
}

func (s Settings) RegistryFile() string {
	return filepath.Join(s.AcademyDir(), "AcademyConfig.csv")
}

func (s Settings) LogDir() string {
	return filepath.Join(s.AcademyDir(), "logs")
}

func (s Settings) SettingsFile() string {
	return filepath.Join(s.AcademyDir(), settingsFileName)
}

// Load resolves settings for the given bpod directory. An empty dir
// falls back to the BPOD_DIR environment variable.
func Load(dir string) (Settings, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv("BPOD_DIR"))
	}
	if dir == "" {
		return Settings{}, ErrDirRequired
	}

	settings := defaults(dir)

	payload, err := os.ReadFile(settings.SettingsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(payload, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}
	settings.Dir = dir
	return normalize(settings), nil
}

func defaults(dir string) Settings {
	return Settings{
		Dir:           dir,
		ListenAddr:    DefaultListenAddr,
		EngineCommand: DefaultEngineCommand,
		LogLevel:      "info",
		StartTimeout:  Duration(DefaultStartTimeout),
		StopGrace:     Duration(DefaultStopGrace),
		PollInterval:  Duration(DefaultPollInterval),
		ClientBuffer:  DefaultClientBuffer,
		RelayBaudRate: DefaultRelayBaudRate,
	}
}

func normalize(settings Settings) Settings {
	if strings.TrimSpace(settings.ListenAddr) == "" {
		settings.ListenAddr = DefaultListenAddr
	}
	if strings.TrimSpace(settings.EngineCommand) == "" {
		settings.EngineCommand = DefaultEngineCommand
	}
	if settings.StartTimeout <= 0 {
		settings.StartTimeout = Duration(DefaultStartTimeout)
	}
	if settings.StopGrace <= 0 {
		settings.StopGrace = Duration(DefaultStopGrace)
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = Duration(DefaultPollInterval)
	}
	if settings.ClientBuffer <= 0 {
		settings.ClientBuffer = DefaultClientBuffer
	}
	if settings.RelayBaudRate <= 0 {
		settings.RelayBaudRate = DefaultRelayBaudRate
	}
	return settings
}
