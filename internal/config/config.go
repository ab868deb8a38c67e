package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tatsu020/AvatarWebcam/internal/bridge"
	"github.com/tatsu020/AvatarWebcam/internal/logger"
	"gopkg.in/yaml.v3"
)

// Settings is the persisted application configuration.
type Settings struct {
	// TargetSource pins the bridge to one sender; empty enables auto
	// discovery by SourceMarker.
	TargetSource string `json:"target_source" yaml:"target_source"`
	Resolution   string `json:"resolution" yaml:"resolution"`
	FPS          int    `json:"fps" yaml:"fps"`
	PreviewOn    bool   `json:"preview_enabled" yaml:"preview_enabled"`
	SourceMarker string `json:"source_marker" yaml:"source_marker"`

	SinkBackend string `json:"sink_backend" yaml:"sink_backend"`
	SinkDevice  string `json:"sink_device" yaml:"sink_device"`

	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogFile    string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// Manager handles configuration
type Manager struct {
	configPath string
	settings   *Settings
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager. An empty configFile selects
// ~/.config/avatarwebcam/config.yaml; a missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "avatarwebcam")
	actualConfigPath := filepath.Join(configDir, "config.yaml")
	if configFile != "" {
		actualConfigPath = configFile
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.settings = m.getDefaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("resolution", m.settings.Resolution).
		Int("fps", m.settings.FPS).
		Msg("Config loaded")

	return m, nil
}

// getDefaults returns default configuration
func (m *Manager) getDefaults() *Settings {
	return &Settings{
		TargetSource: "",
		Resolution:   bridge.ResolutionSource,
		FPS:          30,
		PreviewOn:    true,
		SourceMarker: "VRC",
		SinkBackend:  "auto",
		SinkDevice:   "/dev/video0",
		ServerPort:   8080,
		LogLevel:     "info",
	}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := *m.getDefaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// Repair values a hand-edited file may have broken
	if !bridge.ValidResolutionMode(cfg.Resolution) {
		logger.WithComponent("config").Warn().
			Str("resolution", cfg.Resolution).
			Msg("Unknown resolution mode, falling back to source")
		cfg.Resolution = bridge.ResolutionSource
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.ServerPort <= 0 {
		cfg.ServerPort = 8080
	}

	m.mu.Lock()
	m.settings = &cfg
	m.mu.Unlock()

	return nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.settings == nil {
		return m.getDefaults()
	}

	cfg := *m.settings
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.settings
	m.mu.RUnlock()

	if cfg == nil {
		cfg = m.getDefaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the entire configuration and persists it.
func (m *Manager) Update(cfg *Settings) error {
	m.mu.Lock()
	m.settings = cfg
	m.mu.Unlock()
	return m.Save()
}

// Set assigns a single setting by its yaml key and persists the change.
func (m *Manager) Set(key, value string) error {
	m.mu.Lock()
	cfg := m.settings
	if cfg == nil {
		cfg = m.getDefaults()
		m.settings = cfg
	}

	var err error
	switch key {
	case "target_source":
		cfg.TargetSource = value
	case "resolution":
		if !bridge.ValidResolutionMode(value) {
			err = fmt.Errorf("unknown resolution mode: %s (valid: %s)",
				value, strings.Join(bridge.ResolutionModes(), ", "))
		} else {
			cfg.Resolution = value
		}
	case "fps":
		var fps int
		fps, err = strconv.Atoi(value)
		if err != nil || fps <= 0 {
			err = fmt.Errorf("fps must be a positive integer: %s", value)
		} else {
			cfg.FPS = fps
		}
	case "preview_enabled":
		var on bool
		on, err = strconv.ParseBool(value)
		if err != nil {
			err = fmt.Errorf("preview_enabled must be a boolean: %s", value)
		} else {
			cfg.PreviewOn = on
		}
	case "source_marker":
		cfg.SourceMarker = value
	case "sink_backend":
		switch value {
		case "auto", "v4l2", "gst":
			cfg.SinkBackend = value
		default:
			err = fmt.Errorf("unknown sink backend: %s (valid: auto, v4l2, gst)", value)
		}
	case "sink_device":
		cfg.SinkDevice = value
	case "server_port":
		var port int
		port, err = strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			err = fmt.Errorf("server_port must be a valid port number: %s", value)
		} else {
			cfg.ServerPort = port
		}
	case "log_level":
		cfg.LogLevel = value
	case "log_file":
		cfg.LogFile = value
	default:
		err = fmt.Errorf("unknown setting: %s", key)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.settings.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.settings.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
