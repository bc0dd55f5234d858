// Package config resolves runtime settings from the environment and
// keeps the persistent device identity sent to peers on room join.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "walletlink"
	// envPrefix namespaces every environment variable this package
	// reads.
	envPrefix = "WALLETLINK"
	// deviceFileName is the persisted device identity file.
	deviceFileName = "device.json"
)

// Config contains the environment-driven runtime settings.
type Config struct {
	RelayEndpoint  string `envconfig:"RELAY_ENDPOINT" default:"wss://127.0.0.1:8443/ws"`
	DataDir        string `envconfig:"DATA_DIR"`
	AppVersion     string `envconfig:"APP_VERSION" default:"1.0.0"`
	AppBuildNumber string `envconfig:"APP_BUILD_NUMBER" default:"1"`
	AppPlatform    string `envconfig:"APP_PLATFORM" default:"desktop"`
}

// Load reads settings from WALLETLINK_* environment variables and
// resolves the data directory when none is configured.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}

	if cfg.DataDir == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

// ResolveDataDir returns the OS-aware app data directory.
func ResolveDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// DeviceIdentity is the persistent identity shown to peers in the room
// user list. It carries no secrets.
type DeviceIdentity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// DevicePath returns the full path to device.json for a data directory.
func DevicePath(dataDir string) string {
	return filepath.Join(dataDir, deviceFileName)
}

// LoadOrCreateDevice loads the persisted device identity, creating a
// fresh one on first run.
func LoadOrCreateDevice(dataDir string) (*DeviceIdentity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := DevicePath(dataDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read device identity: %w", err)
		}

		device := defaultDevice()
		if err := saveDevice(path, device); err != nil {
			return nil, err
		}
		return device, nil
	}

	var device DeviceIdentity
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, fmt.Errorf("parse device identity: %w", err)
	}

	if normalizeDevice(&device) {
		if err := saveDevice(path, &device); err != nil {
			return nil, err
		}
	}

	return &device, nil
}

func defaultDevice() *DeviceIdentity {
	device := &DeviceIdentity{DeviceID: uuid.NewString()}
	normalizeDevice(device)
	return device
}

func normalizeDevice(device *DeviceIdentity) bool {
	updated := false

	if device.DeviceID == "" {
		device.DeviceID = uuid.NewString()
		updated = true
	}
	if device.DeviceName == "" {
		deviceName := "Wallet Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		device.DeviceName = deviceName
		updated = true
	}

	return updated
}

func saveDevice(path string, device *DeviceIdentity) error {
	raw, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write device identity: %w", err)
	}

	return nil
}
