package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WALLETLINK_RELAY_ENDPOINT", "wss://relay.example.com/ws")
	t.Setenv("WALLETLINK_DATA_DIR", t.TempDir())
	t.Setenv("WALLETLINK_APP_VERSION", "5.1.0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RelayEndpoint != "wss://relay.example.com/ws" {
		t.Fatalf("unexpected relay endpoint %q", cfg.RelayEndpoint)
	}
	if cfg.AppVersion != "5.1.0" {
		t.Fatalf("unexpected app version %q", cfg.AppVersion)
	}
	if cfg.AppPlatform != "desktop" {
		t.Fatalf("expected default platform, got %q", cfg.AppPlatform)
	}
}

func TestLoadResolvesDataDir(t *testing.T) {
	t.Setenv("WALLETLINK_DATA_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir == "" {
		t.Fatal("expected a resolved data directory")
	}
	if filepath.Base(cfg.DataDir) != AppDirectoryName {
		t.Fatalf("unexpected data directory %q", cfg.DataDir)
	}
}

func TestLoadOrCreateDeviceIsStable(t *testing.T) {
	dataDir := t.TempDir()

	first, err := LoadOrCreateDevice(dataDir)
	if err != nil {
		t.Fatalf("first LoadOrCreateDevice failed: %v", err)
	}
	if first.DeviceID == "" || first.DeviceName == "" {
		t.Fatalf("incomplete device identity: %+v", first)
	}

	second, err := LoadOrCreateDevice(dataDir)
	if err != nil {
		t.Fatalf("second LoadOrCreateDevice failed: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("device id not stable: %q then %q", first.DeviceID, second.DeviceID)
	}
}

func TestLoadOrCreateDeviceFillsMissingFields(t *testing.T) {
	dataDir := t.TempDir()

	path := DevicePath(dataDir)
	if err := os.WriteFile(path, []byte(`{"device_id":"legacy-device"}`), 0o600); err != nil {
		t.Fatalf("seed legacy identity: %v", err)
	}

	device, err := LoadOrCreateDevice(dataDir)
	if err != nil {
		t.Fatalf("LoadOrCreateDevice failed: %v", err)
	}
	if device.DeviceID != "legacy-device" {
		t.Fatalf("device id rewritten: %q", device.DeviceID)
	}
	if device.DeviceName == "" {
		t.Fatal("expected device name to be filled in")
	}
}
