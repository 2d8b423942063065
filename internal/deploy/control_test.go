package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateLockFilePath(t *testing.T) {
	t.Parallel()

	if err := validateLockFilePath("/var/lib/mpsync/.lock", "/var/lib/mpsync"); err != nil {
		t.Error(err)
	}
	if err := validateLockFilePath("/var/lib/mpsync/../.lock", "/var/lib/mpsync"); err == nil {
		t.Error(`traversal in the lock path should be rejected`)
	}
	if err := validateLockFilePath("/tmp/.lock", "/var/lib/mpsync"); err == nil {
		t.Error(`lock file outside the manifest dir should be rejected`)
	}
}

func TestRunDryRun(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('x')\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	config := NewConfig()
	config.ManifestDir = filepath.Join(dir, "manifests")
	config.Devices = map[string]*DeviceConfig{
		"fipy-office": {
			Address: tomlAddress{Host: "203.0.113.1", Port: "21"},
			Paths:   []string{"main.py"},
		},
		"wipy-garden": {
			Address: tomlAddress{Host: "203.0.113.2", Port: "21"},
			Paths:   []string{"main.py"},
		},
	}

	// Empty device list means all devices.
	if err := Run(context.Background(), config, nil, true, true, false); err != nil {
		t.Fatal(err)
	}

	// The lock file is removed on the way out.
	if _, err := os.Stat(filepath.Join(config.ManifestDir, lockFilename)); !os.IsNotExist(err) {
		t.Errorf(`lock file should be removed after Run, stat err = %v`, err)
	}

	if err := Run(context.Background(), config, []string{"no-such-device"}, true, true, false); err == nil {
		t.Error(`unknown device should fail the run`)
	}
}
