package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExcluded(t *testing.T) {
	t.Parallel()

	patterns := []string{"*.pyc", "__pycache__/", ".git/", "lib/terkin/secrets.py"}

	tests := []struct {
		relPath string
		isDir   bool
		want    bool
	}{
		{"main.py", false, false},
		{"main.pyc", false, true},
		{"lib/terkin/device.pyc", false, true},
		{"__pycache__", true, true},
		{"lib/terkin/__pycache__", true, true},
		{"__pycache__", false, false}, // a plain file of that name is not a cache dir
		{".git", true, true},
		{"lib/terkin/secrets.py", false, true},
		{"secrets.py", false, false},
		{"lib/terkin", true, false},
	}
	for _, tt := range tests {
		if got := Excluded(patterns, tt.relPath, tt.isDir); got != tt.want {
			t.Errorf(`Excluded(%q, isDir=%v) = %v, want %v`, tt.relPath, tt.isDir, got, tt.want)
		}
	}
}

func TestRemoteBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		configured string
		want       string
	}{
		{"settings.py", "settings.py"},
		{"lib/terkin", "lib/terkin"},
		{"./lib/hiveeyes", "lib/hiveeyes"},
		{"/home/user/sketch/dist-packages", "dist-packages"},
		{"../shared/main.py", "main.py"},
	}
	for _, tt := range tests {
		if got := remoteBase(tt.configured); got != tt.want {
			t.Errorf(`remoteBase(%q) = %q, want %q`, tt.configured, got, tt.want)
		}
	}
}

func TestWalkPaths(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	write("main.py", "print('main')\n")
	write("lib/terkin/datalogger.py", "class TerkinDatalogger: pass\n")
	write("lib/terkin/datalogger.pyc", "\x00compiled")
	write("lib/terkin/__pycache__/datalogger.cpython-38.pyc", "\x00cache")

	t.Chdir(dir)

	dc := &DeviceConfig{
		Paths: []string{"main.py", "lib/terkin"},
	}
	files, err := WalkPaths(dc)
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]bool)
	for _, lf := range files {
		got[lf.Info.Path()] = true
		if !lf.Info.HasChecksum() {
			t.Errorf(`%s has no checksum`, lf.Info.Path())
		}
	}
	want := []string{"main.py", "lib/terkin/datalogger.py"}
	if len(got) != len(want) {
		t.Errorf(`walked %d files, want %d: %v`, len(got), len(want), got)
	}
	for _, p := range want {
		if !got[p] {
			t.Errorf(`%s missing from walk result`, p)
		}
	}
	if got["lib/terkin/datalogger.pyc"] {
		t.Error(`compiled bytecode should be excluded`)
	}

	dc = &DeviceConfig{Paths: []string{"does-not-exist"}}
	if _, err := WalkPaths(dc); err == nil {
		t.Error(`missing path should fail the walk`)
	}
}
