package config

import (
	"os"
	"path/filepath"
	"testing"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestDiscoverPrefersNativeOverEcosystem(t *testing.T) {
	dir := chdirTemp(t)
	native := `{"apps":[{"name":"web","command":"node"}]}`
	eco := `{"apps":[{"name":"api","script":"app.js"}]}`
	if err := os.WriteFile(filepath.Join(dir, "bunctl.json"), []byte(native), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ecosystem.config.json"), []byte(eco), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, ok := d.Apps["web"]; !ok {
		t.Errorf("expected the native file to win, got %v", d.Apps)
	}
}

func TestDiscoverFallsBackToEcosystem(t *testing.T) {
	dir := chdirTemp(t)
	eco := `{"apps":[{"name":"api","script":"app.js"}]}`
	if err := os.WriteFile(filepath.Join(dir, "ecosystem.config.json"), []byte(eco), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, ok := d.Apps["api"]; !ok {
		t.Errorf("expected the ecosystem file to be used, got %v", d.Apps)
	}
}

func TestDiscoverRefusesEcosystemJS(t *testing.T) {
	dir := chdirTemp(t)
	if err := os.WriteFile(filepath.Join(dir, "ecosystem.config.js"), []byte("module.exports = {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Discover(); err == nil {
		t.Fatal("expected discovery to refuse a scripting-runtime config file")
	}
}

func TestDiscoverNoConfigFound(t *testing.T) {
	chdirTemp(t)
	if _, err := Discover(); err == nil {
		t.Fatal("expected an error when no config file is present")
	}
}
