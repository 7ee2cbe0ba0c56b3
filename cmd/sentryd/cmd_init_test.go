package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseHumanOrZero(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"bogus": 0,
		"256M":  256 * 1024 * 1024,
		"1G":    1024 * 1024 * 1024,
	}
	for in, want := range cases {
		if got := parseHumanOrZero(in); got != want {
			t.Errorf("parseHumanOrZero(%q) = %d, want %d", in, got, want)
		}
	}
}

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

func TestInitCmdWritesNativeConfig(t *testing.T) {
	dir := chdirTemp(t)
	cmd := newInitCmd()
	cmd.SetArgs([]string{"--name", "web", "--entry", "server.js", "--runtime", "node"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "bunctl.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc struct {
		Apps []struct {
			Name    string `json:"name"`
			Command string `json:"command"`
		} `json:"apps"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(doc.Apps) != 1 || doc.Apps[0].Name != "web" || doc.Apps[0].Command != "node" {
		t.Errorf("got %+v, want one app named web running under node", doc.Apps)
	}
}

func TestInitCmdWritesEcosystemConfig(t *testing.T) {
	dir := chdirTemp(t)
	cmd := newInitCmd()
	cmd.SetArgs([]string{"--name", "web", "--entry", "server.js", "--ecosystem"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ecosystem.config.json")); err != nil {
		t.Fatalf("expected ecosystem.config.json to exist: %v", err)
	}
}

func TestConvertEcosystemToNative(t *testing.T) {
	dir := chdirTemp(t)
	ecoPath := filepath.Join(dir, "ecosystem.config.json")
	body := `{"apps":[{"name":"api","script":"server.js","interpreter":"node"}]}`
	if err := os.WriteFile(ecoPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := convertEcosystemToNative(ecoPath, "bunctl.json"); err != nil {
		t.Fatalf("convertEcosystemToNative: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "bunctl.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc struct {
		Apps []struct {
			Name    string `json:"name"`
			Command string `json:"command"`
		} `json:"apps"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(doc.Apps) != 1 || doc.Apps[0].Command != "node" {
		t.Errorf("got %+v, want one app with command node", doc.Apps)
	}
}
