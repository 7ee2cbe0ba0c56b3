package oplog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.log")
	log := New(Config{Level: "debug", File: path})
	log.Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output to be written to the file")
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.log")
	log := New(Config{Level: "error", File: path})
	log.Info("should not appear")
	log.Error("should appear")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "should not appear") {
		t.Errorf("info line leaked through an error-level logger: %q", got)
	}
	if !strings.Contains(got, "should appear") {
		t.Errorf("expected the error line to be present, got %q", got)
	}
}

func TestDefaultLevelIsInfo(t *testing.T) {
	c := Config{}
	if c.level().String() != "INFO" {
		t.Errorf("default level = %v, want INFO", c.level())
	}
}
