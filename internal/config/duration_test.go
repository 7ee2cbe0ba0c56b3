package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDurationUnmarshalString(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"30s"`), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if d.AsDuration() != 30*time.Second {
		t.Errorf("got %v, want 30s", d.AsDuration())
	}
}

func TestDurationUnmarshalSeconds(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`2.5`), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if d.AsDuration() != 2500*time.Millisecond {
		t.Errorf("got %v, want 2.5s", d.AsDuration())
	}
}

func TestDurationUnmarshalInvalidString(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Fatal("expected an error for an invalid duration string")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(45 * time.Second)
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out Duration
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.AsDuration() != d.AsDuration() {
		t.Errorf("round trip got %v, want %v", out.AsDuration(), d.AsDuration())
	}
}
