// Package config loads application policy configuration from the native
// JSON format and the ecosystem-compatible foreign format, and discovers
// which file to load from a fixed search order. It is kept on
// encoding/json directly (never spf13/viper) so commands and args reach
// the daemon byte-identical to the source file, never blurred by a generic
// map-merging decode path; the daemon's own operational settings use viper
// instead (internal/config/daemon.go).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/appid"
)

// NativeFile is the top-level shape of a native bunctl.json-equivalent
// config file: a single `apps` array. Unknown fields are rejected.
type NativeFile struct {
	Apps []NativeApp `json:"apps"`
}

// NativeApp is one application entry in the native format. command and args
// are never shell-parsed; they are carried through to app.Config exactly as
// written.
type NativeApp struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`

	Cwd string            `json:"cwd"`
	Env map[string]string `json:"env"`
	UID *int              `json:"uid"`
	GID *int              `json:"gid"`

	RestartPolicy string `json:"restart_policy"`

	MaxMemory     int64   `json:"max_memory"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`

	StdoutLog   string `json:"stdout_log"`
	StderrLog   string `json:"stderr_log"`
	CombinedLog string `json:"combined_log"`
	LogMaxSize  int64  `json:"log_max_size"`
	LogMaxFiles int    `json:"log_max_files"`

	StopTimeout Duration `json:"stop_timeout"`
	KillTimeout Duration `json:"kill_timeout"`

	Backoff *NativeBackoff `json:"backoff"`

	// Instances is accepted but ignored: cluster/instance mode is not
	// implemented, and any value is treated as a single instance.
	Instances int `json:"instances"`
}

// NativeBackoff mirrors app.BackoffConfig in JSON.
type NativeBackoff struct {
	BaseDelayMS     int64   `json:"base_delay_ms"`
	MaxDelayMS      int64   `json:"max_delay_ms"`
	Multiplier      float64 `json:"multiplier"`
	Jitter          float64 `json:"jitter"`
	MaxAttempts     int     `json:"max_attempts"`
	ExhaustedAction string  `json:"exhausted_action"`
}

// ParseNative decodes raw as a NativeFile, rejecting unknown fields at every
// level so a typo in a config file fails loudly instead of being silently
// ignored.
func ParseNative(raw []byte) (*NativeFile, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var nf NativeFile
	if err := dec.Decode(&nf); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "parse native config", err)
	}
	if dec.More() {
		return nil, apperr.New(apperr.KindConfig, "trailing data after native config document")
	}
	return &nf, nil
}

// ToAppConfigs converts every NativeApp in nf to a normalized application id
// and validated app.Config, required name/command checked here before
// app.Config.Validate runs the rest.
func (nf *NativeFile) ToAppConfigs() (map[string]*app.Config, error) {
	out := make(map[string]*app.Config, len(nf.Apps))
	for _, na := range nf.Apps {
		if na.Name == "" {
			return nil, apperr.New(apperr.KindConfig, "app entry missing required field: name")
		}
		if na.Command == "" {
			return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("app %q missing required field: command", na.Name))
		}
		id, err := appid.Normalize(na.Name)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidAppName, na.Name, err)
		}
		cfg := na.toConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("app %q: %w", na.Name, err)
		}
		out[id] = cfg
	}
	return out, nil
}

func (na *NativeApp) toConfig() *app.Config {
	cfg := &app.Config{
		Command:        na.Command,
		Args:           na.Args,
		Cwd:            na.Cwd,
		Env:            na.Env,
		UID:            na.UID,
		GID:            na.GID,
		RestartPolicy:  app.RestartPolicy(na.RestartPolicy),
		MaxMemoryBytes: na.MaxMemory,
		MaxCPUPercent:  na.MaxCPUPercent,
		Log: app.LogConfig{
			StdoutPath:   na.StdoutLog,
			StderrPath:   na.StderrLog,
			CombinedPath: na.CombinedLog,
			MaxSizeBytes: na.LogMaxSize,
			MaxFiles:     na.LogMaxFiles,
		},
		StopTimeout: na.StopTimeout.AsDuration(),
		KillTimeout: na.KillTimeout.AsDuration(),
		Instances:   na.Instances,
	}
	if na.Backoff != nil {
		cfg.Backoff = app.BackoffConfig{
			BaseDelayMS:     na.Backoff.BaseDelayMS,
			MaxDelayMS:      na.Backoff.MaxDelayMS,
			Multiplier:      na.Backoff.Multiplier,
			Jitter:          na.Backoff.Jitter,
			MaxAttempts:     na.Backoff.MaxAttempts,
			ExhaustedAction: app.ExhaustedAction(na.Backoff.ExhaustedAction),
		}
	} else {
		cfg.Backoff = app.DefaultBackoffConfig()
	}
	return cfg
}
