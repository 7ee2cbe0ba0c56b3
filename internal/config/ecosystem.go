package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/appid"
)

// scriptRuntimeExtensions are file extensions that would require evaluating
// a scripting-runtime config file (ecosystem.config.js and the like). These
// are refused as a security measure; no code path here evaluates them —
// LoadEcosystemFile rejects the file by extension before ever opening it.
var scriptRuntimeExtensions = []string{".js", ".cjs", ".mjs", ".ts"}

// IsScriptRuntimeFile reports whether path has an extension that would
// require evaluating a scripting runtime to load (e.g. ecosystem.config.js).
func IsScriptRuntimeFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range scriptRuntimeExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// EcosystemFile is the foreign, pm2-like ecosystem schema: an `apps` array
// whose entries describe a script + interpreter rather than a bare command.
type EcosystemFile struct {
	Apps []EcosystemApp `json:"apps"`
}

// ArgList decodes the foreign schema's args field, which pm2 accepts either
// as an array of strings or as a single string. A string is split on
// whitespace only — never on shell metacharacters — per the command
// integrity rule: this loader boundary is the one place any splitting is
// allowed to happen.
type ArgList []string

func (a *ArgList) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		*a = strings.Fields(asString)
		return nil
	}
	var asSlice []string
	if err := json.Unmarshal(b, &asSlice); err != nil {
		return fmt.Errorf("args must be a string or an array of strings: %w", err)
	}
	*a = asSlice
	return nil
}

// EcosystemApp is one entry in the foreign schema.
type EcosystemApp struct {
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Interpreter string            `json:"interpreter"`
	Args        ArgList           `json:"args"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	EnvProd     map[string]string `json:"env_production"`
	EnvDev      map[string]string `json:"env_development"`

	MaxMemoryRestart string `json:"max_memory_restart"`
	AutoRestart      *bool  `json:"autorestart"`
	RestartDelay     int64  `json:"restart_delay"` // milliseconds
	MaxRestarts      int    `json:"max_restarts"`
	KillTimeout      int64  `json:"kill_timeout"` // milliseconds

	OutFile   string `json:"out_file"`
	ErrorFile string `json:"error_file"`
	LogFile   string `json:"log_file"`

	Instances int `json:"instances"`
}

// LoadEcosystemFile reads and converts an ecosystem-format file at path. A
// path with a scripting-runtime extension (.js, .cjs, .mjs, .ts) is rejected
// outright, without being opened.
func LoadEcosystemFile(path string) (map[string]*app.Config, error) {
	if IsScriptRuntimeFile(path) {
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("refusing to evaluate scripting-runtime config file %q: only JSON ecosystem files are supported", path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "read ecosystem config file", err)
	}
	return ParseEcosystem(raw)
}

// ParseEcosystem decodes raw as an EcosystemFile and converts every entry to
// an app.Config, applying the NODE_ENV-selected env overlay.
func ParseEcosystem(raw []byte) (map[string]*app.Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var ef EcosystemFile
	if err := dec.Decode(&ef); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "parse ecosystem config", err)
	}

	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "" {
		nodeEnv = "production"
	}
	out := make(map[string]*app.Config, len(ef.Apps))
	for _, ea := range ef.Apps {
		if ea.Name == "" {
			return nil, apperr.New(apperr.KindConfig, "ecosystem app entry missing required field: name")
		}
		id, err := appid.Normalize(ea.Name)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidAppName, ea.Name, err)
		}
		cfg, err := ea.toConfig(nodeEnv)
		if err != nil {
			return nil, fmt.Errorf("ecosystem app %q: %w", ea.Name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("ecosystem app %q: %w", ea.Name, err)
		}
		out[id] = cfg
	}
	return out, nil
}

// toConfig converts one foreign entry: interpreter + script form the
// command unless interpreter is "none" (script itself is the command, still
// never shell-split); an unset interpreter means the default runtime,
// "bun"; max_memory_restart parses human-size suffixes with 1024-base
// semantics.
func (ea *EcosystemApp) toConfig(nodeEnv string) (*app.Config, error) {
	if ea.Script == "" {
		return nil, apperr.New(apperr.KindConfig, "missing required field: script")
	}
	interpreter := ea.Interpreter
	if interpreter == "" {
		interpreter = "bun"
	}
	var command string
	var args []string
	if interpreter == "none" {
		command = ea.Script
		args = ea.Args
	} else {
		command = interpreter
		args = append([]string{ea.Script}, ea.Args...)
	}

	env := mergeEnv(ea.Env, nodeEnv, ea.EnvProd, ea.EnvDev)

	var maxMemory int64
	if ea.MaxMemoryRestart != "" {
		size := strings.TrimSpace(ea.MaxMemoryRestart)
		if n := len(size); n > 0 {
			switch size[n-1] {
			case 'k', 'K', 'm', 'M', 'g', 'G':
				size += "i"
			}
		}
		bytesVal, err := humanize.ParseBytes(size)
		if err != nil {
			return nil, fmt.Errorf("invalid max_memory_restart %q: %w", ea.MaxMemoryRestart, err)
		}
		maxMemory = int64(bytesVal)
	}

	restartPolicy := app.RestartNo
	if ea.AutoRestart == nil || *ea.AutoRestart {
		restartPolicy = app.RestartAlways
	}

	backoff := app.DefaultBackoffConfig()
	if ea.RestartDelay > 0 {
		backoff.BaseDelayMS = ea.RestartDelay
	}
	if ea.MaxRestarts > 0 {
		backoff.MaxAttempts = ea.MaxRestarts
	}

	return &app.Config{
		Command:        command,
		Args:           args,
		Cwd:            ea.Cwd,
		Env:            env,
		RestartPolicy:  restartPolicy,
		MaxMemoryBytes: maxMemory,
		Log: app.LogConfig{
			StdoutPath:   ea.OutFile,
			StderrPath:   ea.ErrorFile,
			CombinedPath: ea.LogFile,
		},
		KillTimeout: time.Duration(ea.KillTimeout) * time.Millisecond,
		Backoff:     backoff,
		Instances:   ea.Instances,
	}, nil
}

// mergeEnv layers base env under the NODE_ENV-selected overlay
// (env_production when NODE_ENV=="production", env_development when
// NODE_ENV=="development", neither otherwise).
func mergeEnv(base map[string]string, nodeEnv string, prod, dev map[string]string) map[string]string {
	merged := make(map[string]string, len(base))
	for k, v := range base {
		merged[k] = v
	}
	var overlay map[string]string
	switch nodeEnv {
	case "production":
		overlay = prod
	case "development":
		overlay = dev
	}
	for k, v := range overlay {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
