package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/spf13/viper"
)

// DaemonSettings is the daemon's own operational configuration — socket
// path, metrics port, log level, parallel-start cap — loaded with
// spf13/viper. This is distinct from the application-policy config
// (NativeFile/EcosystemFile), which is hand-decoded with encoding/json to
// preserve byte-exact command/args (see the package doc comment in
// native.go).
type DaemonSettings struct {
	SocketPath        string `mapstructure:"socket_path"`
	LogLevel          string `mapstructure:"log_level"`
	LogFile           string `mapstructure:"log_file"`
	MetricsPort       int    `mapstructure:"metrics_port"`
	AdminListen       string `mapstructure:"admin_listen"`
	MaxParallelStarts int    `mapstructure:"max_parallel_starts"`
	LogBaseDir        string `mapstructure:"log_base_dir"`
}

// DefaultDaemonSettings returns the zero-config defaults.
func DefaultDaemonSettings() DaemonSettings {
	return DaemonSettings{
		LogLevel:          "info",
		MaxParallelStarts: 10,
	}
}

// LoadDaemonSettings reads path (any format viper supports: JSON, YAML,
// TOML) into DaemonSettings layered over the defaults, and validates it.
func LoadDaemonSettings(path string) (DaemonSettings, error) {
	settings := DefaultDaemonSettings()
	if path == "" {
		return settings, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return settings, apperr.Wrap(apperr.KindConfig, "read daemon settings file", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &settings,
	})
	if err != nil {
		return settings, apperr.Wrap(apperr.KindConfig, "build daemon settings decoder", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return settings, apperr.Wrap(apperr.KindConfig, "decode daemon settings", err)
	}

	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

// Validate enforces the daemon-settings invariants: max_parallel_starts in
// [1,100], metrics_port >= 1024 if set, non-empty socket path (left to the
// ipc package's OS default when empty here).
func (s DaemonSettings) Validate() error {
	if s.MaxParallelStarts != 0 && (s.MaxParallelStarts < 1 || s.MaxParallelStarts > 100) {
		return apperr.New(apperr.KindConfig, fmt.Sprintf("max_parallel_starts must be in [1,100], got %d", s.MaxParallelStarts))
	}
	if s.MetricsPort != 0 && s.MetricsPort < 1024 {
		return apperr.New(apperr.KindConfig, fmt.Sprintf("metrics_port must be >= 1024, got %d", s.MetricsPort))
	}
	return nil
}
