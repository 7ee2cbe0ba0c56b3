package config

import (
	"encoding/json"
	"os"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/appid"
)

// packageJSON is the subset of package.json fields the discovery loader
// cares about: its own `name` for synthesis, an embedded native config
// under the `bunctl` key, an embedded foreign config under the `pm2` key
// (the same keys the npm ecosystem uses for embedded tool config), and
// `scripts.start` for the last-resort synthesis step.
type packageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
	Bunctl  *NativeFile       `json:"bunctl"`
	PM2     *EcosystemFile    `json:"pm2"`
}

// LoadPackageJSONNative reads path and returns the apps embedded in its
// "bunctl" section, or nil if that section is absent.
func LoadPackageJSONNative(path string) (map[string]*app.Config, error) {
	pj, err := readPackageJSON(path)
	if err != nil {
		return nil, err
	}
	if pj.Bunctl == nil {
		return nil, nil
	}
	return pj.Bunctl.ToAppConfigs()
}

// LoadPackageJSONForeign reads path and returns the apps embedded in its
// "pm2" section, converted via the same rules as a standalone ecosystem
// file, or nil if that section is absent.
func LoadPackageJSONForeign(path string) (map[string]*app.Config, error) {
	pj, err := readPackageJSON(path)
	if err != nil {
		return nil, err
	}
	if pj.PM2 == nil {
		return nil, nil
	}
	return convertEcosystemApps(pj.PM2.Apps)
}

// SynthesizeFromScripts builds a single-app config from package.json's
// "name" and "scripts.start" entry, run as "run start" under the default
// runtime — the discovery order's final fallback.
func SynthesizeFromScripts(path string) (map[string]*app.Config, error) {
	pj, err := readPackageJSON(path)
	if err != nil {
		return nil, err
	}
	start, ok := pj.Scripts["start"]
	if !ok || start == "" {
		return nil, nil
	}
	name := pj.Name
	if name == "" {
		name = "app"
	}
	id, err := appid.Normalize(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidAppName, name, err)
	}
	cfg := &app.Config{
		Command:       "bun",
		Args:          []string{"run", "start"},
		RestartPolicy: app.RestartNo,
		Backoff:       app.DefaultBackoffConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return map[string]*app.Config{id: cfg}, nil
}

func readPackageJSON(path string) (*packageJSON, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "read package.json", err)
	}
	var pj packageJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "parse package.json", err)
	}
	return &pj, nil
}

// convertEcosystemApps shares EcosystemApp.toConfig's conversion rules for
// an apps slice that arrived already parsed (embedded in package.json)
// rather than read from a standalone ecosystem file.
func convertEcosystemApps(apps []EcosystemApp) (map[string]*app.Config, error) {
	raw, err := json.Marshal(EcosystemFile{Apps: apps})
	if err != nil {
		return nil, err
	}
	return ParseEcosystem(raw)
}
