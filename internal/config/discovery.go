package config

import (
	"os"
	"path/filepath"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
)

// searchDirs are tried in order: the current directory, then a "config"
// subdirectory of it.
var searchDirs = []string{".", "config"}

// Discovered is the result of a successful discovery pass: which file (or
// synthesis source) was used, and the resulting app.Config set.
type Discovered struct {
	Source string
	Apps   map[string]*app.Config
}

// Discover walks the discovery order: bunctl.json, then the
// ecosystem-format file, then package.json's native section, then its
// foreign section, then synthesis from scripts.start. An existing
// bunctl.json or ecosystem-format file wins even if it defines no apps; the
// package.json sources are used only when they yield at least one app.
func Discover() (*Discovered, error) {
	for _, dir := range searchDirs {
		if d, err := discoverIn(dir); err != nil {
			return nil, err
		} else if d != nil {
			return d, nil
		}
	}
	return nil, apperr.New(apperr.KindConfig, "no configuration file found in "+joinSearchDirs())
}

func discoverIn(dir string) (*Discovered, error) {
	native := filepath.Join(dir, "bunctl.json")
	if exists(native) {
		raw, err := os.ReadFile(native)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIO, "read "+native, err)
		}
		nf, err := ParseNative(raw)
		if err != nil {
			return nil, err
		}
		apps, err := nf.ToAppConfigs()
		if err != nil {
			return nil, err
		}
		return &Discovered{Source: native, Apps: apps}, nil
	}

	// The .js variants are recognized so they can be refused: loading them
	// would mean evaluating a scripting-runtime config file, which this
	// module never does. LoadEcosystemFile rejects them by extension.
	for _, name := range []string{"ecosystem.config.js", "ecosystem.config.json", "pm2.config.js", "pm2.config.json"} {
		path := filepath.Join(dir, name)
		if !exists(path) {
			continue
		}
		apps, err := LoadEcosystemFile(path)
		if err != nil {
			return nil, err
		}
		return &Discovered{Source: path, Apps: apps}, nil
	}

	pkgPath := filepath.Join(dir, "package.json")
	if exists(pkgPath) {
		if apps, err := LoadPackageJSONNative(pkgPath); err != nil {
			return nil, err
		} else if len(apps) > 0 {
			return &Discovered{Source: pkgPath + "#bunctl", Apps: apps}, nil
		}
		if apps, err := LoadPackageJSONForeign(pkgPath); err != nil {
			return nil, err
		} else if len(apps) > 0 {
			return &Discovered{Source: pkgPath + "#pm2", Apps: apps}, nil
		}
		if apps, err := SynthesizeFromScripts(pkgPath); err != nil {
			return nil, err
		} else if len(apps) > 0 {
			return &Discovered{Source: pkgPath + "#scripts.start", Apps: apps}, nil
		}
	}

	return nil, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func joinSearchDirs() string {
	out := searchDirs[0]
	for _, d := range searchDirs[1:] {
		out += ", " + d
	}
	return out
}
