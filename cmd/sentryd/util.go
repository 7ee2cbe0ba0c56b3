package main

import (
	"encoding/json"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/config"
)

func jsonMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func loadEcosystemApps(path string) (map[string]*app.Config, error) {
	return config.LoadEcosystemFile(path)
}
