package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var (
		name        string
		entry       string
		cwd         string
		port        int
		memory      string
		cpu         float64
		runtime     string
		autostart   bool
		instances   int
		ecosystem   bool
		fromEcoPath string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new application config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromEcoPath != "" {
				return convertEcosystemToNative(fromEcoPath, "bunctl.json")
			}

			command := entry
			var cmdArgs []string
			if runtime != "" {
				cmdArgs = []string{entry}
				command = runtime
			}
			restartPolicy := "no"
			if autostart {
				restartPolicy = "always"
			}

			env := map[string]string{}
			if port != 0 {
				env["PORT"] = fmt.Sprintf("%d", port)
			}

			doc := map[string]any{
				"apps": []map[string]any{
					{
						"name":            name,
						"command":         command,
						"args":            cmdArgs,
						"cwd":             cwd,
						"env":             env,
						"restart_policy":  restartPolicy,
						"max_memory":      parseHumanOrZero(memory),
						"max_cpu_percent": cpu,
						"instances":       instances,
					},
				},
			}

			outPath := "bunctl.json"
			if ecosystem {
				outPath = "ecosystem.config.json"
				doc = map[string]any{
					"apps": []map[string]any{
						{
							"name":               name,
							"script":             entry,
							"interpreter":        runtime,
							"cwd":                cwd,
							"env":                env,
							"autorestart":        autostart,
							"max_memory_restart": memory,
							"instances":          instances,
						},
					},
				}
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "app", "application name")
	cmd.Flags().StringVar(&entry, "entry", "", "entry point (script or command)")
	cmd.Flags().IntVar(&port, "port", 0, "port to expose via PORT env var")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&memory, "memory", "", "memory limit (e.g. 256M)")
	cmd.Flags().Float64Var(&cpu, "cpu", 0, "cpu percent limit")
	cmd.Flags().StringVar(&runtime, "runtime", "", "interpreter/runtime to run entry under")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "restart_policy always instead of no")
	cmd.Flags().IntVar(&instances, "instances", 1, "instance count (accepted, ignored by the daemon)")
	cmd.Flags().BoolVar(&ecosystem, "ecosystem", false, "write an ecosystem-format file instead of native")
	cmd.Flags().StringVar(&fromEcoPath, "from-ecosystem", "", "convert an existing ecosystem file to native bunctl.json")

	return cmd
}

// parseHumanOrZero parses a human memory size (e.g. "256M") the same way
// the ecosystem-format max_memory_restart field is parsed, returning 0 for
// an empty or unparseable string.
func parseHumanOrZero(s string) int64 {
	if s == "" {
		return 0
	}
	if c := s[len(s)-1]; c == 'k' || c == 'K' || c == 'm' || c == 'M' || c == 'g' || c == 'G' {
		s += "i"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return int64(n)
}

func convertEcosystemToNative(fromPath, outPath string) error {
	apps, err := loadEcosystemApps(fromPath)
	if err != nil {
		return err
	}
	type nativeApp struct {
		Name          string            `json:"name"`
		Command       string            `json:"command"`
		Args          []string          `json:"args,omitempty"`
		Cwd           string            `json:"cwd,omitempty"`
		Env           map[string]string `json:"env,omitempty"`
		RestartPolicy string            `json:"restart_policy,omitempty"`
	}
	out := struct {
		Apps []nativeApp `json:"apps"`
	}{}
	for id, cfg := range apps {
		out.Apps = append(out.Apps, nativeApp{
			Name:          id,
			Command:       cfg.Command,
			Args:          cfg.Args,
			Cwd:           cfg.Cwd,
			Env:           cfg.Env,
			RestartPolicy: string(cfg.RestartPolicy),
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return err
	}
	fmt.Println("wrote", outPath)
	return nil
}
