package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/config"
	"github.com/kalehq/sentryd/internal/ipc"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		configPath  string
		command     string
		script      string
		cwd         string
		envKVs      []string
		autoRestart bool
		maxMemory   string
		maxCPU      float64
		uid         int
		gid         int
	)

	cmd := &cobra.Command{
		Use:   "start [NAME|all]",
		Short: "Start an application",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) == 1 {
				name = args[0]
			}

			if configPath != "" || (name == "all" && command == "" && script == "") {
				return startFromDiscoveredConfig(configPath, name)
			}

			entry := command
			if entry == "" {
				entry = script
			}
			if entry == "" {
				return fmt.Errorf("start requires --command, --script, or --config")
			}
			env := parseEnvKVs(envKVs)
			restartPolicy := "no"
			if autoRestart {
				restartPolicy = "always"
			}

			doc := map[string]any{
				"apps": []map[string]any{
					{
						"name":            name,
						"command":         entry,
						"cwd":             cwd,
						"env":             env,
						"restart_policy":  restartPolicy,
						"max_memory":      parseHumanOrZero(maxMemory),
						"max_cpu_percent": maxCPU,
					},
				},
			}
			if cmd.Flags().Changed("uid") {
				doc["apps"].([]map[string]any)[0]["uid"] = uid
			}
			if cmd.Flags().Changed("gid") {
				doc["apps"].([]map[string]any)[0]["gid"] = gid
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			return withClient(func(c *client) error {
				resp, err := c.call(ipc.Request{Type: ipc.ReqStart, Name: name, ConfigJSON: raw})
				if err != nil {
					return err
				}
				fmt.Println(resp.Message)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "load application(s) from this config file")
	cmd.Flags().StringVar(&command, "command", "", "command to run")
	cmd.Flags().StringVar(&script, "script", "", "script to run (alias for --command)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringSliceVar(&envKVs, "env", nil, "KEY=VALUE environment entries (repeatable)")
	cmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "equivalent to restart_policy always")
	cmd.Flags().StringVar(&maxMemory, "max-memory", "", "memory limit (e.g. 256M)")
	cmd.Flags().Float64Var(&maxCPU, "max-cpu", 0, "cpu percent limit")
	cmd.Flags().IntVar(&uid, "uid", 0, "run as this uid")
	cmd.Flags().IntVar(&gid, "gid", 0, "run as this gid")

	return cmd
}

func startFromDiscoveredConfig(configPath, name string) error {
	var apps map[string]*configApp
	var err error
	if configPath != "" {
		apps, err = loadConfigFile(configPath)
	} else {
		apps, err = discoverConfigApps()
	}
	if err != nil {
		return err
	}

	return withClient(func(c *client) error {
		for id, cfg := range expandAllConfigs(name, apps) {
			raw, err := json.Marshal(map[string]any{"apps": []any{cfg}})
			if err != nil {
				return err
			}
			resp, err := c.call(ipc.Request{Type: ipc.ReqStart, Name: id, ConfigJSON: raw})
			if err != nil {
				return fmt.Errorf("start %s: %w", id, err)
			}
			fmt.Println(resp.Message)
		}
		return nil
	})
}

func newStopCmd() *cobra.Command {
	var timeoutSecs int
	cmd := &cobra.Command{
		Use:   "stop NAME|all",
		Short: "Stop an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				return forEachTarget(c, args[0], func(c *client, name string) error {
					resp, err := c.call(ipc.Request{
						Type:      ipc.ReqStop,
						Name:      name,
						TimeoutMS: int64(timeoutSecs) * 1000,
					})
					if err != nil {
						return err
					}
					fmt.Println(resp.Message)
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "seconds to wait before escalating to a forced kill (0 uses the app's configured stop_timeout)")
	return cmd
}

func newRestartCmd() *cobra.Command {
	var parallel bool
	var waitMS int
	cmd := &cobra.Command{
		Use:   "restart NAME|all",
		Short: "Restart an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "all" {
				return withClient(func(c *client) error { return restartOne(c, args[0]) })
			}

			var names []string
			if err := withClient(func(c *client) error {
				resp, err := c.call(ipc.Request{Type: ipc.ReqList})
				if err != nil {
					return err
				}
				names, err = statusNames(resp)
				return err
			}); err != nil {
				return err
			}

			if parallel {
				// Each goroutine gets its own connection: one connection's
				// request/response stream is strictly serialized.
				var wg sync.WaitGroup
				errCh := make(chan error, len(names))
				for _, n := range names {
					wg.Add(1)
					go func(n string) {
						defer wg.Done()
						errCh <- withClient(func(c *client) error { return restartOne(c, n) })
					}(n)
				}
				wg.Wait()
				close(errCh)
				for err := range errCh {
					if err != nil {
						return err
					}
				}
				return nil
			}

			return withClient(func(c *client) error {
				for i, n := range names {
					if i > 0 && waitMS > 0 {
						time.Sleep(time.Duration(waitMS) * time.Millisecond)
					}
					if err := restartOne(c, n); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&parallel, "parallel", false, "restart all targets concurrently instead of sequentially")
	cmd.Flags().IntVar(&waitMS, "wait", 0, "milliseconds to wait between sequential restarts")
	return cmd
}

func restartOne(c *client, name string) error {
	resp, err := c.call(ipc.Request{Type: ipc.ReqRestart, Name: name})
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete NAME|all",
		Short: "Stop and remove an application from the managed set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "all" && !force {
				return fmt.Errorf("refusing to delete every managed application; pass --force to confirm")
			}
			return withClient(func(c *client) error {
				return forEachTarget(c, args[0], func(c *client, name string) error {
					resp, err := c.call(ipc.Request{Type: ipc.ReqDelete, Name: name})
					if err != nil {
						return err
					}
					fmt.Println(resp.Message)
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "required when deleting all applications at once")
	return cmd
}

// forEachTarget runs fn for name, or for every currently-listed application
// when name is "all".
func forEachTarget(c *client, name string, fn func(*client, string) error) error {
	if name != "all" {
		return fn(c, name)
	}
	resp, err := c.call(ipc.Request{Type: ipc.ReqList})
	if err != nil {
		return err
	}
	names, err := statusNames(resp)
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := fn(c, n); err != nil {
			return err
		}
	}
	return nil
}

func statusNames(resp ipc.Response) ([]string, error) {
	raw, err := json.Marshal(resp.Value)
	if err != nil {
		return nil, err
	}
	var statuses []ipc.AppStatus
	if err := json.Unmarshal(raw, &statuses); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Name)
	}
	return names, nil
}

func withClient(fn func(*client) error) error {
	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func parseEnvKVs(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

// configApp is the minimal shape needed to re-marshal one discovered
// application entry back into a native Start request's config_json.
type configApp = map[string]any

func loadConfigFile(path string) (map[string]*configApp, error) {
	apps, err := loadNativeOrEcosystem(path)
	if err != nil {
		return nil, err
	}
	return appsToConfigMaps(apps), nil
}

func discoverConfigApps() (map[string]*configApp, error) {
	d, err := config.Discover()
	if err != nil {
		return nil, err
	}
	return appsToConfigMaps(d.Apps), nil
}

func appsToConfigMaps(apps map[string]*app.Config) map[string]*configApp {
	out := make(map[string]*configApp, len(apps))
	for id, cfg := range apps {
		m := configApp{
			"name":            id,
			"command":         cfg.Command,
			"args":            cfg.Args,
			"cwd":             cfg.Cwd,
			"env":             cfg.Env,
			"restart_policy":  string(cfg.RestartPolicy),
			"max_memory":      cfg.MaxMemoryBytes,
			"max_cpu_percent": cfg.MaxCPUPercent,
		}
		out[id] = &m
	}
	return out
}

func expandAllConfigs(name string, apps map[string]*configApp) map[string]*configApp {
	if name != "all" {
		if cfg, ok := apps[name]; ok {
			return map[string]*configApp{name: cfg}
		}
		return nil
	}
	return apps
}

// loadNativeOrEcosystem tries the native format first (most config files in
// this ecosystem are native), falling back to the ecosystem-compatible
// foreign schema when the file doesn't parse as native.
func loadNativeOrEcosystem(path string) (map[string]*app.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if nf, nerr := config.ParseNative(raw); nerr == nil {
		if apps, aerr := nf.ToAppConfigs(); aerr == nil {
			return apps, nil
		}
	}
	return config.LoadEcosystemFile(path)
}
