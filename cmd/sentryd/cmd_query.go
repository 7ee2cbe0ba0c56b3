package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalehq/sentryd/internal/ipc"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	var watch bool
	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show application status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run := func() error {
				return withClient(func(c *client) error {
					if len(args) == 1 {
						resp, err := c.call(ipc.Request{Type: ipc.ReqStatus, Name: args[0]})
						if err != nil {
							return err
						}
						return printStatus(resp.Value, asJSON)
					}
					resp, err := c.call(ipc.Request{Type: ipc.ReqList})
					if err != nil {
						return err
					}
					return printStatus(resp.Value, asJSON)
				})
			}
			if !watch {
				return run()
			}
			for {
				if err := run(); err != nil {
					return err
				}
				time.Sleep(2 * time.Second)
				fmt.Println("---")
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of a table")
	cmd.Flags().BoolVar(&watch, "watch", false, "repeat every 2 seconds until interrupted")
	return cmd
}

func printStatus(value any, asJSON bool) error {
	if asJSON {
		printJSON(value)
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var list []ipc.AppStatus
	if err := json.Unmarshal(raw, &list); err == nil && (len(list) > 0 || looksLikeArray(raw)) {
		printStatusTable(list)
		return nil
	}
	var one ipc.AppStatus
	if err := json.Unmarshal(raw, &one); err != nil {
		return err
	}
	printStatusTable([]ipc.AppStatus{one})
	return nil
}

func looksLikeArray(raw []byte) bool {
	for _, b := range raw {
		if b == ' ' || b == '\t' || b == '\n' {
			continue
		}
		return b == '['
	}
	return false
}

func printStatusTable(list []ipc.AppStatus) {
	fmt.Printf("%-20s %-10s %-8s %-10s %s\n", "NAME", "STATE", "PID", "RESTARTS", "UPTIME")
	for _, s := range list {
		uptime := time.Duration(s.UptimeSec) * time.Second
		fmt.Printf("%-20s %-10s %-8d %-10d %s\n", s.Name, s.State, s.Pid, s.Restarts, uptime)
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every managed application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				resp, err := c.call(ipc.Request{Type: ipc.ReqList})
				if err != nil {
					return err
				}
				return printStatus(resp.Value, false)
			})
		},
	}
}

func newLogsCmd() *cobra.Command {
	var (
		lines       int
		timestamps  bool
		errorsFirst bool
		noColors    bool
		asJSON      bool
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "logs [NAME]",
		Short: "Show an application's recent log output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			_ = timestamps
			_ = noColors

			return withClient(func(c *client) error {
				resp, err := c.call(ipc.Request{Type: ipc.ReqLogs, Name: name, Lines: lines})
				if err != nil {
					return err
				}
				if asJSON {
					printJSON(resp.Value)
				} else {
					printLogLines(resp.Value, errorsFirst)
				}
				if !watch {
					return nil
				}
				return c.stream(ipc.Request{
					Type:         ipc.ReqSubscribe,
					Subscription: &ipc.SubscriptionSpec{Kind: "log", AppName: name},
				}, func(r ipc.Response) error {
					if r.Event != nil {
						fmt.Printf("[%s] %s\n", r.Event.App, r.Event.Line)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing lines to show")
	cmd.Flags().BoolVar(&timestamps, "timestamps", false, "(log lines already carry timestamps on disk)")
	cmd.Flags().BoolVar(&errorsFirst, "errors-first", false, "show stderr lines before stdout lines")
	cmd.Flags().BoolVar(&noColors, "no-colors", false, "disable ANSI coloring")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of plain lines")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep streaming new lines after printing the tail")
	return cmd
}

func printLogLines(value any, errorsFirst bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		// The all-apps variant returns per-app {errors, output} buckets.
		var all map[string]struct {
			Errors []string `json:"Errors"`
			Output []string `json:"Output"`
		}
		if err := json.Unmarshal(raw, &all); err != nil {
			return
		}
		for app, sl := range all {
			fmt.Printf("== %s ==\n", app)
			for _, l := range append(sl.Errors, sl.Output...) {
				fmt.Println(l)
			}
		}
		return
	}
	if errorsFirst {
		var errLines, outLines []string
		for _, l := range lines {
			if strings.Contains(l, "[stderr]") {
				errLines = append(errLines, l)
			} else {
				outLines = append(outLines, l)
			}
		}
		lines = append(errLines, outLines...)
	}
	for _, l := range lines {
		fmt.Println(l)
	}
}
