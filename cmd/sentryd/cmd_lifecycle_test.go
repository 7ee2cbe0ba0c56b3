package main

import (
	"reflect"
	"sort"
	"testing"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/ipc"
)

func TestParseEnvKVs(t *testing.T) {
	got := parseEnvKVs([]string{"PORT=3000", "NAME=web=app"})
	want := map[string]string{"PORT": "3000", "NAME": "web=app"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseEnvKVs = %v, want %v", got, want)
	}
	if got := parseEnvKVs(nil); got != nil {
		t.Errorf("parseEnvKVs(nil) = %v, want nil", got)
	}
}

func TestExpandAllConfigsSingleTarget(t *testing.T) {
	apps := map[string]*configApp{
		"web": {"name": "web"},
		"api": {"name": "api"},
	}
	got := expandAllConfigs("web", apps)
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if _, ok := got["web"]; !ok {
		t.Errorf("expected web in result, got %v", got)
	}
}

func TestExpandAllConfigsUnknownTarget(t *testing.T) {
	apps := map[string]*configApp{"web": {"name": "web"}}
	if got := expandAllConfigs("nope", apps); got != nil {
		t.Errorf("expandAllConfigs for unknown name = %v, want nil", got)
	}
}

func TestExpandAllConfigsAll(t *testing.T) {
	apps := map[string]*configApp{
		"web": {"name": "web"},
		"api": {"name": "api"},
	}
	got := expandAllConfigs("all", apps)
	if len(got) != 2 {
		t.Errorf("got %d entries, want 2", len(got))
	}
}

func TestAppsToConfigMaps(t *testing.T) {
	apps := map[string]*app.Config{
		"web": {Command: "node", Args: []string{"server.js"}, RestartPolicy: app.RestartAlways},
	}
	got := appsToConfigMaps(apps)
	m, ok := got["web"]
	if !ok {
		t.Fatalf("expected web entry, got %v", got)
	}
	if (*m)["command"] != "node" {
		t.Errorf("command = %v, want node", (*m)["command"])
	}
	if (*m)["restart_policy"] != "always" {
		t.Errorf("restart_policy = %v, want always", (*m)["restart_policy"])
	}
}

func TestStatusNames(t *testing.T) {
	resp := ipc.Data([]ipc.AppStatus{
		{Name: "api"}, {Name: "web"},
	})
	names, err := statusNames(resp)
	if err != nil {
		t.Fatalf("statusNames: %v", err)
	}
	sort.Strings(names)
	want := []string{"api", "web"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("got %v, want %v", names, want)
	}
}

func TestForEachTargetSingle(t *testing.T) {
	c, _ := pipeClient(t)

	var called []string
	err := forEachTarget(c, "web", func(c *client, name string) error {
		called = append(called, name)
		return nil
	})
	if err != nil {
		t.Fatalf("forEachTarget: %v", err)
	}
	if !reflect.DeepEqual(called, []string{"web"}) {
		t.Errorf("called = %v, want [web]", called)
	}
}

func TestForEachTargetAll(t *testing.T) {
	c, server := pipeClient(t)
	go func() {
		req, err := ipc.ReadRequest(server)
		if err != nil {
			return
		}
		if req.Type != ipc.ReqList {
			t.Errorf("unexpected request: %+v", req)
			return
		}
		_ = ipc.WriteResponse(server, ipc.Data([]ipc.AppStatus{{Name: "api"}, {Name: "web"}}))
	}()

	var called []string
	err := forEachTarget(c, "all", func(c *client, name string) error {
		called = append(called, name)
		return nil
	})
	if err != nil {
		t.Fatalf("forEachTarget: %v", err)
	}
	sort.Strings(called)
	if !reflect.DeepEqual(called, []string{"api", "web"}) {
		t.Errorf("called = %v, want [api web]", called)
	}
}
