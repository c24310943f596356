package main

import (
	"strings"
	"testing"
)

// fakeHost answers commands by prefix and records what ran.
type fakeHost struct {
	responses map[string]runResult
	ran       []string
}

func (f *fakeHost) Run(command string) (runResult, error) {
	f.ran = append(f.ran, command)
	for prefix, res := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return runResult{ExitCode: 1}, nil
}

func (f *fakeHost) Log(string) {}

func newRequest(name string, props map[string]any) *request {
	req := &request{Node: map[string]any{}}
	req.Resource.Type = "linux_package"
	req.Resource.Name = name
	req.Resource.Properties = props
	return req
}

func TestLoad_Apt(t *testing.T) {
	h := &fakeHost{responses: map[string]runResult{
		"dpkg-query": {Stdout: "install ok installed 1.24.0-1"},
		"apt-cache":  {Stdout: "1.26.0-1\n"},
	}}
	req := newRequest("nginx", nil)
	req.Node["platform_family"] = "debian"

	resp := load(h, req)
	if resp.Error != "" {
		t.Fatalf("load failed: %s", resp.Error)
	}
	if resp.Current["installed"] != true || resp.Current["version"] != "1.24.0-1" {
		t.Errorf("current = %v", resp.Current)
	}
	if resp.Current["available_version"] != "1.26.0-1" || resp.Current["manager"] != "apt" {
		t.Errorf("current = %v", resp.Current)
	}
}

func TestLoad_RemovedPackageIsNotInstalled(t *testing.T) {
	h := &fakeHost{responses: map[string]runResult{
		"dpkg-query": {Stdout: "deinstall ok config-files 1.24.0-1"},
	}}
	resp := load(h, newRequest("nginx", map[string]any{"manager": "apt"}))
	if resp.Current["installed"] != false {
		t.Errorf("config-files package reported installed: %v", resp.Current)
	}
}

func TestLoad_DetectsManagerByProbing(t *testing.T) {
	h := &fakeHost{responses: map[string]runResult{
		"command -v zypper": {},
		"rpm -q":            {Stdout: "15.1-3.1"},
	}}
	resp := load(h, newRequest("vim", nil))
	if resp.Error != "" {
		t.Fatal(resp.Error)
	}
	if resp.Current["manager"] != "zypper" || resp.Current["version"] != "15.1-3.1" {
		t.Errorf("current = %v", resp.Current)
	}
	if h.ran[0] != "command -v apt-get" {
		t.Errorf("probe order = %v", h.ran)
	}
}

func TestLoad_NoManager(t *testing.T) {
	resp := load(&fakeHost{}, newRequest("vim", nil))
	if !strings.Contains(resp.Error, "no supported package manager") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestParseConfig(t *testing.T) {
	if _, err := parseConfig(newRequest("x", map[string]any{"manager": "pacman"})); err == nil {
		t.Error("expected invalid manager error")
	}
	cfg, err := parseConfig(newRequest("web", map[string]any{"package": "nginx-full"}))
	if err != nil || cfg.Package != "nginx-full" {
		t.Errorf("cfg = %+v, err = %v", cfg, err)
	}
}

func TestAction(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		props   map[string]any
		current map[string]any
		want    []string
	}{
		{
			name:    "install missing",
			action:  "install",
			current: map[string]any{"installed": false, "manager": "apt"},
			want:    []string{"DEBIAN_FRONTEND=noninteractive apt-get install -y nginx"},
		},
		{
			name:    "install present is a no-op",
			action:  "install",
			current: map[string]any{"installed": true, "version": "1.0", "manager": "apt"},
		},
		{
			name:    "install pinned version",
			action:  "install",
			props:   map[string]any{"version": "2.0-1"},
			current: map[string]any{"installed": true, "version": "1.0", "manager": "dnf"},
			want:    []string{"dnf install -y nginx-2.0-1"},
		},
		{
			name:    "install from repository with options",
			action:  "install",
			props:   map[string]any{"repository": "bookworm-backports", "options": []any{"--no-install-recommends"}},
			current: map[string]any{"installed": false, "manager": "apt"},
			want:    []string{"DEBIAN_FRONTEND=noninteractive apt-get install -y -t bookworm-backports --no-install-recommends nginx"},
		},
		{
			name:    "upgrade available",
			action:  "upgrade",
			current: map[string]any{"installed": true, "version": "1.0", "available_version": "1.1", "manager": "zypper"},
			want:    []string{"zypper --non-interactive update nginx"},
		},
		{
			name:    "upgrade current",
			action:  "upgrade",
			current: map[string]any{"installed": true, "version": "1.1", "available_version": "1.1", "manager": "yum"},
		},
		{
			name:    "remove installed",
			action:  "remove",
			current: map[string]any{"installed": true, "version": "1.1", "manager": "yum"},
			want:    []string{"yum remove -y nginx"},
		},
		{
			name:    "remove absent",
			action:  "remove",
			current: map[string]any{"installed": false, "manager": "yum"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest("nginx", tt.props)
			req.Action = tt.action
			req.Current = tt.current

			resp := action(req)
			if resp.Error != "" {
				t.Fatal(resp.Error)
			}
			var got []string
			for _, s := range resp.Steps {
				if s.Description == "" {
					t.Error("step without description")
				}
				got = append(got, s.Commands...)
			}
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("commands = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAction_Unsupported(t *testing.T) {
	req := newRequest("nginx", nil)
	req.Action = "purge"
	if resp := action(req); resp.Error == "" {
		t.Error("expected unsupported action error")
	}
}

func TestQuote(t *testing.T) {
	if got := quote("nginx=1.0-1"); got != "nginx=1.0-1" {
		t.Errorf("quote = %s", got)
	}
	if got := quote("it's"); got != `'it'\''s'` {
		t.Errorf("quote = %s", got)
	}
}
