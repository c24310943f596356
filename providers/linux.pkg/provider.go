// Package main implements the linux_pkg provider as a WASM module. It manages
// Linux packages through apt, dnf, yum or zypper, and is loaded by converge
// from manifest.yaml with --provider-dir.
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o linux_pkg.wasm .
package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PackageConfig is the desired configuration of a linux_package resource.
type PackageConfig struct {
	// Package defaults to the resource name.
	Package string `json:"package"`

	// Version pins the version to install. Empty installs whatever the
	// repositories offer.
	Version string `json:"version,omitempty"`

	// Repository restricts installation to one repository.
	Repository string `json:"repository,omitempty"`

	// Manager forces a package manager instead of detecting one.
	Manager string `json:"manager,omitempty"`

	// Options are passed to the package manager verbatim.
	Options []string `json:"options,omitempty"`
}

// PackageState is the current state reported by provider_load.
type PackageState struct {
	Package          string `json:"package"`
	Installed        bool   `json:"installed"`
	Version          string `json:"version,omitempty"`
	AvailableVersion string `json:"available_version,omitempty"`
	Manager          string `json:"manager"`
}

// host is what the provider needs from the runtime: commands on the node
// and a debug log.
type host interface {
	Run(command string) (runResult, error)
	Log(msg string)
}

type runResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type request struct {
	Resource struct {
		Type       string         `json:"type"`
		Name       string         `json:"name"`
		Properties map[string]any `json:"properties"`
	} `json:"resource"`
	Action  string         `json:"action,omitempty"`
	Node    map[string]any `json:"node"`
	Current map[string]any `json:"current,omitempty"`
}

type loadResponse struct {
	Current map[string]any `json:"current"`
	Error   string         `json:"error,omitempty"`
}

type step struct {
	Description string   `json:"description"`
	Commands    []string `json:"commands,omitempty"`
}

type actionResponse struct {
	Steps []step `json:"steps"`
	Error string `json:"error,omitempty"`
}

var managers = map[string]bool{"apt": true, "dnf": true, "yum": true, "zypper": true}

func parseConfig(req *request) (*PackageConfig, error) {
	data, err := json.Marshal(req.Resource.Properties)
	if err != nil {
		return nil, err
	}
	cfg := &PackageConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid properties: %w", err)
	}
	if cfg.Package == "" {
		cfg.Package = req.Resource.Name
	}
	if cfg.Package == "" {
		return nil, fmt.Errorf("package name is required")
	}
	if cfg.Manager != "" && !managers[cfg.Manager] {
		return nil, fmt.Errorf("invalid package manager: %s", cfg.Manager)
	}
	return cfg, nil
}

// detectManager picks the package manager from the node's platform family,
// then by probing for the binaries.
func detectManager(h host, node map[string]any) (string, error) {
	family, _ := node["platform_family"].(string)
	switch family {
	case "debian":
		return "apt", nil
	case "rhel", "fedora", "amazon":
		if ok, _ := hasCommand(h, "dnf"); ok {
			return "dnf", nil
		}
		return "yum", nil
	case "suse":
		return "zypper", nil
	}
	for _, m := range []string{"apt-get", "dnf", "yum", "zypper"} {
		ok, err := hasCommand(h, m)
		if err != nil {
			return "", err
		}
		if ok {
			return strings.TrimSuffix(m, "-get"), nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func hasCommand(h host, name string) (bool, error) {
	res, err := h.Run("command -v " + name)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func load(h host, req *request) loadResponse {
	cfg, err := parseConfig(req)
	if err != nil {
		return loadResponse{Error: err.Error()}
	}
	manager := cfg.Manager
	if manager == "" {
		if manager, err = detectManager(h, req.Node); err != nil {
			return loadResponse{Error: err.Error()}
		}
	}
	h.Log(fmt.Sprintf("querying %s with %s", cfg.Package, manager))

	state := PackageState{Package: cfg.Package, Manager: manager}
	res, err := h.Run(installedQuery(manager, cfg.Package))
	if err != nil {
		return loadResponse{Error: err.Error()}
	}
	if res.ExitCode == 0 {
		state.Version, state.Installed = parseInstalled(manager, res.Stdout)
	}
	if res, err := h.Run(candidateQuery(manager, cfg.Package)); err == nil && res.ExitCode == 0 {
		state.AvailableVersion = strings.TrimSpace(res.Stdout)
	}

	return loadResponse{Current: map[string]any{
		"package":           state.Package,
		"installed":         state.Installed,
		"version":           state.Version,
		"available_version": state.AvailableVersion,
		"manager":           state.Manager,
	}}
}

func installedQuery(manager, pkg string) string {
	if manager == "apt" {
		return "dpkg-query -W -f='${Status} ${Version}' " + quote(pkg)
	}
	return "rpm -q --queryformat '%{VERSION}-%{RELEASE}' " + quote(pkg)
}

func candidateQuery(manager, pkg string) string {
	switch manager {
	case "apt":
		return "apt-cache policy " + quote(pkg) + " | awk '/Candidate:/ {print $2}'"
	case "dnf":
		return "dnf -q repoquery --latest-limit 1 --qf '%{version}-%{release}' " + quote(pkg)
	case "yum":
		return "repoquery --qf '%{version}-%{release}' " + quote(pkg) + " | tail -n 1"
	default:
		return "zypper -q info " + quote(pkg) + " | awk -F': *' '/^Version/ {print $2}'"
	}
}

// parseInstalled reads the installed-query output. dpkg-query prints the
// status words before the version and lists removed packages whose
// configuration remains.
func parseInstalled(manager, out string) (string, bool) {
	out = strings.TrimSpace(out)
	if manager != "apt" {
		return out, out != ""
	}
	fields := strings.Fields(out)
	if len(fields) < 4 || fields[2] != "installed" {
		return "", false
	}
	return fields[3], true
}

func action(req *request) actionResponse {
	cfg, err := parseConfig(req)
	if err != nil {
		return actionResponse{Error: err.Error()}
	}
	cur := currentState(req.Current, cfg)

	var steps []step
	switch req.Action {
	case "install":
		switch {
		case !cur.Installed:
			desc := "install package " + cfg.Package
			if cfg.Version != "" {
				desc += " version " + cfg.Version
			}
			steps = append(steps, step{Description: desc, Commands: []string{installCommand(cur.Manager, cfg)}})
		case cfg.Version != "" && cfg.Version != cur.Version:
			steps = append(steps, step{
				Description: fmt.Sprintf("change package %s from %s to %s", cfg.Package, cur.Version, cfg.Version),
				Commands:    []string{installCommand(cur.Manager, cfg)},
			})
		}
	case "upgrade":
		switch {
		case !cur.Installed:
			steps = append(steps, step{Description: "install package " + cfg.Package, Commands: []string{installCommand(cur.Manager, cfg)}})
		case cur.AvailableVersion != "" && cur.AvailableVersion != cur.Version:
			steps = append(steps, step{
				Description: fmt.Sprintf("upgrade package %s from %s to %s", cfg.Package, cur.Version, cur.AvailableVersion),
				Commands:    []string{upgradeCommand(cur.Manager, cfg)},
			})
		}
	case "remove":
		if cur.Installed {
			steps = append(steps, step{Description: "remove package " + cfg.Package, Commands: []string{removeCommand(cur.Manager, cfg)}})
		}
	default:
		return actionResponse{Error: "unsupported action " + req.Action}
	}
	return actionResponse{Steps: steps}
}

func currentState(cur map[string]any, cfg *PackageConfig) PackageState {
	s := PackageState{Package: cfg.Package, Manager: cfg.Manager}
	s.Installed, _ = cur["installed"].(bool)
	s.Version, _ = cur["version"].(string)
	s.AvailableVersion, _ = cur["available_version"].(string)
	if m, ok := cur["manager"].(string); ok && m != "" {
		s.Manager = m
	}
	return s
}

func installCommand(manager string, cfg *PackageConfig) string {
	pkg := cfg.Package
	var args []string
	switch manager {
	case "apt":
		if cfg.Version != "" {
			pkg += "=" + cfg.Version
		}
		args = []string{"DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y"}
		if cfg.Repository != "" {
			args = append(args, "-t", quote(cfg.Repository))
		}
	case "zypper":
		if cfg.Version != "" {
			pkg += "=" + cfg.Version
		}
		args = []string{"zypper", "--non-interactive", "install"}
		if cfg.Repository != "" {
			args = append(args, "--from", quote(cfg.Repository))
		}
	default:
		if cfg.Version != "" {
			pkg += "-" + cfg.Version
		}
		args = []string{manager, "install", "-y"}
		if cfg.Repository != "" {
			args = append(args, "--disablerepo='*'", "--enablerepo="+quote(cfg.Repository))
		}
	}
	return joinCommand(args, cfg.Options, pkg)
}

func upgradeCommand(manager string, cfg *PackageConfig) string {
	switch manager {
	case "apt":
		return joinCommand([]string{"DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "--only-upgrade", "-y"}, cfg.Options, cfg.Package)
	case "zypper":
		return joinCommand([]string{"zypper", "--non-interactive", "update"}, cfg.Options, cfg.Package)
	default:
		return joinCommand([]string{manager, "upgrade", "-y"}, cfg.Options, cfg.Package)
	}
}

func removeCommand(manager string, cfg *PackageConfig) string {
	switch manager {
	case "apt":
		return joinCommand([]string{"DEBIAN_FRONTEND=noninteractive", "apt-get", "remove", "-y"}, cfg.Options, cfg.Package)
	case "zypper":
		return joinCommand([]string{"zypper", "--non-interactive", "remove"}, cfg.Options, cfg.Package)
	default:
		return joinCommand([]string{manager, "remove", "-y"}, cfg.Options, cfg.Package)
	}
}

func joinCommand(args, options []string, pkg string) string {
	for _, o := range options {
		args = append(args, quote(o))
	}
	return strings.Join(append(args, quote(pkg)), " ")
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_.+:=/~", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// main is unused: the module is built as a reactor and the host calls the
// exported functions.
func main() {}
