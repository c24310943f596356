// Package facts collects node attributes: platform identity, hardware,
// filesystems, network interfaces and installed packages. The local node is
// inspected through gopsutil; remote targets are probed with commands over a
// transport. Collected namespaces are cached in the state store and merged
// into the node at automatic precedence.
package facts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Fact namespaces.
const (
	NamespacePlatform    = "platform"
	NamespaceCPU         = "cpu"
	NamespaceMemory      = "memory"
	NamespaceFilesystems = "filesystem"
	NamespaceNetwork     = "network"
	NamespacePackages    = "packages"
)

// DefaultNamespaces lists every namespace in collection order.
var DefaultNamespaces = []string{
	NamespacePlatform,
	NamespaceCPU,
	NamespaceMemory,
	NamespaceFilesystems,
	NamespaceNetwork,
	NamespacePackages,
}

// PlatformFacts identifies the operating system. Its fields become top-level
// node attributes and drive provider resolution.
type PlatformFacts struct {
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	PlatformFamily  string `json:"platform_family"`
	OS              string `json:"os"`
	Hostname        string `json:"hostname"`
	Kernel          struct {
		Release string `json:"release"`
		Machine string `json:"machine"`
	} `json:"kernel"`
}

// CPUFacts contains CPU information.
type CPUFacts struct {
	ModelName string `json:"model_name"`
	Vendor    string `json:"vendor"`
	Cores     int    `json:"cores"`
	Total     int    `json:"total"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
	SwapFreeMB  int64 `json:"swap_free_mb"`
}

// FilesystemFacts maps mount points to their filesystems.
type FilesystemFacts map[string]Filesystem

// Filesystem represents a mounted filesystem.
type Filesystem struct {
	Device      string `json:"device"`
	FSType      string `json:"fs_type"`
	TotalKB     int64  `json:"total_kb"`
	UsedKB      int64  `json:"used_kb"`
	AvailableKB int64  `json:"available_kb"`
	UsePercent  int    `json:"use_percent"`
}

// NetworkFacts contains network information.
type NetworkFacts struct {
	Interfaces map[string]NetworkInterface `json:"interfaces"`
}

// NetworkInterface represents a network interface.
type NetworkInterface struct {
	Addresses  []string `json:"addresses"`
	MACAddress string   `json:"mac_address,omitempty"`
}

// PackageFacts maps installed package names to versions.
type PackageFacts struct {
	Manager  string            `json:"manager"`
	Packages map[string]string `json:"packages"`
}

// Result is one collection of facts for a node.
type Result struct {
	Node        string            `json:"node"`
	Source      string            `json:"source"`
	CollectedAt time.Time         `json:"collected_at"`
	Duration    time.Duration     `json:"duration"`
	Cached      bool              `json:"cached"`
	Facts       map[string]any    `json:"facts"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Attributes renders the facts as node attributes. Platform fields are
// placed at the top level; every other namespace is nested under its name.
func (r *Result) Attributes() (map[string]any, error) {
	attrs := make(map[string]any)
	for ns, v := range r.Facts {
		m, err := toAttributes(v)
		if err != nil {
			return nil, fmt.Errorf("namespace %s: %w", ns, err)
		}
		if ns == NamespacePlatform {
			if obj, ok := m.(map[string]any); ok {
				for k, val := range obj {
					attrs[k] = val
				}
				continue
			}
		}
		attrs[ns] = m
	}
	return attrs, nil
}

// Apply merges the facts into node at automatic precedence.
func (r *Result) Apply(node *engine.Node) error {
	attrs, err := r.Attributes()
	if err != nil {
		return err
	}
	node.Merge(engine.PrecedenceAutomatic, attrs)
	return nil
}

func toAttributes(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
