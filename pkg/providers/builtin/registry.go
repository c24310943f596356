package builtin

import (
	"github.com/openfroyo/converge/pkg/engine"
)

// DefaultEntries returns the built-in priority entries. Platform-specific
// entries outrank the generic fallbacks through filter specificity.
func DefaultEntries() []engine.PriorityEntry {
	return []engine.PriorityEntry{
		{ResourceType: "file", Class: FileClass},
		{ResourceType: "template", Class: FileClass},
		{ResourceType: "directory", Class: DirectoryClass},
		{ResourceType: "execute", Class: ExecuteClass},
		{ResourceType: "log", Class: LogClass},

		{ResourceType: "package", Class: GenericPackageClass},
		{ResourceType: "package", Class: AptClass, Filter: engine.Filter{PlatformFamily: []string{"debian"}}},
		{ResourceType: "package", Class: DnfClass, Filter: engine.Filter{PlatformFamily: []string{"rhel", "fedora", "amazon"}}},
		{ResourceType: "package", Class: ZypperClass, Filter: engine.Filter{PlatformFamily: []string{"suse"}}},
		{ResourceType: "package", Class: FreeBSDClass, Filter: engine.Filter{OS: []string{"freebsd"}}},

		{ResourceType: "service", Class: SystemdClass, Filter: engine.Filter{OS: []string{"linux"}}},
		{ResourceType: "service", Class: FreeBSDRCClass, Filter: engine.Filter{OS: []string{"freebsd"}}},
	}
}

// Register adds the built-in entries to m.
func Register(m *engine.PriorityMap) error {
	for _, e := range DefaultEntries() {
		if err := m.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPriorityMap returns a new priority map holding the built-in entries.
// Callers may register more classes before locking it.
func DefaultPriorityMap() (*engine.PriorityMap, error) {
	m := engine.NewPriorityMap()
	if err := Register(m); err != nil {
		return nil, err
	}
	return m, nil
}
