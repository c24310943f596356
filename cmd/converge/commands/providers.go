package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/builtin"
	"github.com/openfroyo/converge/pkg/providers/wasm"
)

type providerRow struct {
	ResourceType string        `json:"resource_type"`
	Class        string        `json:"class"`
	Priority     int           `json:"priority"`
	Filter       engine.Filter `json:"filter"`
	Actions      []string      `json:"actions"`
	Source       string        `json:"source"`
	Selected     bool          `json:"selected"`
}

func newProvidersCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "providers [resource-type...]",
		Short: "List provider classes in resolution order for the node",
		Long: `List the provider classes registered for each resource type, filtered to
the entries that apply to the node's platform and sorted in resolution
order. The first class that claims a type is the one a run selects.`,
		Example: `  # All types on this machine
  converge providers

  # Which service provider would a remote host use
  converge providers service --target admin@web1

  # Include WASM providers
  converge providers --provider-dir ./providers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd)
			flags.apply(cmd, s)
			ctx := cmd.Context()

			pm, _, err := s.providers(ctx)
			if err != nil {
				return err
			}
			node, _, err := s.gatherFacts(ctx, flags.refreshFacts)
			if err != nil {
				return err
			}
			platform := node.Platform()

			types := args
			if len(types) == 0 {
				types = pm.ResourceTypes()
			}

			var rows []providerRow
			for _, typ := range types {
				entries := pm.Entries(typ, platform)
				if len(entries) == 0 {
					return fmt.Errorf("no provider registered for %q on %s", typ, platform)
				}
				var selected string
				if cands := pm.Candidates(typ, platform); len(cands) > 0 {
					selected = cands[0].Name()
				}
				for _, e := range entries {
					rows = append(rows, providerRow{
						ResourceType: typ,
						Class:        e.ClassName(),
						Priority:     e.Priority,
						Filter:       e.Filter,
						Actions:      classActions(e.Class),
						Source:       classSource(e.Class),
						Selected:     e.ClassName() == selected,
					})
				}
			}

			if s.jsonOutput {
				return writeJSON(s.out, rows)
			}
			fmt.Fprintf(s.out, "%s %s\n\n", headerStyle.Render("Platform"), platform)
			t := &table{header: []string{"TYPE", "CLASS", "PRIORITY", "FILTER", "ACTIONS", "SOURCE"}}
			for _, r := range rows {
				class := r.Class
				if r.Selected {
					class = okStyle.Render(class + " *")
				}
				t.add(r.ResourceType, class, strconv.Itoa(r.Priority), filterString(r.Filter),
					strings.Join(r.Actions, ","), dimStyle.Render(r.Source))
			}
			t.write(s.out)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func classActions(pc engine.ProviderClass) []string {
	if c, ok := pc.(*wasm.Class); ok {
		return c.Manifest().Actions
	}
	var out []string
	for _, a := range builtin.Actions(pc) {
		out = append(out, string(a))
	}
	return out
}

func classSource(pc engine.ProviderClass) string {
	if c, ok := pc.(*wasm.Class); ok {
		m := c.Manifest()
		return fmt.Sprintf("wasm %s (%s)", m.Version, m.Path)
	}
	return "builtin"
}

func filterString(f engine.Filter) string {
	if f.IsDefault() {
		return "default"
	}
	var parts []string
	add := func(key string, vals []string) {
		if len(vals) > 0 {
			parts = append(parts, key+"="+strings.Join(vals, "|"))
		}
	}
	add("os", f.OS)
	add("family", f.PlatformFamily)
	add("platform", f.Platform)
	if f.PlatformVersion != "" {
		parts = append(parts, "version "+f.PlatformVersion)
	}
	return strings.Join(parts, " ")
}
