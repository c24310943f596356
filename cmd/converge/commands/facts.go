package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/facts"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newFactsCommand() *cobra.Command {
	var (
		refresh    bool
		namespaces []string
	)

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the facts collected for the node",
		Long: `Show the node attributes discovered by fact collection: platform, CPU,
memory, filesystems, network interfaces and installed packages.

Facts are cached in the state database and reused until their TTL expires.
--refresh collects them again.`,
		Example: `  # Show all facts as attributes
  converge facts

  # Refresh platform and network facts on a remote host
  converge facts --refresh -n platform -n network --target admin@db1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd)
			for _, ns := range namespaces {
				if !knownNamespace(ns) {
					return fmt.Errorf("unknown fact namespace %q (known: %v)", ns, facts.DefaultNamespaces)
				}
			}

			op := telemetry.StartOperation(cmd.Context(), "facts.collect")
			c, err := s.collector(op.Ctx)
			var result *facts.Result
			if err == nil {
				result, err = c.Load(op.Ctx, refresh, namespaces...)
			}
			op.End(err)
			if err != nil {
				return err
			}

			if s.jsonOutput {
				return writeJSON(s.out, result)
			}
			attrs, err := result.Attributes()
			if err != nil {
				return err
			}

			origin := "collected"
			if result.Cached {
				origin = "cached"
			}
			fmt.Fprintf(s.out, "%s %s\n\n", headerStyle.Render(result.Node),
				dimStyle.Render(fmt.Sprintf("(%s from %s at %s)", origin, result.Source, formatTime(result.CollectedAt))))
			if err := writeJSON(s.out, attrs); err != nil {
				return err
			}

			if len(result.Errors) > 0 {
				keys := make([]string, 0, len(result.Errors))
				for k := range result.Errors {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(s.out)
				for _, k := range keys {
					fmt.Fprintln(s.out, changedStyle.Render(fmt.Sprintf("%s: %s", k, result.Errors[k])))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "collect facts even when cached facts are fresh")
	cmd.Flags().StringSliceVarP(&namespaces, "namespace", "n", nil, "fact namespaces to show (default all)")
	return cmd
}

func knownNamespace(ns string) bool {
	for _, n := range facts.DefaultNamespaces {
		if n == ns {
			return true
		}
	}
	return false
}
