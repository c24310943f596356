package commands

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/policy"
)

// runFlags are shared by run and watch.
type runFlags struct {
	files            []string
	whyRun           bool
	accumulateErrors bool
	maxDelayedPasses int
	refreshFacts     bool
	policyPaths      []string
	providerDirs     []string
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSliceVarP(&f.files, "file", "f", nil, "declaration file or directory (repeatable)")
	flags.BoolVarP(&f.whyRun, "why-run", "W", false, "report what would change without changing anything")
	flags.BoolVar(&f.accumulateErrors, "accumulate-errors", false, "keep converging after failures and report them together")
	flags.IntVar(&f.maxDelayedPasses, "max-delayed-passes", 0, "maximum delayed notification passes before reporting a cycle")
	flags.BoolVar(&f.refreshFacts, "refresh-facts", false, "collect facts even when cached facts are fresh")
	flags.StringSliceVar(&f.policyPaths, "policy", nil, "admission policy file or directory (repeatable)")
	flags.StringSliceVar(&f.providerDirs, "provider-dir", nil, "directory of WASM provider manifests (repeatable)")
}

// apply overlays the flags that were set on the session settings.
func (f *runFlags) apply(cmd *cobra.Command, s *session) {
	flags := cmd.Flags()
	if flags.Changed("why-run") {
		s.settings.WhyRun = f.whyRun
	}
	if flags.Changed("accumulate-errors") {
		s.settings.AccumulateErrors = f.accumulateErrors
	}
	if flags.Changed("max-delayed-passes") {
		s.settings.MaxDelayedPasses = f.maxDelayedPasses
	}
	s.settings.PolicyPaths = append(s.settings.PolicyPaths, f.policyPaths...)
	s.settings.ProviderDirs = append(s.settings.ProviderDirs, f.providerDirs...)
}

// paths returns the declaration sources from -f and the positional
// arguments, defaulting to the current directory.
func (f *runFlags) paths(args []string) []string {
	paths := append(slices.Clone(f.files), args...)
	if len(paths) == 0 {
		return []string{"."}
	}
	return paths
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [path...]",
		Short: "Converge the node to the declared resources",
		Long: `Load resource declarations from CUE and HCL files, admit them through the
configured policies, and converge each resource in declaration order.

Paths may be files or directories; directories are searched for .cue and
.hcl files. The current directory is used when no path is given.

With --why-run nothing on the node is changed. Providers that support it
report what they would have done instead.`,
		Example: `  # Converge the local machine from ./site
  converge run ./site

  # Show what would change
  converge run --why-run ./site

  # Converge a remote host over SSH
  converge run --target deploy@web1.example.com ./site

  # Keep going after failures and load extra providers
  converge run --accumulate-errors --provider-dir /opt/converge/providers ./site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd)
			flags.apply(cmd, s)
			ctx := cmd.Context()

			ws, err := s.prepare(ctx, flags.paths(args), flags.refreshFacts, s.settings.WhyRun)
			if err != nil {
				if ws.admission != nil && !ws.admission.Allowed {
					printViolations(s, ws.admission)
				}
				return err
			}

			status, err := s.converge(ctx, ws)
			if status == nil {
				return err
			}
			if s.jsonOutput {
				if jerr := writeJSON(s.out, status); jerr != nil {
					return jerr
				}
			} else {
				printStatus(s.out, status)
			}
			if !status.Success() {
				return ErrRunFailed
			}
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func printViolations(s *session, result *policy.Result) {
	if s.jsonOutput {
		_ = writeJSON(s.out, result)
		return
	}
	t := &table{header: []string{"POLICY", "SEVERITY", "RESOURCE", "MESSAGE"}}
	for _, v := range result.Violations {
		t.add(v.Policy, failStyle.Render(string(v.Severity)), v.Resource, v.Message)
	}
	for _, v := range result.Warnings {
		t.add(v.Policy, changedStyle.Render(string(v.Severity)), v.Resource, v.Message)
	}
	t.write(s.out)
}
