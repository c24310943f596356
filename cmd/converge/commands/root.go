package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	stateDB    string
	target     string
	nodeName   string
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	opts := &globalOptions{}
	var sess *session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge a node to its declared configuration",
		Long: `converge reads resource declarations written in CUE or HCL and brings
the node to the declared state, one resource at a time, in declaration order.

Resources notify each other when they change: a template that updates can
restart a service immediately or at the end of the run. Guards (only_if,
not_if) written as shell commands, Starlark or Rego expressions decide
whether an action runs. Providers are resolved per platform from node facts,
and additional provider classes can be loaded from WASM modules.

The local machine is converged by default. --target converges a remote host
over SSH.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, opts, version)
			if err != nil {
				return err
			}
			sess = s
			cmd.SetContext(withSession(cmd.Context(), s))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "settings file (default ./converge.yaml when present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")
	flags.StringVar(&opts.stateDB, "state-db", "", "path of the state database")
	flags.StringVarP(&opts.target, "target", "t", "", "converge a remote host over SSH (user@host[:port])")
	flags.StringVar(&opts.nodeName, "node-name", "", "node name to report instead of the hostname")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd.ExecuteContext(ctx)
}
