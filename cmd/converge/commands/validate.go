package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/policy"
)

type validateReport struct {
	Sources   []string                 `json:"sources"`
	Resources int                      `json:"resources"`
	Problems  []config.ValidationError `json:"problems,omitempty"`
	Admission *policy.Result           `json:"admission,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Check declarations without converging",
		Long: `Parse the declarations, validate resource properties against the known
schemas, build the resource collection and run policy admission. Nothing on
the node is changed; facts are still collected because declarations may
refer to node attributes.`,
		Example: `  # Validate ./site
  converge validate ./site

  # Validate against an extra policy directory
  converge validate --policy ./policies ./site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd)
			flags.apply(cmd, s)

			ws, err := s.prepare(cmd.Context(), flags.paths(args), flags.refreshFacts, true)

			report := validateReport{Admission: ws.admission}
			if ws.doc != nil {
				report.Sources = ws.doc.SourceFiles
				report.Resources = len(ws.doc.Resources)
				report.Problems = ws.doc.Errors
			}
			if err != nil {
				report.Error = err.Error()
			}

			if s.jsonOutput {
				if jerr := writeJSON(s.out, report); jerr != nil {
					return jerr
				}
			} else {
				printValidation(s, &report)
			}
			if err != nil {
				return errors.Join(ErrRunFailed, err)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printValidation(s *session, r *validateReport) {
	if len(r.Problems) > 0 {
		t := &table{header: []string{"SEVERITY", "LOCATION", "MESSAGE"}}
		for _, p := range r.Problems {
			sev := changedStyle.Render(p.Severity)
			if p.Severity == config.SeverityError {
				sev = failStyle.Render(p.Severity)
			}
			loc := p.File
			if p.Line > 0 {
				loc = fmt.Sprintf("%s:%d", p.File, p.Line)
			}
			if p.Path != "" {
				loc += " " + p.Path
			}
			t.add(sev, loc, p.Message)
		}
		t.write(s.out)
		fmt.Fprintln(s.out)
	}

	if r.Admission != nil && (len(r.Admission.Violations) > 0 || len(r.Admission.Warnings) > 0) {
		printViolations(s, r.Admission)
		fmt.Fprintln(s.out)
	}

	if r.Error != "" {
		fmt.Fprintln(s.out, failStyle.Render("invalid: "+r.Error))
		return
	}
	msg := fmt.Sprintf("valid: %d resources in %d files", r.Resources, len(r.Sources))
	if r.Admission != nil {
		msg += fmt.Sprintf(", %d policies evaluated", len(r.Admission.EvaluatedPolicies))
	}
	fmt.Fprintln(s.out, okStyle.Render(msg))
}
