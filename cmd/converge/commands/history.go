package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/stores"
)

type runDetail struct {
	Run     *stores.Run              `json:"run"`
	Results []*stores.ResourceResult `json:"results"`
	Events  []*stores.Event          `json:"events,omitempty"`
}

func newHistoryCommand() *cobra.Command {
	var (
		limit      int
		showEvents bool
		level      string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded converge runs",
		Long: `List the runs recorded in the state database, newest first. Given a run ID,
show the resource results of that run, and its event log with --events.`,
		Example: `  # Last 20 runs
  converge history

  # One run with its warnings and errors
  converge history 01f2c7e4-1d2b-4a3c-9b7e-6f0a1c2d3e4f --events --level warning`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd)
			ctx := cmd.Context()
			store, err := s.openStore(ctx)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if s.jsonOutput {
					return writeJSON(s.out, runs)
				}
				printRuns(s, runs)
				return nil
			}

			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no run with ID %s", args[0])
			}
			if err != nil {
				return err
			}
			detail := runDetail{Run: run}
			if detail.Results, err = store.ListResourceResults(ctx, run.ID); err != nil {
				return err
			}
			if showEvents {
				var lvl *stores.EventLevel
				if level != "" {
					l := stores.EventLevel(level)
					lvl = &l
				}
				if detail.Events, err = store.GetEvents(ctx, &run.ID, lvl, -1, 0); err != nil {
					return err
				}
			}
			if s.jsonOutput {
				return writeJSON(s.out, detail)
			}
			printRunDetail(s, &detail)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to list")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the run's event log")
	cmd.Flags().StringVar(&level, "level", "", "only events at this level (debug, info, warning, error)")
	return cmd
}

func printRuns(s *session, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(s.out, "No runs recorded.")
		return
	}
	t := &table{header: []string{"ID", "STARTED", "NODE", "OUTCOME", "RESOURCES", "UPDATED", "SOURCE"}}
	for _, r := range runs {
		outcome := outcomeCell(string(r.Outcome))
		if r.WhyRun {
			outcome += dimStyle.Render(" (why-run)")
		}
		t.add(r.ID, formatTime(r.StartedAt), r.Node, outcome,
			strconv.Itoa(r.ResourceCount), strconv.Itoa(r.UpdatedCount), r.Source)
	}
	t.write(s.out)
}

func printRunDetail(s *session, d *runDetail) {
	r := d.Run
	fmt.Fprintf(s.out, "%s %s\n", headerStyle.Render("Run"), r.ID)
	fmt.Fprintf(s.out, "  node:     %s\n", r.Node)
	fmt.Fprintf(s.out, "  source:   %s\n", r.Source)
	fmt.Fprintf(s.out, "  outcome:  %s\n", outcomeCell(string(r.Outcome)))
	fmt.Fprintf(s.out, "  started:  %s\n", formatTime(r.StartedAt))
	if r.CompletedAt != nil {
		fmt.Fprintf(s.out, "  duration: %s\n", formatDuration(r.CompletedAt.Sub(r.StartedAt)))
	}
	if r.Error != nil {
		fmt.Fprintf(s.out, "  error:    %s\n", failStyle.Render(*r.Error))
	}
	fmt.Fprintln(s.out)

	t := &table{header: []string{"#", "RESOURCE", "ACTION", "PROVIDER", "STATE", "DURATION", "NOTE"}}
	for _, res := range d.Results {
		state := res.State
		switch {
		case res.State == "failed":
			state = failStyle.Render(state)
		case res.Updated:
			state = changedStyle.Render("updated")
		}
		var note string
		switch {
		case res.Error != nil:
			note = *res.Error
		case res.SkipReason != nil:
			note = *res.SkipReason
		case res.Trigger != nil:
			note = "notified by " + *res.Trigger
		}
		t.add(strconv.Itoa(res.Seq), fmt.Sprintf("%s[%s]", res.ResourceType, res.ResourceName),
			res.Action, res.Provider, state, formatDuration(res.Duration), note)
	}
	t.write(s.out)

	if len(d.Events) > 0 {
		fmt.Fprintln(s.out)
		et := &table{header: []string{"TIME", "LEVEL", "TYPE", "RESOURCE", "MESSAGE"}}
		for _, ev := range d.Events {
			var res string
			if ev.Resource != nil {
				res = *ev.Resource
			}
			et.add(ev.Timestamp.Local().Format("15:04:05.000"), string(ev.Level), ev.Type, res, ev.Message)
		}
		et.write(s.out)
	}
}
