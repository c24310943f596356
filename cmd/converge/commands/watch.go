package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/policy"
)

const watchDebounce = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	var (
		flags    runFlags
		interval time.Duration
		noServe  bool
	)

	cmd := &cobra.Command{
		Use:   "watch [path...]",
		Short: "Converge again whenever declarations change",
		Long: `Converge once, then watch the declaration and policy paths and converge
again after files change. --interval also converges on a timer, so drift
made outside converge is corrected.

While watching, Prometheus metrics are served on the configured address
(metrics.listen_address, default :9464).`,
		Example: `  # Keep ./site applied, checking every 30 minutes as well
  converge watch --interval 30m ./site

  # Report drift without fixing it
  converge watch --why-run ./site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd)
			flags.apply(cmd, s)
			paths := flags.paths(args)

			g, ctx := errgroup.WithContext(cmd.Context())
			if !noServe && s.tel.Metrics.Enabled() {
				g.Go(func() error {
					return s.tel.Metrics.Serve(ctx, s.tel.Logger)
				})
			}
			g.Go(func() error {
				return s.watch(ctx, paths, flags.refreshFacts, interval)
			})

			err := g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 0, "also converge on this interval (0 disables)")
	cmd.Flags().BoolVar(&noServe, "no-metrics", false, "do not serve Prometheus metrics")
	return cmd
}

// watch converges, then converges again on every debounced change to the
// declaration or policy paths and on every interval tick.
func (s *session) watch(ctx context.Context, paths []string, refreshFacts bool, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := watchTree(watcher, p); err != nil {
			return err
		}
	}

	trigger := make(chan string, 1)
	fire := func(reason string) {
		select {
		case trigger <- reason:
		default:
		}
	}

	if len(s.settings.PolicyPaths) > 0 {
		pl := policy.NewLoader(s.logger)
		err := pl.Watch(ctx, s.settings.PolicyPaths, func(ps []policy.Policy) error {
			fire(fmt.Sprintf("%d policies reloaded", len(ps)))
			return nil
		})
		if err != nil {
			return err
		}
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.logger.Info().Strs("paths", paths).Dur("interval", interval).Msg("Watching declarations")
	s.convergeOnce(ctx, paths, refreshFacts, "initial run")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watchTree(watcher, ev.Name)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isDeclarationFile(ev.Name) {
				continue
			}
			s.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Declaration file changed")
			name := ev.Name
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() { fire(name + " changed") })

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")

		case <-tick:
			fire("interval")

		case reason := <-trigger:
			s.convergeOnce(ctx, paths, refreshFacts, reason)
		}
	}
}

// convergeOnce runs one convergence and logs its outcome. Failures do not
// stop the watch.
func (s *session) convergeOnce(ctx context.Context, paths []string, refreshFacts bool, reason string) {
	s.logger.Info().Str("reason", reason).Msg("Converging")

	ws, err := s.prepare(ctx, paths, refreshFacts, s.settings.WhyRun)
	if err != nil {
		if ws.admission != nil && !ws.admission.Allowed {
			printViolations(s, ws.admission)
		}
		s.logger.Error().Err(err).Msg("Declarations not applied")
		return
	}
	status, err := s.converge(ctx, ws)
	if status == nil {
		s.logger.Error().Err(err).Msg("Converge failed to start")
		return
	}
	if s.jsonOutput {
		_ = writeJSON(s.out, status)
	} else {
		printStatus(s.out, status)
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", root, err)
	}
	if !info.IsDir() {
		// Editors replace files on save; watching the directory sees that.
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func isDeclarationFile(name string) bool {
	switch filepath.Ext(name) {
	case config.ExtCUE, config.ExtHCL:
		return true
	}
	return false
}
