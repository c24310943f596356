package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestRunner_InsertionOrder(t *testing.T) {
	f := newFixture("cat")
	f.add("cat", "loulou")
	f.add("cat", "birthday")

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}

	want := []string{"cat[loulou]:run", "cat[birthday]:run"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if status.UpdatedCount() != 2 {
		t.Errorf("expected 2 updated, got %d", status.UpdatedCount())
	}
	if status.String() != "success (2 updated)" {
		t.Errorf("unexpected summary %q", status.String())
	}
}

func TestRunner_BeforeEdge(t *testing.T) {
	f := newFixture("file", "service", "package")
	b := f.add("service", "b")
	a := f.add("package", "a")
	f.add("file", "c")
	if err := f.collection.Before(a.ID(), b.ID()); err != nil {
		t.Fatal(err)
	}

	if _, err := f.converge(RunnerOptions{}); err != nil {
		t.Fatal(err)
	}
	want := []string{"package[a]:run", "service[b]:run", "file[c]:run"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunner_DelayedNotification(t *testing.T) {
	tests := []struct {
		name      string
		aUpToDate bool
		want      []string
	}{
		{
			name: "fires once when source updated",
			want: []string{"file[a]:run", "service[b]:restart"},
		},
		{
			name:      "does not fire when source up to date",
			aUpToDate: true,
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("file", "service")
			a := f.add("file", "a")
			b := f.add("service", "b", ActionNothing)
			f.notify(a, "restart", b, TimingDelayed)
			if tt.aUpToDate {
				f.class.upToDate[a.ID()] = true
			}

			status, err := f.converge(RunnerOptions{})
			if err != nil {
				t.Fatalf("Converge failed: %v", err)
			}
			if got := f.log.list(); !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}

			restarts := 0
			for _, r := range status.Reports {
				if r.Resource == b.ID() && r.Action == "restart" {
					restarts++
					if r.Trigger == nil || r.Trigger.Timing != TimingDelayed {
						t.Errorf("expected delayed trigger on restart report, got %+v", r.Trigger)
					}
				}
			}
			wantRestarts := 1
			if tt.aUpToDate {
				wantRestarts = 0
			}
			if restarts != wantRestarts {
				t.Errorf("expected %d restart reports, got %d", wantRestarts, restarts)
			}
		})
	}
}

func TestRunner_DelayedNotificationsRunAfterBasePassInOrder(t *testing.T) {
	f := newFixture("file", "service")
	a := f.add("file", "a")
	b := f.add("file", "b")
	svc := f.add("service", "web", ActionNothing)
	other := f.add("service", "db", ActionNothing)

	f.notify(a, "restart", svc, TimingDelayed)
	f.notify(a, "reload", other, TimingDelayed)
	f.notify(b, "restart", svc, TimingDelayed)

	if _, err := f.converge(RunnerOptions{}); err != nil {
		t.Fatal(err)
	}

	// No de-duplication: service[web] restarts once per queued occurrence.
	want := []string{
		"file[a]:run",
		"file[b]:run",
		"service[web]:restart",
		"service[db]:reload",
		"service[web]:restart",
	}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunner_DelayedOrderIsStableAcrossRuns(t *testing.T) {
	build := func() *fixture {
		f := newFixture("file", "service")
		var sources []*Resource
		for i := 0; i < 5; i++ {
			sources = append(sources, f.add("file", fmt.Sprintf("f%d", i)))
		}
		targets := []*Resource{
			f.add("service", "s0", ActionNothing),
			f.add("service", "s1", ActionNothing),
		}
		for i, s := range sources {
			f.notify(s, "restart", targets[i%2], TimingDelayed)
		}
		return f
	}

	first := build()
	if _, err := first.converge(RunnerOptions{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again := build()
		if _, err := again.converge(RunnerOptions{}); err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(first.log.list(), again.log.list()) {
			t.Fatalf("run %d differs: %v vs %v", i, first.log.list(), again.log.list())
		}
	}
}

func TestRunner_ImmediateNotificationFiresInline(t *testing.T) {
	f := newFixture("file", "service")
	x := f.add("file", "x")
	y := f.add("service", "y", ActionNothing)
	f.add("file", "z")
	f.notify(x, "restart", y, TimingImmediate)

	if _, err := f.converge(RunnerOptions{}); err != nil {
		t.Fatal(err)
	}
	want := []string{"file[x]:run", "service[y]:restart", "file[z]:run"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunner_SelfNotificationDoesNotRecurse(t *testing.T) {
	f := newFixture("service")
	s := f.add("service", "loop")
	f.notify(s, "restart", s, TimingImmediate)
	f.notify(s, "run", s, TimingImmediate)

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	// run -> restart (inline) -> restart skipped as re-entrant, run skipped as re-entrant.
	want := []string{"service[loop]:run", "service[loop]:restart"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !status.Success() {
		t.Errorf("expected success, got %s", status)
	}
}

func TestRunner_NotificationCycle(t *testing.T) {
	f := newFixture("service")
	s := f.add("service", "flapping")
	f.notify(s, "restart", s, TimingDelayed)

	status, err := f.converge(RunnerOptions{MaxDelayedPasses: 3})
	if !errors.Is(err, ErrNotificationCycle) {
		t.Fatalf("expected ErrNotificationCycle, got %v", err)
	}
	if status.Outcome != OutcomeFailed {
		t.Errorf("expected failed outcome, got %s", status.Outcome)
	}

	restarts := 0
	for _, e := range f.log.list() {
		if e == "service[flapping]:restart" {
			restarts++
		}
	}
	if restarts != 3 {
		t.Errorf("expected 3 bounded delayed passes, got %d restarts", restarts)
	}
}

func TestRunner_WhyRun(t *testing.T) {
	f := newFixture("file", "service")
	a := f.add("file", "a")
	b := f.add("service", "b", ActionNothing)
	f.notify(a, "restart", b, TimingDelayed)

	status, err := f.converge(RunnerOptions{WhyRun: true})
	if err != nil {
		t.Fatal(err)
	}

	if got := f.log.list(); len(got) != 0 {
		t.Errorf("why-run executed converge actions: %v", got)
	}
	if !status.WhyRun {
		t.Error("expected status to record why-run")
	}

	events := f.sink.list()
	for _, want := range []string{"would converge file[a]:run", "would converge service[b]:restart"} {
		if !slices.Contains(events, want) {
			t.Errorf("expected event %q in %v", want, events)
		}
	}
}

func TestRunner_WhyRunNeverAltersSystemState(t *testing.T) {
	f := newFixture("file")
	r := f.add("file", "a")
	rc := f.runContext()

	p := f.class.New(r, rc)
	runner := NewRunner(rc, RunnerOptions{WhyRun: true})
	runner.status = &RunStatus{}
	converged, err := runner.execute(context.Background(), p, r, "run", ResourceEvent{})
	if err != nil {
		t.Fatal(err)
	}
	if len(converged) != 1 {
		t.Errorf("expected one described converge action, got %v", converged)
	}
	if p.base().SystemStateAltered() {
		t.Error("why-run set system_state_altered")
	}
}

func TestRunner_WhyRunUnsupportedProviderStillExecutes(t *testing.T) {
	f := newFixture("execute")
	f.class.noWhyRun = true
	r := f.add("execute", "migrate")
	rc := f.runContext()

	p := f.class.New(r, rc)
	runner := NewRunner(rc, RunnerOptions{WhyRun: true})
	runner.status = &RunStatus{}
	if _, err := runner.execute(context.Background(), p, r, "run", ResourceEvent{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"body execute[migrate]:run", "execute[migrate]:run"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !p.base().SystemStateAltered() {
		t.Error("expected system state to be altered by a provider without why-run support")
	}

	f2 := newFixture("execute")
	f2.class.noWhyRun = true
	f2.add("execute", "migrate")
	status, err := f2.converge(RunnerOptions{WhyRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if status.UpdatedCount() != 1 {
		t.Errorf("expected update to be reported, got %d", status.UpdatedCount())
	}
}

func TestRunner_ProviderWithoutWhyRunAlwaysUpdates(t *testing.T) {
	f := newFixture("execute", "service")
	f.class.noWhyRun = true
	a := f.add("execute", "a")
	b := f.add("service", "b", ActionNothing)
	f.class.upToDate[a.ID()] = true
	f.notify(a, "restart", b, TimingDelayed)

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if !a.UpdatedByLastAction() {
		t.Error("expected execute[a] to be updated")
	}
	if !slices.Contains(f.log.list(), "service[b]:restart") {
		t.Errorf("expected service[b] to restart, got %v", f.log.list())
	}
	if !slices.Contains(f.sink.list(), "do action run") {
		t.Errorf("expected a wrapping converge action, got %v", f.sink.list())
	}
	if status.UpdatedCount() != 2 {
		t.Errorf("expected 2 updated, got %d", status.UpdatedCount())
	}
}

func TestRunner_Guards(t *testing.T) {
	tests := []struct {
		name     string
		guard    Guard
		wantRun  bool
		wantFail bool
	}{
		{name: "only_if true", guard: Guard{Kind: GuardOnlyIf, Expression: "yes"}, wantRun: true},
		{name: "only_if false", guard: Guard{Kind: GuardOnlyIf, Expression: "no"}},
		{name: "not_if true", guard: Guard{Kind: GuardNotIf, Expression: "yes"}},
		{name: "not_if false", guard: Guard{Kind: GuardNotIf, Expression: "no"}, wantRun: true},
		{name: "interpreter error", guard: Guard{Kind: GuardOnlyIf, Expression: "boom"}, wantFail: true},
		{name: "unknown interpreter", guard: Guard{Kind: GuardOnlyIf, Expression: "yes", Interpreter: "cobol"}, wantFail: true},
		{
			name: "block guard",
			guard: Guard{Kind: GuardOnlyIf, Func: func(_ context.Context, g GuardContext) (bool, error) {
				return g.Node.GetString(AttrPlatform) == "ubuntu", nil
			}},
			wantRun: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("file")
			r := f.add("file", "guarded")
			r.Guards = []Guard{tt.guard}
			after := f.add("file", "after")

			rc := f.runContext()
			rc.Guards.Register("literal", GuardInterpreterFunc(func(_ context.Context, expr string, _ GuardContext) (bool, error) {
				switch expr {
				case "yes":
					return true, nil
				case "no":
					return false, nil
				default:
					return false, errors.New("cannot evaluate " + expr)
				}
			}))
			rc.Guards.SetDefault("literal")

			status, err := NewRunner(rc, RunnerOptions{}).Converge(context.Background())
			ran := slices.Contains(f.log.list(), "file[guarded]:run")
			if ran != tt.wantRun {
				t.Errorf("expected ran=%v, got %v", tt.wantRun, ran)
			}

			if tt.wantFail {
				var failure *ResourceFailure
				if !errors.As(err, &failure) || failure.Phase != PhaseGuard {
					t.Fatalf("expected guard failure, got %v", err)
				}
				if slices.Contains(f.log.list(), after.String()+":run") {
					t.Error("run continued after guard failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantRun && status.Reports[0].State != ResourceStateSkipped {
				t.Errorf("expected skipped state, got %s", status.Reports[0].State)
			}
		})
	}
}

func TestRunner_GuardsRecheckedOnNotification(t *testing.T) {
	f := newFixture("file", "service")
	a := f.add("file", "a")
	b := f.add("service", "b", ActionNothing)
	b.Guards = []Guard{{Kind: GuardNotIf, Func: func(context.Context, GuardContext) (bool, error) {
		return true, nil
	}}}
	f.notify(a, "restart", b, TimingDelayed)

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if slices.Contains(f.log.list(), "service[b]:restart") {
		t.Error("notified action ran despite not_if guard")
	}
	last := status.Reports[len(status.Reports)-1]
	if last.Action != "restart" || last.State != ResourceStateSkipped {
		t.Errorf("expected skipped restart report, got %+v", last)
	}
}

func TestRunner_HaltsOnFirstFailure(t *testing.T) {
	f := newFixture("file")
	f.add("file", "one")
	two := f.add("file", "two")
	f.add("file", "three")
	f.class.failures["file[two]:run"] = errors.New("disk full")

	status, err := f.converge(RunnerOptions{})
	if err == nil {
		t.Fatal("expected failure")
	}

	var failure *ResourceFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *ResourceFailure, got %T", err)
	}
	if failure.Resource != two.ID() || failure.Index != 1 || failure.Phase != PhaseAction {
		t.Errorf("unexpected failure %+v", failure)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected underlying message in %q", err)
	}

	want := []string{"file[one]:run"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected run to halt after failure, got %v", got)
	}
	if status.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", status.Outcome)
	}
	if !strings.HasPrefix(status.String(), "failed (errors: ") {
		t.Errorf("unexpected summary %q", status.String())
	}
}

func TestRunner_AccumulateErrors(t *testing.T) {
	f := newFixture("file")
	f.add("file", "one")
	f.add("file", "two")
	f.add("file", "three")
	f.add("file", "four")
	f.class.failures["file[two]:run"] = errors.New("first")
	f.class.failures["file[four]:run"] = errors.New("second")

	status, err := f.converge(RunnerOptions{AccumulateErrors: true})

	var multi *MultipleFailures
	if !errors.As(err, &multi) {
		t.Fatalf("expected *MultipleFailures, got %v", err)
	}
	if !errors.Is(err, ErrMultipleFailures) {
		t.Error("expected errors.Is(err, ErrMultipleFailures)")
	}
	if len(multi.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(multi.Failures))
	}
	if multi.Failures[0].Index != 1 || multi.Failures[1].Index != 3 {
		t.Errorf("expected failures at indexes 1 and 3 in order, got %d and %d",
			multi.Failures[0].Index, multi.Failures[1].Index)
	}
	if !strings.Contains(err.Error(), "Multiple failures occurred") {
		t.Errorf("unexpected message %q", err.Error())
	}

	want := []string{"file[one]:run", "file[three]:run"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected run to complete, got %v", got)
	}
	if status.UpdatedCount() != 2 {
		t.Errorf("expected 2 updated, got %d", status.UpdatedCount())
	}
}

func TestRunner_NotificationCycleWithAccumulatedFailures(t *testing.T) {
	f := newFixture("service")
	f.add("service", "z")
	x := f.add("service", "x")
	y := f.add("service", "y")
	f.notify(x, "restart", y, TimingDelayed)
	f.notify(y, "restart", x, TimingDelayed)
	f.class.failures["service[z]:run"] = errors.New("z down")

	status, err := f.converge(RunnerOptions{AccumulateErrors: true, MaxDelayedPasses: 2})

	var multi *MultipleFailures
	if !errors.As(err, &multi) {
		t.Fatalf("expected *MultipleFailures, got %v", err)
	}
	if !errors.Is(err, ErrNotificationCycle) {
		t.Errorf("expected errors.Is(err, ErrNotificationCycle), got %v", err)
	}
	if len(multi.Failures) != 1 || multi.Failures[0].Resource.Name != "z" {
		t.Fatalf("expected service[z] as the only resource failure, got %+v", multi.Failures)
	}
	if errs := multi.Unwrap(); len(errs) != 2 || errs[0] != multi.Failures[0] {
		t.Errorf("expected the resource failure before the cycle error, got %v", errs)
	}
	if !strings.Contains(err.Error(), "Multiple failures occurred (2)") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if status.Err != err || status.Outcome != OutcomeFailed {
		t.Errorf("expected failed status carrying the error, got %s", status)
	}
}

func TestRunner_IgnoreFailure(t *testing.T) {
	f := newFixture("file")
	bad := f.add("file", "bad")
	bad.IgnoreFailure = true
	f.add("file", "good")
	f.class.failures["file[bad]:run"] = errors.New("nope")

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatalf("expected ignored failure not to fail the run: %v", err)
	}
	if !status.Success() {
		t.Errorf("expected success, got %s", status)
	}
	if len(status.Failures) != 1 || !status.Failures[0].Ignored {
		t.Errorf("expected one ignored failure, got %+v", status.Failures)
	}
	if !slices.Contains(f.sink.list(), "failed file[bad]:run") {
		t.Error("expected resource_failed callback for ignored failure")
	}
}

func TestRunner_ProviderNotFound(t *testing.T) {
	f := newFixture("file")
	f.add("widget", "w")
	f.add("file", "after")

	_, err := f.converge(RunnerOptions{})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
	var failure *ResourceFailure
	if !errors.As(err, &failure) || failure.Phase != PhaseResolve {
		t.Errorf("expected resolve phase failure, got %v", err)
	}
	if len(f.log.list()) != 0 {
		t.Errorf("expected run to halt, got %v", f.log.list())
	}

	f2 := newFixture("file")
	w := f2.add("widget", "w")
	w.IgnoreFailure = true
	f2.add("file", "after")
	if _, err := f2.converge(RunnerOptions{}); err != nil {
		t.Fatalf("expected ignored ProviderNotFound, got %v", err)
	}
	if got := f2.log.list(); !slices.Equal(got, []string{"file[after]:run"}) {
		t.Errorf("expected run to continue, got %v", got)
	}
}

func TestRunner_LoadFailure(t *testing.T) {
	f := newFixture("file")
	r := f.add("file", "unreadable")
	f.class.loadErrs[r.ID()] = errors.New("permission denied")

	_, err := f.converge(RunnerOptions{})
	var failure *ResourceFailure
	if !errors.As(err, &failure) || failure.Phase != PhaseLoad {
		t.Fatalf("expected load phase failure, got %v", err)
	}
}

func TestRunner_DelayedNotificationsRunAfterFatalFailure(t *testing.T) {
	f := newFixture("file", "service")
	a := f.add("file", "a")
	f.add("file", "broken")
	f.add("file", "never")
	svc := f.add("service", "web", ActionNothing)
	f.notify(a, "restart", svc, TimingDelayed)
	f.class.failures["file[broken]:run"] = errors.New("boom")

	status, err := f.converge(RunnerOptions{})
	var failure *ResourceFailure
	if !errors.As(err, &failure) || failure.Resource.Name != "broken" {
		t.Fatalf("expected base failure to be reported, got %v", err)
	}

	want := []string{"file[a]:run", "service[web]:restart"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if status.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", status.Outcome)
	}
}

func TestRunner_DelayedFailuresAreCollected(t *testing.T) {
	f := newFixture("file", "service")
	a := f.add("file", "a")
	s1 := f.add("service", "one", ActionNothing)
	s2 := f.add("service", "two", ActionNothing)
	s3 := f.add("service", "three", ActionNothing)
	f.notify(a, "restart", s1, TimingDelayed)
	f.notify(a, "restart", s2, TimingDelayed)
	f.notify(a, "restart", s3, TimingDelayed)
	f.class.failures["service[one]:restart"] = errors.New("one down")
	f.class.failures["service[two]:restart"] = errors.New("two down")

	_, err := f.converge(RunnerOptions{})
	var multi *MultipleFailures
	if !errors.As(err, &multi) {
		t.Fatalf("expected MultipleFailures, got %v", err)
	}
	if len(multi.Failures) != 2 || !multi.Failures[0].Delayed {
		t.Errorf("unexpected failures %+v", multi.Failures)
	}
	if !slices.Contains(f.log.list(), "service[three]:restart") {
		t.Error("remaining delayed notifications did not run")
	}
}

func TestRunner_Retries(t *testing.T) {
	f := newFixture("package")
	r := f.add("package", "flaky")
	r.Retries = 2
	r.RetryDelay = time.Millisecond
	f.class.flaky["package[flaky]:run"] = 2

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if f.class.attempts["package[flaky]:run"] != 3 {
		t.Errorf("expected 3 attempts, got %d", f.class.attempts["package[flaky]:run"])
	}
	if status.UpdatedCount() != 1 {
		t.Errorf("expected update after retry, got %d", status.UpdatedCount())
	}

	f2 := newFixture("package")
	r2 := f2.add("package", "flaky")
	r2.Retries = 1
	f2.class.flaky["package[flaky]:run"] = 5
	if _, err := f2.converge(RunnerOptions{}); err == nil {
		t.Error("expected failure after exhausting retries")
	}
	if f2.class.attempts["package[flaky]:run"] != 2 {
		t.Errorf("expected 2 attempts, got %d", f2.class.attempts["package[flaky]:run"])
	}
}

func TestRunner_RetriesReloadCurrentResource(t *testing.T) {
	f := newFixture("package")
	r := f.add("package", "flaky")
	r.Retries = 2
	r.RetryDelay = time.Millisecond
	f.class.flaky["package[flaky]:run"] = 1

	if _, err := f.converge(RunnerOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := f.class.loads[r.ID()]; got != 2 {
		t.Errorf("expected a load per attempt, got %d loads", got)
	}

	f2 := newFixture("package")
	r2 := f2.add("package", "flaky")
	r2.Retries = 2
	r2.RetryDelay = time.Millisecond
	f2.class.flaky["package[flaky]:run"] = 1
	rc := f2.runContext()
	p := f2.class.New(r2, rc)
	runner := NewRunner(rc, RunnerOptions{})
	runner.status = &RunStatus{}
	if err := p.LoadCurrentResource(context.Background()); err != nil {
		t.Fatal(err)
	}
	f2.class.loadErrs[r2.ID()] = errors.New("package database locked")
	_, err := runner.execute(context.Background(), p, r2, "run", ResourceEvent{})
	if err == nil || !strings.Contains(err.Error(), "package database locked") {
		t.Errorf("expected the reload error to surface, got %v", err)
	}
}

func TestRunner_PermanentErrorsAreNotRetried(t *testing.T) {
	f := newFixture("package")
	r := f.add("package", "bad")
	r.Retries = 3
	f.class.failures["package[bad]:run"] = NewPermanentError("unknown package", nil)

	if _, err := f.converge(RunnerOptions{}); err == nil {
		t.Fatal("expected failure")
	}
	if f.class.attempts["package[bad]:run"] != 1 {
		t.Errorf("expected a single attempt, got %d", f.class.attempts["package[bad]:run"])
	}
}

func TestRunner_StopBetweenResources(t *testing.T) {
	f := newFixture("file")
	f.add("file", "one")
	f.add("file", "two")
	f.add("file", "three")

	runner := NewRunner(f.runContext(), RunnerOptions{})
	f.sink.onStart = func(ev ResourceEvent) {
		if ev.Resource.Name == "one" {
			runner.Stop()
		}
	}

	status, err := runner.Converge(context.Background())
	if !errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCancelled}) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if status.Outcome != OutcomeCancelled {
		t.Errorf("expected cancelled, got %s", status.Outcome)
	}
	// The current resource finishes; nothing after it starts.
	if got := f.log.list(); !slices.Equal(got, []string{"file[one]:run"}) {
		t.Errorf("expected only file[one] to run, got %v", got)
	}
}

func TestRunner_ContextCancelled(t *testing.T) {
	f := newFixture("file")
	f.add("file", "one")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, _ := NewRunner(f.runContext(), RunnerOptions{}).Converge(ctx)
	if status.Outcome != OutcomeCancelled {
		t.Errorf("expected cancelled, got %s", status.Outcome)
	}
	if len(f.log.list()) != 0 {
		t.Errorf("expected nothing to run, got %v", f.log.list())
	}
}

func TestRunner_ActionNothingAndMultipleActions(t *testing.T) {
	f := newFixture("service")
	f.add("service", "idle", ActionNothing)
	f.add("service", "web", "enable", "start")

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"service[web]:enable", "service[web]:start"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if status.Reports[0].State != ResourceStateSkipped {
		t.Errorf("expected action nothing to be skipped, got %s", status.Reports[0].State)
	}
	if status.UpdatedCount() != 1 {
		t.Errorf("expected one distinct updated resource, got %d", status.UpdatedCount())
	}
}

func TestRunner_ZeroUpdated(t *testing.T) {
	f := newFixture("file")
	r := f.add("file", "same")
	f.class.upToDate[r.ID()] = true

	status, err := f.converge(RunnerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if status.String() != "success (0 updated)" {
		t.Errorf("unexpected summary %q", status.String())
	}
	if r.Updated() {
		t.Error("resource marked updated without a change")
	}
}

func TestRunner_EventSequence(t *testing.T) {
	f := newFixture("file")
	f.add("file", "a")

	if _, err := f.converge(RunnerOptions{}); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"start file[a]:run",
		"do converge file[a]:run",
		"updated file[a]:run",
		"completed succeeded",
	}
	if got := f.sink.list(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.sink.status == nil || f.sink.status.RunID != "test-run" {
		t.Error("expected run_completed to carry the status")
	}
}

func TestResourceState_Transitions(t *testing.T) {
	legal := [][2]ResourceState{
		{ResourceStatePending, ResourceStateLoaded},
		{ResourceStateLoaded, ResourceStateGuarded},
		{ResourceStateGuarded, ResourceStateSkipped},
		{ResourceStateGuarded, ResourceStateExecuted},
		{ResourceStateExecuted, ResourceStateNotified},
		{ResourceStateLoaded, ResourceStateFailed},
	}
	for _, tr := range legal {
		if !tr[0].CanTransitionTo(tr[1]) {
			t.Errorf("expected %s -> %s to be legal", tr[0], tr[1])
		}
	}

	illegal := [][2]ResourceState{
		{ResourceStateSkipped, ResourceStatePending},
		{ResourceStateExecuted, ResourceStatePending},
		{ResourceStateNotified, ResourceStateFailed},
		{ResourceStatePending, ResourceStateExecuted},
	}
	for _, tr := range illegal {
		if tr[0].CanTransitionTo(tr[1]) {
			t.Errorf("expected %s -> %s to be illegal", tr[0], tr[1])
		}
	}
}
