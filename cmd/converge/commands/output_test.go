package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

func TestTable_Aligns(t *testing.T) {
	var buf bytes.Buffer
	tb := &table{header: []string{"TYPE", "CLASS"}}
	tb.add("package", "apt")
	tb.add("service", "systemd")
	tb.write(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	col := strings.Index(lines[0], "CLASS")
	for _, l := range lines[1:] {
		if strings.IndexAny(l[col:col+1], "as") != 0 {
			t.Errorf("column misaligned in %q", l)
		}
	}
}

func TestFilterString(t *testing.T) {
	tests := []struct {
		f    engine.Filter
		want string
	}{
		{engine.Filter{}, "default"},
		{engine.Filter{OS: []string{"linux"}}, "os=linux"},
		{engine.Filter{PlatformFamily: []string{"debian", "!ubuntu"}, PlatformVersion: ">= 12"}, "family=debian|!ubuntu version >= 12"},
	}
	for _, tt := range tests {
		if got := filterString(tt.f); got != tt.want {
			t.Errorf("filterString(%+v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestRunFlags_Paths(t *testing.T) {
	var f runFlags
	if got := f.paths(nil); len(got) != 1 || got[0] != "." {
		t.Errorf("default paths = %v", got)
	}
	f.files = []string{"site.cue"}
	got := f.paths([]string{"extra"})
	if strings.Join(got, ",") != "site.cue,extra" {
		t.Errorf("paths = %v", got)
	}
	if len(f.files) != 1 {
		t.Error("paths modified the flag slice")
	}
}

func TestRunFlags_ApplyOnlyChanged(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	var f runFlags
	f.register(cmd)
	if err := cmd.Flags().Parse([]string{"--why-run", "--policy", "p1"}); err != nil {
		t.Fatal(err)
	}

	s := newTestSession()
	s.settings.AccumulateErrors = true
	s.settings.MaxDelayedPasses = 7
	f.apply(cmd, s)

	if !s.settings.WhyRun {
		t.Error("why-run not applied")
	}
	if !s.settings.AccumulateErrors || s.settings.MaxDelayedPasses != 7 {
		t.Error("unset flags overrode settings")
	}
	if len(s.settings.PolicyPaths) != 1 || s.settings.PolicyPaths[0] != "p1" {
		t.Errorf("policy paths = %v", s.settings.PolicyPaths)
	}
}

func TestPrintStatus(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	status := &engine.RunStatus{
		RunID:            "r1",
		Outcome:          engine.OutcomeSucceeded,
		StartedAt:        start,
		CompletedAt:      start.Add(1500 * time.Millisecond),
		UpdatedResources: []engine.ResourceID{{Type: "file", Name: "/etc/motd"}},
		Reports: []*engine.ResourceReport{
			{
				Resource:  engine.ResourceID{Type: "file", Name: "/etc/motd"},
				Action:    engine.Action("create"),
				Provider:  "file",
				State:     engine.ResourceStateExecuted,
				Updated:   true,
				Converged: []string{"create file /etc/motd"},
			},
			{
				Resource:   engine.ResourceID{Type: "service", Name: "nginx"},
				Action:     engine.Action("start"),
				State:      engine.ResourceStateSkipped,
				SkipReason: "not_if guard",
			},
		},
	}

	var buf bytes.Buffer
	printStatus(&buf, status)
	out := buf.String()
	for _, want := range []string{"file[/etc/motd]", "updated", "skipped", "- create file /etc/motd", "Run r1: success (1 updated) in 1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(0); got != "-" {
		t.Errorf("zero = %q", got)
	}
	if got := formatDuration(1234567 * time.Nanosecond); got != "1ms" {
		t.Errorf("sub-second = %q", got)
	}
}

func newTestSession() *session {
	return &session{settings: config.DefaultSettings(), out: &bytes.Buffer{}}
}
