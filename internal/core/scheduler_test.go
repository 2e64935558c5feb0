package core

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ovn-org/ovn-ci/internal/telemetry"
)

func noSleep(context.Context, time.Duration) {}

func mixedSuites() []Suite {
	return []Suite{
		{Name: "Fedora", Compiler: CompilerGCC},
		{Name: "Fedora", Compiler: CompilerClang, Type: SuiteDist},
		{Name: "Fedora", Compiler: CompilerGCC, Type: SuiteSystem},
		{Name: "Fedora", Compiler: CompilerClang, Type: SuiteSystemUserspace},
		{Name: "Fedora", Compiler: CompilerGCC, Type: SuiteSystemDPDK},
	}
}

func TestSchedulerCapacityTransfer(t *testing.T) {
	tr := newFakeTransport()
	var console bytes.Buffer
	metrics := telemetry.NewCollector()
	s := NewScheduler(mixedSuites(), testResources(tr), t.TempDir(), Options{
		Limit:   4,
		Sleep:   noSleep,
		Console: &console,
		Metrics: metrics,
	})
	if cpu, regular := s.Limits(); cpu != 2 || regular != 2 {
		t.Fatalf("initial limits = %d, %d", cpu, regular)
	}
	if s.CPUIntensive().Waiting() != 2 || s.Regular().Waiting() != 3 {
		t.Fatalf("partition = %d cpu-intensive, %d regular", s.CPUIntensive().Waiting(), s.Regular().Waiting())
	}

	ctx := context.Background()
	s.Step(ctx)
	if s.CPUIntensive().Running() != 2 || s.Regular().Running() != 2 {
		t.Fatalf("running = %d, %d", s.CPUIntensive().Running(), s.Regular().Running())
	}

	for _, r := range s.CPUIntensive().running {
		tr.procs[r.LogDir()].exit(0)
	}
	s.Step(ctx)
	if cpu, regular := s.Limits(); cpu != 0 || regular != 4 {
		t.Fatalf("limits after drain = %d, %d", cpu, regular)
	}
	s.Step(ctx)
	if s.Regular().Running() != 3 {
		t.Fatalf("regular running = %d, want 3", s.Regular().Running())
	}
	if cpu, _ := s.Limits(); cpu != 0 {
		t.Fatal("cpu-intensive capacity must not come back")
	}

	tr.finishAll(0)
	s.Run(ctx)
	if !s.IsFinished() || len(s.Finished()) != 5 {
		t.Fatalf("finished = %d", len(s.Finished()))
	}
	if got := strings.Count(console.String(), "is starting"); got != 5 {
		t.Errorf("start lines = %d", got)
	}
	if got := metrics.Summary()[telemetry.JobsSucceeded]; got != 5 {
		t.Errorf("succeeded metric = %v", got)
	}
}

func TestSchedulerSingleSlot(t *testing.T) {
	tr := newFakeTransport()
	tr.exitCode = intPtr(0)
	s := NewScheduler(mixedSuites(), testResources(tr), t.TempDir(), Options{Limit: 1, Sleep: noSleep, Console: &bytes.Buffer{}})
	if cpu, regular := s.Limits(); cpu != 0 || regular != 1 {
		t.Fatalf("limits = %d, %d", cpu, regular)
	}
	if s.Regular().Waiting() != 5 {
		t.Fatal("with a single slot every suite goes to the regular queue")
	}
	steps := 0
	for !s.IsFinished() {
		s.Step(context.Background())
		if s.Regular().Running() > 1 {
			t.Fatalf("running %d jobs with limit 1", s.Regular().Running())
		}
		steps++
	}
	if steps != 5 || len(s.Finished()) != 5 {
		t.Fatalf("steps = %d, finished = %d", steps, len(s.Finished()))
	}
}

func TestSchedulerMonotonicTransfer(t *testing.T) {
	tr := newFakeTransport()
	tr.exitCode = intPtr(1)
	suites := append(mixedSuites(), mixedSuites()...)
	for i := range suites {
		suites[i].Name = suites[i].Name + string(rune('A'+i))
	}
	s := NewScheduler(suites, testResources(tr), t.TempDir(), Options{Limit: 8, Sleep: noSleep, Console: &bytes.Buffer{}})
	yielded := false
	for !s.IsFinished() {
		s.Step(context.Background())
		cpu, regular := s.Limits()
		if cpu+regular != 8 {
			t.Fatalf("capacity changed: %d + %d", cpu, regular)
		}
		if yielded && cpu != 0 {
			t.Fatal("cpu-intensive queue regained capacity")
		}
		if cpu == 0 {
			yielded = true
		}
		for _, q := range []*Queue{s.CPUIntensive(), s.Regular()} {
			if q.Running() > q.Limit() {
				t.Fatalf("queue %s runs %d over limit %d", q.name, q.Running(), q.Limit())
			}
		}
	}
	for _, r := range s.Finished() {
		if r.Success() {
			t.Fatalf("%s should have failed", r.Name())
		}
	}
}

func TestSchedulerStableIndexes(t *testing.T) {
	s := NewScheduler(mixedSuites(), testResources(newFakeTransport()), "/logs", Options{Limit: 4})
	seen := map[int]string{}
	for _, q := range []*Queue{s.CPUIntensive(), s.Regular()} {
		for _, r := range q.waiting {
			seen[r.Index()] = r.Name()
		}
	}
	for i, suite := range mixedSuites() {
		if seen[i] != suite.DisplayName() {
			t.Errorf("index %d = %q, want %q", i, seen[i], suite.DisplayName())
		}
	}
}
