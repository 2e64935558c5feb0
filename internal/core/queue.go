package core

import (
	"context"
	"fmt"
	"io"

	"github.com/ovn-org/ovn-ci/internal/telemetry"
)

// ResultReporter is notified about every finished job.
type ResultReporter interface {
	TestResult(name string, success bool)
}

// Queue runs the jobs of one priority class with at most limit of them in flight.
type Queue struct {
	name     string
	limit    int
	waiting  []*NewRunner
	running  []*RunningRunner
	finished []*FinishedRunner

	reporter ResultReporter
	console  io.Writer
	metrics  *telemetry.Collector
}

func newQueue(name string, runners []*NewRunner, limit int, opts Options) *Queue {
	return &Queue{
		name:     name,
		limit:    limit,
		waiting:  runners,
		running:  make([]*RunningRunner, 0, limit),
		finished: make([]*FinishedRunner, 0, len(runners)),
		reporter: opts.Reporter,
		console:  opts.Console,
		metrics:  opts.Metrics,
	}
}

func (q *Queue) Limit() int { return q.limit }

func (q *Queue) Waiting() int { return len(q.waiting) }

func (q *Queue) Running() int { return len(q.running) }

func (q *Queue) Finished() []*FinishedRunner { return q.finished }

// Step admits waiting jobs up to the limit and collects the ones that are done.
func (q *Queue) Step(ctx context.Context) {
	q.schedule(ctx)
	q.collectFinished(ctx)
}

// IsFinished reports whether no job is waiting or running.
func (q *Queue) IsFinished() bool {
	return len(q.waiting) == 0 && len(q.running) == 0
}

// CanYield reports whether the queue is drained and still holds capacity.
func (q *Queue) CanYield() bool {
	return q.IsFinished() && q.limit > 0
}

// schedule pops the most recently added waiting job first.
func (q *Queue) schedule(ctx context.Context) {
	for len(q.waiting) > 0 && len(q.running) < q.limit {
		last := len(q.waiting) - 1
		runner := q.waiting[last]
		q.waiting[last] = nil
		q.waiting = q.waiting[:last]

		q.print(runner.ReportConsole())
		q.metrics.Counter(telemetry.JobsStarted, 1, map[string]string{"queue": q.name})
		running, finished := runner.Run(ctx)
		if finished != nil {
			q.metrics.Counter(telemetry.StartupFailures, 1, map[string]string{"queue": q.name})
			q.addFinished(finished)
			continue
		}
		q.running = append(q.running, running)
	}
}

func (q *Queue) collectFinished(ctx context.Context) {
	kept := q.running[:0]
	var done []*RunningRunner
	for _, r := range q.running {
		if r.TryReady() {
			done = append(done, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(q.running); i++ {
		q.running[i] = nil
	}
	q.running = kept
	for _, r := range done {
		q.addFinished(r.Finish(ctx))
	}
}

func (q *Queue) addFinished(r *FinishedRunner) {
	if q.reporter != nil {
		q.reporter.TestResult(r.Name(), r.Success())
	}
	labels := map[string]string{"queue": q.name, "job": r.Name()}
	if r.Success() {
		q.metrics.Counter(telemetry.JobsSucceeded, 1, labels)
	} else {
		q.metrics.Counter(telemetry.JobsFailed, 1, labels)
	}
	q.metrics.Timer(telemetry.JobDuration, r.Duration(), labels)
	q.print(r.ReportConsole())
	q.finished = append(q.finished, r)
}

func (q *Queue) print(line string) {
	if q.console != nil {
		fmt.Fprintln(q.console, line)
	}
}
