package core

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/telemetry"
)

const DefaultPollInterval = 100 * time.Millisecond

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	// Limit is the total number of jobs allowed to run at once.
	Limit        int
	PollInterval time.Duration
	// Sleep waits between two polls.
	Sleep    func(ctx context.Context, d time.Duration)
	Reporter ResultReporter
	Console  io.Writer
	Metrics  *telemetry.Collector
}

// Scheduler drives a cpu-intensive and a regular queue to completion. Once the
// cpu-intensive queue drains, its capacity moves to the regular queue for good.
type Scheduler struct {
	cpuIntensive *Queue
	regular      *Queue
	interval     time.Duration
	sleep        func(ctx context.Context, d time.Duration)
	metrics      *telemetry.Collector
}

// NewScheduler builds one runner per suite. Indexes follow the suite order so the
// VM identity of a job does not depend on its queue.
func NewScheduler(suites []Suite, res Resources, outputRoot string, opts Options) *Scheduler {
	cpuLimit, regularLimit := Limits(opts.Limit)
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	var cpu, regular []*NewRunner
	for i, suite := range suites {
		runner := NewRunnerFor(i, res, suite, outputRoot)
		if cpuLimit > 0 && suite.IsCPUIntensive() {
			cpu = append(cpu, runner)
		} else {
			regular = append(regular, runner)
		}
	}

	s := &Scheduler{
		cpuIntensive: newQueue("cpu-intensive", cpu, cpuLimit, opts),
		regular:      newQueue("regular", regular, regularLimit, opts),
		interval:     opts.PollInterval,
		sleep:        opts.Sleep,
		metrics:      opts.Metrics,
	}
	s.recordLimits()
	return s
}

// Step advances both queues once and moves spare capacity.
func (s *Scheduler) Step(ctx context.Context) {
	s.cpuIntensive.Step(ctx)
	s.regular.Step(ctx)

	if s.cpuIntensive.CanYield() {
		log.Debug().Int("limit", s.cpuIntensive.limit).Msg("Moving cpu-intensive capacity to the regular queue")
		s.regular.limit += s.cpuIntensive.limit
		s.cpuIntensive.limit = 0
		s.recordLimits()
	}
}

// IsFinished reports whether every job of the run has finished.
func (s *Scheduler) IsFinished() bool {
	return s.cpuIntensive.IsFinished() && s.regular.IsFinished()
}

// Run blocks until every job has finished.
func (s *Scheduler) Run(ctx context.Context) {
	for !s.IsFinished() {
		s.Step(ctx)
		s.sleep(ctx, s.interval)
	}
}

// Limits returns the current capacity of the cpu-intensive and the regular queue.
func (s *Scheduler) Limits() (cpuIntensive, regular int) {
	return s.cpuIntensive.limit, s.regular.limit
}

func (s *Scheduler) CPUIntensive() *Queue { return s.cpuIntensive }

func (s *Scheduler) Regular() *Queue { return s.regular }

// Finished returns the finished runners of both queues.
func (s *Scheduler) Finished() []*FinishedRunner {
	out := make([]*FinishedRunner, 0, len(s.regular.finished)+len(s.cpuIntensive.finished))
	out = append(out, s.regular.finished...)
	return append(out, s.cpuIntensive.finished...)
}

func (s *Scheduler) recordLimits() {
	s.metrics.Gauge(telemetry.QueueLimit, float64(s.cpuIntensive.limit), map[string]string{"queue": s.cpuIntensive.name})
	s.metrics.Gauge(telemetry.QueueLimit, float64(s.regular.limit), map[string]string{"queue": s.regular.name})
}

// sleepCtx keeps the full interval even after cancellation so that the loop does not
// spin while killed jobs are being reaped.
func sleepCtx(_ context.Context, d time.Duration) {
	time.Sleep(d)
}
