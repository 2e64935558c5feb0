package core

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/transport"
	"github.com/ovn-org/ovn-ci/internal/vm"
	"github.com/ovn-org/ovn-ci/pkg/api"
)

const (
	LogFileName = "ovn-ci.log"
	reportPort  = 8080
)

var (
	ErrLogDirectory = errors.New("cannot create log directory")
	ErrLogFile      = errors.New("cannot create log file")
	ErrVM           = errors.New("cannot start vm")
	ErrRunnerStart  = errors.New("cannot start runner")
	ErrRunnerFinish = errors.New("cannot finish runner job")
)

// ReturnCodeError is recorded when the job exits with a non-zero code.
type ReturnCodeError struct {
	Code int
}

func (e *ReturnCodeError) Error() string {
	return fmt.Sprintf("non-zero return code: %d", e.Code)
}

// Resources are the run wide parameters every runner is built from.
type Resources struct {
	Jobs      int
	Timeout   string
	ImageName string
	OVNPath   string
	OVSPath   string
	// Script is the job entry point, relative to the OVN tree unless absolute.
	Script string
	// Transport executes jobs when VM is nil.
	Transport transport.Transport
	// VM enables the ephemeral VM backend.
	VM *vm.Options
}

type identity struct {
	index  int
	name   string
	logDir string
	vm     *vm.EphemeralVM
}

func (id identity) Name() string   { return id.name }
func (id identity) Index() int     { return id.index }
func (id identity) LogDir() string { return id.logDir }

// NewRunner is a job that has not been started yet.
type NewRunner struct {
	identity
	cmd       transport.Command
	transport transport.Transport
}

// RunningRunner is a job whose process is alive.
type RunningRunner struct {
	identity
	start time.Time
	proc  transport.Process
	log   *os.File
}

// FinishedRunner is a terminal job.
type FinishedRunner struct {
	identity
	duration time.Duration
	err      error
}

// NewRunnerFor builds the job for suite. It has no side effects.
func NewRunnerFor(index int, res Resources, suite Suite, outputRoot string) *NewRunner {
	id := identity{
		index:  index,
		name:   suite.DisplayName(),
		logDir: filepath.Join(outputRoot, suite.DirName()),
	}

	script := res.Script
	if script == "" {
		script = ".ci/ci.sh"
	}
	ovnPath, ovsPath := res.OVNPath, res.OVSPath
	var program, dir string
	if res.VM != nil {
		ovnPath, ovsPath = vm.GuestPath(ovnPath), vm.GuestPath(ovsPath)
		program = script
		if !path.IsAbs(script) {
			program = path.Join(ovnPath, script)
		}
		id.vm = vm.New(index, id.logDir, *res.VM)
	} else {
		program = script
		if !filepath.IsAbs(script) {
			program = filepath.Join(ovnPath, script)
		}
		dir = id.logDir
	}

	args := []string{
		"--ovn-path=" + ovnPath,
		"--ovs-path=" + ovsPath,
		fmt.Sprintf("--jobs=%d", res.Jobs),
	}
	if res.ImageName != "" {
		image := res.ImageName
		if res.VM != nil {
			image = vm.TestImageTag
		}
		args = append(args, "--image-name="+image)
	}
	args = append(args, "--archive-logs")
	if res.Timeout != "" && res.Timeout != "0" {
		args = append(args, "--timeout="+res.Timeout)
	}

	tr := res.Transport
	if tr == nil {
		tr = transport.Local{}
	}
	return &NewRunner{
		identity: id,
		cmd: transport.Command{
			Program: program,
			Args:    args,
			Env:     suite.Envs(),
			Dir:     dir,
		},
		transport: tr,
	}
}

// Command is the invocation the runner will spawn.
func (r *NewRunner) Command() transport.Command { return r.cmd }

func (r *NewRunner) ReportConsole() string {
	return fmt.Sprintf("The job %q is starting, log file: %s/%s", r.name, r.logDir, LogFileName)
}

// Run starts the job. Exactly one of the results is non-nil: the running job, or a
// finished one carrying the startup error.
func (r *NewRunner) Run(ctx context.Context) (*RunningRunner, *FinishedRunner) {
	start := time.Now()
	fail := func(err error) (*RunningRunner, *FinishedRunner) {
		return nil, &FinishedRunner{identity: r.identity, duration: time.Since(start), err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrRunnerStart, err))
	}

	if err := os.Mkdir(r.logDir, 0755); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrLogDirectory, err))
	}
	logf, err := os.Create(filepath.Join(r.logDir, LogFileName))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrLogFile, err))
	}

	spawn := r.transport.Spawn
	if r.vm != nil {
		if err := r.vm.Start(ctx); err != nil {
			logf.Close()
			return fail(fmt.Errorf("%w: %w", ErrVM, err))
		}
		spawn = r.vm.Spawn
	}

	proc, err := spawn(ctx, r.cmd, logf)
	if err != nil {
		if r.vm != nil {
			r.vm.Destroy()
		}
		logf.Close()
		return fail(fmt.Errorf("%w: %w", ErrRunnerStart, err))
	}
	return &RunningRunner{identity: r.identity, start: start, proc: proc, log: logf}, nil
}

// TryReady reports whether the job can be finished without blocking. A failed poll
// counts as ready so that Finish surfaces the cause.
func (r *RunningRunner) TryReady() bool {
	done, err := r.proc.TryWait()
	if err != nil {
		return true
	}
	return done
}

// Finish waits for the job and releases its VM and log file. Artifacts of a failed
// job are copied out of its VM first.
func (r *RunningRunner) Finish(ctx context.Context) *FinishedRunner {
	defer r.log.Close()
	if r.vm != nil {
		defer r.vm.Destroy()
	}

	var jobErr error
	code, err := r.proc.Wait()
	switch {
	case err != nil:
		jobErr = fmt.Errorf("%w: %w", ErrRunnerFinish, err)
	case code != 0:
		jobErr = &ReturnCodeError{Code: code}
	}

	// The archive only matters for diagnosing failures.
	if r.vm != nil && jobErr != nil {
		if err := r.vm.RetrieveArtifacts(ctx); err != nil {
			log.Warn().Err(err).Str("job", r.name).Msg("Couldn't retrieve artifacts")
		}
	}
	return &FinishedRunner{identity: r.identity, duration: time.Since(r.start), err: jobErr}
}

func (r *FinishedRunner) Success() bool { return r.err == nil }

func (r *FinishedRunner) Err() error { return r.err }

func (r *FinishedRunner) Duration() time.Duration { return r.duration }

func (r *FinishedRunner) ReportConsole() string {
	status := "Ok"
	if r.err != nil {
		status = "Fail, " + r.err.Error()
	}
	return fmt.Sprintf("The job %q is done. Duration: %s, Status: %s", r.name, FormatDuration(r.duration), status)
}

// ReportHTML renders the job as a table row linking to its files served from host.
// logPrefix is stripped from the job directory to build the links.
func (r *FinishedRunner) ReportHTML(host, logPrefix string) string {
	rel, err := filepath.Rel(logPrefix, r.logDir)
	if err != nil {
		rel = ""
	}
	rel = filepath.ToSlash(rel)
	base := fmt.Sprintf("http://%s:%d/%s", host, reportPort, rel)

	status, class := "Ok", "ok"
	artifacts := "-"
	if !r.Success() {
		status, class = "Fail", "fail"
		artifacts = fmt.Sprintf(`<a href="%s/%s" target="_blank">Artifacts</a>`, base, vm.ArtifactName)
	}
	return fmt.Sprintf(
		`<tr><td>%s</td><td class="%s">%s</td><td>%s</td><td><a href="%s/%s" target="_blank">Log</a></td><td>%s</td></tr>`,
		html.EscapeString(r.name), class, status,
		FormatDuration(r.duration), base, LogFileName, artifacts,
	)
}

// Result converts the runner into its public form.
func (r *FinishedRunner) Result() api.JobResult {
	res := api.JobResult{
		Name:     r.name,
		Success:  r.Success(),
		Duration: r.duration,
		LogDir:   r.logDir,
	}
	if r.err != nil {
		res.Error = r.err.Error()
	}
	return res
}

// FormatDuration renders d as "MMm SSs MMMms".
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	secs := ms / 1000
	return fmt.Sprintf("%02dm %02ds %03dms", secs/60, secs%60, ms%1000)
}
