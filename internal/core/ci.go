package core

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/git"
	"github.com/ovn-org/ovn-ci/internal/hypervisor"
	"github.com/ovn-org/ovn-ci/internal/report"
	gssh "github.com/ovn-org/ovn-ci/internal/ssh"
	"github.com/ovn-org/ovn-ci/internal/telemetry"
	"github.com/ovn-org/ovn-ci/internal/transport"
	"github.com/ovn-org/ovn-ci/internal/vm"
	"github.com/ovn-org/ovn-ci/pkg/api"
)

const (
	runDirLayout = "20060102-150405"
	sshUser      = "root"
	sshPort      = "22"
	sshTimeout   = 60 * time.Second
	sshRetries   = 60
	sshBackoff   = time.Second
)

var (
	ErrJobsFailed   = errors.New("at least one job failed")
	ErrRunDirectory = errors.New("cannot create log directory structure")
	ErrSourceUpdate = errors.New("cannot update sources")
	ErrBaseImage    = errors.New("cannot prepare base image")
	ErrNoHypervisor = errors.New("vm backend configured without a hypervisor")
	ErrNoVM         = errors.New("no vm section configured")
)

// CIOptions holds the collaborators of a CI run. Only Config is required.
type CIOptions struct {
	Config *Configuration
	Arch   vm.Arch
	// Hypervisor and Connect are required when Config.VM is set.
	Hypervisor hypervisor.Hypervisor
	Connect    func(addr string) vm.Remote
	// Transport runs jobs and git when no VM backend is configured.
	Transport transport.Transport
	Store     *Store
	Metrics   *telemetry.Collector
	Console   io.Writer
	// ReportURL is handed to the reporting sidecar; no sidecar runs without it.
	ReportURL    string
	RebuildImage bool
	// Mirror overrides the base image mirror list URL format.
	Mirror       string
	PollInterval time.Duration
	Sleep        func(ctx context.Context, d time.Duration)
	Now          func() time.Time
}

// CI runs every configured suite once and reports the results.
type CI struct {
	opts CIOptions
	cfg  *Configuration
}

func NewCI(opts CIOptions) (*CI, error) {
	if opts.Config == nil {
		return nil, errors.New("ci: config required")
	}
	if opts.Config.VM != nil && (opts.Hypervisor == nil || opts.Connect == nil) {
		return nil, ErrNoHypervisor
	}
	if opts.Transport == nil {
		opts.Transport = transport.Local{}
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CI{opts: opts, cfg: opts.Config}, nil
}

// Run executes the whole pipeline. It returns ErrJobsFailed when a job failed and a
// wrapped error when a setup step failed before any job started.
func (c *CI) Run(ctx context.Context) error {
	if c.cfg.Git.Update {
		if err := c.updateSources(ctx); err != nil {
			return err
		}
	}

	started := c.opts.Now()
	runDir, err := c.CreateRunDir()
	if err != nil {
		return err
	}
	log.Info().Str("dir", runDir).Msg("Run directory created")

	hash, err := git.New(c.cfg.Git.OVNPath, c.opts.Transport).Head(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Couldn't read the OVN commit")
	}

	runID := uuid.NewString()
	if c.opts.Store != nil {
		if err := c.opts.Store.StartRun(ctx, runID, started, hash, runDir); err != nil {
			log.Error().Err(err).Msg("Couldn't record run start")
		}
	}

	var sidecar *report.CliReport
	if c.cfg.CliReportBinary != "" && c.opts.ReportURL != "" {
		sidecar = report.NewCliReport(c.cfg.CliReportBinary, c.opts.ReportURL, c.opts.Arch.Target(), nil)
		defer sidecar.Close()
		sidecar.Start(hash)
	}

	var vmOpts *vm.Options
	if c.cfg.VM != nil {
		log.Info().Str("hypervisor", c.opts.Hypervisor.Name()).Str("arch", c.opts.Arch.Target()).Msg("Running jobs in ephemeral VMs")
		reaper := vm.NewReaper()
		defer reaper.DestroyAll()
		if err := c.PrepareImage(ctx, runDir, c.opts.RebuildImage); err != nil {
			c.finishRun(runID, api.RunFailed, nil)
			if sidecar != nil {
				sidecar.Finish(false)
			}
			return err
		}
		vmOpts = &vm.Options{
			Hypervisor: c.opts.Hypervisor,
			Arch:       c.opts.Arch,
			LibPath:    c.cfg.VM.LibPath,
			Memory:     c.cfg.VM.Memory,
			VCPUs:      c.cfg.Jobs,
			Connect:    c.opts.Connect,
			Reaper:     reaper,
		}
	}

	res := Resources{
		Jobs:      c.cfg.Jobs,
		Timeout:   c.cfg.Timeout,
		ImageName: c.cfg.ImageName,
		OVNPath:   c.cfg.Git.OVNPath,
		OVSPath:   c.cfg.Git.OVSPath,
		Script:    c.cfg.ScriptPath,
		Transport: c.opts.Transport,
		VM:        vmOpts,
	}
	sopts := Options{
		Limit:        c.cfg.ConcurrentLimit,
		PollInterval: c.opts.PollInterval,
		Sleep:        c.opts.Sleep,
		Console:      c.opts.Console,
		Metrics:      c.opts.Metrics,
	}
	if sidecar != nil {
		sopts.Reporter = sidecar
	}
	sched := NewScheduler(c.cfg.Suites, res, runDir, sopts)
	sched.Run(ctx)

	finished := sched.Finished()
	results := make([]api.JobResult, 0, len(finished))
	rows := make([]template.HTML, 0, len(finished))
	failed := 0
	for _, r := range finished {
		results = append(results, r.Result())
		rows = append(rows, template.HTML(r.ReportHTML(c.cfg.Host, c.cfg.LogPath)))
		if !r.Success() {
			failed++
		}
	}

	header := report.Header(c.cfg.Host, failed, len(finished))
	path, err := report.WriteHTML(runDir, report.Page{
		Title:   header,
		Hash:    hash,
		Started: started,
		Failed:  failed,
		Rows:    rows,
	})
	if err != nil {
		log.Error().Err(err).Msg("Couldn't write HTML report")
	} else if c.cfg.Email != nil {
		mail := report.Email{
			SMTP:    c.cfg.Email.SMTP,
			To:      c.cfg.Email.To,
			ReplyTo: c.cfg.Email.ReplyTo,
			CC:      c.cfg.Email.CC,
			Host:    c.cfg.Host,
		}
		if err := mail.Send(ctx, header, path); err != nil {
			log.Error().Err(err).Msg("Couldn't send e-mail report")
		}
	}

	c.opts.Metrics.LogSummary()
	status := api.RunSucceeded
	if failed > 0 {
		status = api.RunFailed
	}
	c.finishRun(runID, status, results)
	if sidecar != nil {
		sidecar.Finish(failed == 0)
	}
	if failed > 0 {
		return fmt.Errorf("%w (%d of %d)", ErrJobsFailed, failed, len(finished))
	}
	return nil
}

func (c *CI) updateSources(ctx context.Context) error {
	for _, p := range []string{c.cfg.Git.OVNPath, c.cfg.Git.OVSPath} {
		if err := git.New(p, c.opts.Transport).Update(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrSourceUpdate, err)
		}
	}
	return nil
}

// HasVM reports whether jobs run in ephemeral VMs.
func (c *CI) HasVM() bool { return c.cfg.VM != nil }

// CreateRunDir creates the timestamped directory for this run under the log path.
func (c *CI) CreateRunDir() (string, error) {
	dir := filepath.Join(c.cfg.LogPath, c.opts.Now().Format(runDirLayout))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRunDirectory, err)
	}
	return dir, nil
}

// BaseImage describes the base image with its logs placed under logDir. It must only
// be called with a vm section configured.
func (c *CI) BaseImage(logDir string) *vm.BaseImage {
	return vm.NewBaseImage(vm.BaseOptions{
		Hypervisor:     c.opts.Hypervisor,
		Arch:           c.opts.Arch,
		LibPath:        c.cfg.VM.LibPath,
		Memory:         c.cfg.VM.Memory,
		VCPUs:          c.cfg.Jobs,
		Release:        c.cfg.VM.Release,
		OVNPath:        c.cfg.Git.OVNPath,
		OVSPath:        c.cfg.Git.OVSPath,
		PublicKeyPath:  c.cfg.VM.KeyPath + ".pub",
		ContainerImage: c.cfg.ImageName,
		LogDir:         logDir,
		MirrorListURL:  c.opts.Mirror,
	})
}

// PrepareImage rebuilds the base image when forced or due, then updates it.
func (c *CI) PrepareImage(ctx context.Context, logDir string, force bool) error {
	if c.cfg.VM == nil {
		return ErrNoVM
	}
	base := c.BaseImage(logDir)
	rebuild := force
	if !rebuild {
		due, err := c.rebuildDue(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBaseImage, err)
		}
		rebuild = due
	}
	if rebuild {
		if err := c.RebuildImage(ctx, base); err != nil {
			return err
		}
	}
	log.Info().Str("image", base.Path()).Msg("Updating base image")
	if err := base.Update(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBaseImage, err)
	}
	return nil
}

// RebuildImage reinstalls base and records the rebuild time.
func (c *CI) RebuildImage(ctx context.Context, base *vm.BaseImage) error {
	if c.cfg.VM == nil {
		return ErrNoVM
	}
	log.Info().Str("image", base.Path()).Msg("Rebuilding base image")
	if err := base.Rebuild(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBaseImage, err)
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.RecordRebuild(ctx, c.opts.Now()); err != nil {
			log.Error().Err(err).Msg("Couldn't record base image rebuild")
		}
	}
	return nil
}

// rebuildDue decides whether the base image has to be reinstalled. A missing image
// always is; an image with no recorded rebuild is kept unless a schedule is set.
func (c *CI) rebuildDue(ctx context.Context) (bool, error) {
	if _, err := os.Stat(c.BaseImage("").Path()); err != nil {
		return true, nil
	}
	if c.opts.Store == nil {
		return false, nil
	}
	last, ok, err := c.opts.Store.LastRebuild(ctx)
	if err != nil {
		return false, err
	}
	if !ok && c.cfg.VM.RebuildSchedule == "" {
		return false, nil
	}
	return vm.ShouldRebuild(c.cfg.VM.RebuildSchedule, last, c.opts.Now())
}

func (c *CI) finishRun(id string, status api.RunStatus, jobs []api.JobResult) {
	if c.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.opts.Store.FinishRun(ctx, id, c.opts.Now(), status, jobs); err != nil {
		log.Error().Err(err).Msg("Couldn't record run result")
	}
}

// SSHConnector returns the remote channel factory for job VMs configured by cfg.
func SSHConnector(cfg *VMConfig) (func(addr string) vm.Remote, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := gssh.HostKeyCallback(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	return func(addr string) vm.Remote {
		return transport.NewRemote(&gssh.Client{
			Addr:       net.JoinHostPort(addr, sshPort),
			User:       sshUser,
			Signer:     signer,
			KnownHosts: hostKeys,
			Timeout:    sshTimeout,
			Retries:    sshRetries,
			Backoff:    sshBackoff,
		})
	}, nil
}
