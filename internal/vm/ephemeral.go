package vm

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/hypervisor"
	"github.com/ovn-org/ovn-ci/internal/transport"
)

const (
	DefaultLibPath  = "/var/lib/ovn-ci"
	BaseImageName   = "base.qcow2"
	Prefix          = "ovn-ci-vm"
	NetSuffixOffset = 10
	Subnet          = "192.168.100."
	ReadyString     = "Ready!"
	ArtifactPath    = "/root/logs.tgz"
	ArtifactName    = "logs.tgz"
	destroyTimeout  = time.Minute
)

//go:embed templates/vm.xml
var domainTemplate string

var (
	ErrAlreadyRunning = errors.New("vm is already running")
	ErrCleanup        = errors.New("cannot remove old vm data")
	ErrDomainXML      = errors.New("cannot create vm xml")
	ErrCreateImage    = errors.New("cannot create image from base")
	ErrCreateDomain   = errors.New("cannot create vm")
	ErrReadyCheck     = errors.New("vm ready check failed")
)

// State is the lifecycle position of an EphemeralVM.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarted       State = "started"
	StateDestroyed     State = "destroyed"
)

// Remote is the command channel into a running VM.
type Remote interface {
	transport.Transport
	Pull(ctx context.Context, remotePath, localPath string) error
}

// Options holds what every job VM of a run shares.
type Options struct {
	Hypervisor hypervisor.Hypervisor
	Arch       Arch
	LibPath    string
	Memory     uint32
	VCPUs      int
	// Connect returns the command channel for the VM listening on addr.
	Connect func(addr string) Remote
	Reaper  *Reaper
}

// EphemeralVM is a disposable VM cloned from the base image for a single job.
type EphemeralVM struct {
	opts      Options
	name      string
	netSuffix int
	image     string
	xmlPath   string
	nvramPath string
	logDir    string
	remote    Remote

	state State
	// defined is set once the hypervisor accepted the domain.
	defined bool
	once    sync.Once
}

// New describes the VM for job index. Nothing is touched until Start.
func New(index int, logDir string, opts Options) *EphemeralVM {
	if opts.LibPath == "" {
		opts.LibPath = DefaultLibPath
	}
	name := fmt.Sprintf("%s%d", Prefix, index)
	v := &EphemeralVM{
		opts:      opts,
		name:      name,
		netSuffix: index + NetSuffixOffset,
		image:     filepath.Join(opts.LibPath, name+".qcow2"),
		xmlPath:   filepath.Join(opts.LibPath, name+".xml"),
		nvramPath: filepath.Join(opts.LibPath, name+"_VARS.fd"),
		logDir:    logDir,
		state:     StateUninitialized,
	}
	if opts.Connect != nil {
		v.remote = opts.Connect(v.Address())
	}
	return v
}

func (v *EphemeralVM) Name() string { return v.name }

func (v *EphemeralVM) State() State { return v.state }

// Address is the IPv4 address the VM receives from the ovn-ci network.
func (v *EphemeralVM) Address() string { return Subnet + strconv.Itoa(v.netSuffix) }

// MACSuffix is the last MAC octet, which maps to Address in the network definition.
func (v *EphemeralVM) MACSuffix() string { return fmt.Sprintf("%02x", v.netSuffix) }

// DomainXML renders the libvirt domain descriptor for this VM.
func (v *EphemeralVM) DomainXML() string {
	return strings.NewReplacer(
		"@VM_NAME@", v.name,
		"@MEMSIZE@", strconv.FormatUint(uint64(v.opts.Memory), 10),
		"@VCPU_NUM@", strconv.Itoa(v.opts.VCPUs),
		"@ARCH@", v.opts.Arch.Target(),
		"@MACHINE@", v.opts.Arch.Machine,
		"@ROOTDISK@", v.image,
		"@MAC_SUFFIX@", v.MACSuffix(),
		"@UEFI_CODE@", v.opts.Arch.UEFICode,
		"@UEFI_VARS@", v.opts.Arch.UEFIVars,
		"@NVRAM_PATH@", v.nvramPath,
		"@LOG_PATH@", filepath.Join(v.logDir, "vm.log"),
	).Replace(domainTemplate)
}

// Start provisions the VM and waits until it answers over the remote channel.
// On failure everything already created is destroyed before returning.
func (v *EphemeralVM) Start(ctx context.Context) error {
	if v.state == StateStarted {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, v.name)
	}
	if v.state == StateDestroyed {
		return fmt.Errorf("vm %s: already destroyed", v.name)
	}
	running, err := v.opts.Hypervisor.RunningDomains(ctx)
	if err != nil {
		return fmt.Errorf("list running vms: %w", err)
	}
	for _, name := range running {
		if name == v.name {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, v.name)
		}
	}

	if err := cleanup(v.xmlPath, v.nvramPath, v.image); err != nil {
		return err
	}
	if err := os.WriteFile(v.xmlPath, []byte(v.DomainXML()), 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrDomainXML, err)
	}
	base := filepath.Join(v.opts.LibPath, BaseImageName)
	if err := v.opts.Hypervisor.CreateOverlay(ctx, base, v.image); err != nil {
		return fmt.Errorf("%w: %w", ErrCreateImage, err)
	}

	if err := v.opts.Hypervisor.CreateDomain(ctx, v.xmlPath); err != nil {
		v.Destroy()
		return fmt.Errorf("%w: %w", ErrCreateDomain, err)
	}
	v.defined = true
	if v.opts.Reaper != nil {
		v.opts.Reaper.track(v)
	}
	v.state = StateStarted
	if err := v.readyCheck(ctx); err != nil {
		v.Destroy()
		return err
	}
	log.Debug().Str("vm", v.name).Str("addr", v.Address()).Msg("VM is ready")
	return nil
}

func (v *EphemeralVM) readyCheck(ctx context.Context) error {
	out, err := v.CommandOutput(ctx, transport.Command{Program: "echo", Args: []string{ReadyString}})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReadyCheck, v.name, err)
	}
	stdout, err := out.StdoutString()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReadyCheck, v.name, err)
	}
	if strings.TrimRight(stdout, "\r\n") != ReadyString {
		return fmt.Errorf("%w: %s: the ready string didn't match", ErrReadyCheck, v.name)
	}
	return nil
}

func (v *EphemeralVM) channel() (Remote, error) {
	if v.remote == nil {
		return nil, fmt.Errorf("vm %s: no remote channel configured", v.name)
	}
	return v.remote, nil
}

// CommandOutput runs cmd inside the VM to completion.
func (v *EphemeralVM) CommandOutput(ctx context.Context, cmd transport.Command) (transport.Output, error) {
	r, err := v.channel()
	if err != nil {
		return transport.Output{}, err
	}
	return r.Output(ctx, cmd)
}

// Spawn starts cmd inside the VM with its output streamed into log.
func (v *EphemeralVM) Spawn(ctx context.Context, cmd transport.Command, logw io.Writer) (transport.Process, error) {
	if v.state != StateStarted {
		return nil, fmt.Errorf("vm %s: not started", v.name)
	}
	r, err := v.channel()
	if err != nil {
		return nil, err
	}
	return r.Spawn(ctx, cmd, logw)
}

// RetrieveArtifacts copies the job archive out of the VM into the job log directory.
func (v *EphemeralVM) RetrieveArtifacts(ctx context.Context) error {
	r, err := v.channel()
	if err != nil {
		return err
	}
	if err := r.Pull(ctx, ArtifactPath, filepath.Join(v.logDir, ArtifactName)); err != nil {
		return fmt.Errorf("retrieve artifacts from %s: %w", v.name, err)
	}
	return nil
}

// Destroy forcibly stops the domain. It is safe to call any number of times and never
// fails; problems are only logged.
func (v *EphemeralVM) Destroy() {
	v.once.Do(func() {
		defer func() { v.state = StateDestroyed }()
		if !v.defined {
			return
		}
		if v.opts.Reaper != nil {
			defer v.opts.Reaper.untrack(v)
		}
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := v.opts.Hypervisor.DestroyDomain(ctx, v.name); err != nil {
			log.Error().Err(err).Str("vm", v.name).Msg("Couldn't destroy VM")
		}
	})
}

func cleanup(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w (%s): %w", ErrCleanup, p, err)
		}
	}
	return nil
}
