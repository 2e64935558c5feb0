package libvirt

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ovn-org/ovn-ci/internal/hypervisor"
	"github.com/ovn-org/ovn-ci/internal/transport"
)

// Provider drives libvirt and the libguestfs tools through their command line clients.
type Provider struct {
	exec transport.Transport
}

func New(exec transport.Transport) *Provider {
	if exec == nil {
		exec = transport.Local{}
	}
	return &Provider{exec: exec}
}

func (p *Provider) Name() string { return "libvirt" }

func (p *Provider) run(ctx context.Context, program string, args ...string) (transport.Output, error) {
	out, err := p.exec.Output(ctx, transport.Command{Program: program, Args: args})
	if err != nil {
		return out, fmt.Errorf("execute %q: %w", program, err)
	}
	return out, nil
}

func (p *Provider) check(ctx context.Context, program string, args ...string) error {
	out, err := p.run(ctx, program, args...)
	if err != nil {
		return err
	}
	if err := out.StatusOK(); err != nil {
		return fmt.Errorf("%s: %w", program, err)
	}
	return nil
}

// RunningDomains lists the names of running domains.
func (p *Provider) RunningDomains(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "virsh", "list", "--name", "--state-running")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CreateDomain starts a transient domain from an XML descriptor.
func (p *Provider) CreateDomain(ctx context.Context, descriptorPath string) error {
	return p.check(ctx, "virsh", "create", descriptorPath)
}

// DestroyDomain forcibly stops a domain.
func (p *Provider) DestroyDomain(ctx context.Context, name string) error {
	return p.check(ctx, "virsh", "destroy", name)
}

// UndefineDomain removes a persistent domain definition together with its NVRAM.
func (p *Provider) UndefineDomain(ctx context.Context, name string) error {
	return p.check(ctx, "virsh", "undefine", "--nvram", name)
}

// CreateImage creates an empty qcow2 image.
func (p *Provider) CreateImage(ctx context.Context, path, size string) error {
	return p.check(ctx, "qemu-img", "create", "-f", "qcow2", path, size)
}

// CreateOverlay creates a copy-on-write qcow2 image backed by base.
func (p *Provider) CreateOverlay(ctx context.Context, base, image string) error {
	return p.check(ctx, "qemu-img", "create", "-f", "qcow2", "-b", base, "-F", "qcow2", image)
}

// Install runs virt-install and waits for the installer to power the guest off.
func (p *Provider) Install(ctx context.Context, req hypervisor.InstallRequest) error {
	args := []string{
		"--name", req.Name,
		"--boot", "uefi",
		"--memory", strconv.FormatUint(uint64(req.Memory), 10),
		"--vcpus", strconv.Itoa(req.VCPUs),
		"--disk", "path=" + req.Image,
		"--location=" + req.Location,
		"--os-variant", req.OSVariant,
		"--hvm",
		"--graphics=vnc",
		"--initrd-inject=" + req.Kickstart,
		"--extra-args=" + req.ExtraArgs,
		"--serial=pty,log.file=" + req.SerialLog,
		"--noautoconsole",
		"--noreboot",
	}
	if req.WaitMinutes > 0 {
		args = append(args, "--wait", strconv.Itoa(req.WaitMinutes))
	}
	return p.check(ctx, "virt-install", args...)
}

// Customize applies virt-customize operations to image.
func (p *Provider) Customize(ctx context.Context, image string, ops []string) error {
	return p.check(ctx, "virt-customize", append([]string{"-a", image}, ops...)...)
}

// ReadFile returns the content of path inside image.
func (p *Provider) ReadFile(ctx context.Context, image, path string) ([]byte, error) {
	out, err := p.run(ctx, "virt-cat", "-a", image, path)
	if err != nil {
		return nil, err
	}
	if err := out.StatusOK(); err != nil {
		return nil, fmt.Errorf("virt-cat: %w", err)
	}
	return out.Stdout, nil
}
