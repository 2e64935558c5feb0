package vm

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/hypervisor"
)

const (
	kickstartName      = "base.ks"
	baseDomain         = "base"
	baseImageSize      = "10G"
	installWaitMinutes = 120
	guestWorkspace     = "/workspace"
	builderLog         = "/tmp/builder.log"
	TestImageTag       = "ovn-org/ovn-tests"
	DefaultMirrorList  = "https://mirrors.fedoraproject.org/mirrorlist?repo=fedora-%s&arch=%s"
)

//go:embed templates/fedora.ks.in
var kickstartTemplate string

var (
	ErrMirrorList   = errors.New("cannot retrieve mirror list")
	ErrKickstart    = errors.New("cannot create kickstart")
	ErrRemoveImage  = errors.New("cannot remove old image")
	ErrCreateBase   = errors.New("cannot create empty image")
	ErrBuildImage   = errors.New("cannot build image")
	ErrUpdateImage  = errors.New("cannot update image")
	ErrUpdateLog    = errors.New("cannot get update log")
	ErrLogDirectory = errors.New("cannot create log directory")
)

// BaseOptions configures the shared base image.
type BaseOptions struct {
	Hypervisor hypervisor.Hypervisor
	Arch       Arch
	LibPath    string
	Memory     uint32
	VCPUs      int
	// Release is the Fedora release installed into the image.
	Release string
	OVNPath string
	OVSPath string
	// PublicKeyPath is injected as root's authorized key.
	PublicKeyPath string
	// ContainerImage, when set, is pulled inside the image and tagged TestImageTag.
	ContainerImage string
	// LogDir is the run log directory; logs land in LogDir/base-image.
	LogDir string
	// MirrorListURL is a format string taking the release and the architecture.
	MirrorListURL string
	HTTP          *RetryableHTTPClient
}

// BaseImage is the template disk every job VM is cloned from.
type BaseImage struct {
	opts      BaseOptions
	path      string
	kickstart string
	logDir    string
}

func NewBaseImage(opts BaseOptions) *BaseImage {
	if opts.LibPath == "" {
		opts.LibPath = DefaultLibPath
	}
	if opts.MirrorListURL == "" {
		opts.MirrorListURL = DefaultMirrorList
	}
	if opts.HTTP == nil {
		opts.HTTP = NewRetryableHTTPClient(30*time.Second, DefaultRetryConfig())
	}
	return &BaseImage{
		opts:      opts,
		path:      filepath.Join(opts.LibPath, BaseImageName),
		kickstart: filepath.Join(opts.LibPath, kickstartName),
		logDir:    filepath.Join(opts.LogDir, "base-image"),
	}
}

func (b *BaseImage) Path() string { return b.path }

// GuestPath returns where a host source tree is copied inside the image.
func GuestPath(hostPath string) string {
	return guestWorkspace + "/" + filepath.Base(filepath.Clean(hostPath))
}

// Kickstart renders the installer configuration.
func (b *BaseImage) Kickstart() string {
	return strings.NewReplacer(
		"@RELEASE@", b.opts.Release,
		"@ARCH@", b.opts.Arch.Target(),
	).Replace(kickstartTemplate)
}

// FindMirror returns the first HTTPS install mirror for the release and architecture.
func (b *BaseImage) FindMirror(ctx context.Context) (string, error) {
	url := fmt.Sprintf(b.opts.MirrorListURL, b.opts.Release, b.opts.Arch.Target())
	body, err := b.opts.HTTP.Get(ctx, url)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMirrorList, err)
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://") {
			return strings.Replace(line, "Everything", "Server", 1), nil
		}
	}
	return "", fmt.Errorf("%w: couldn't find https mirror", ErrMirrorList)
}

// Rebuild installs a fresh base image from the network.
func (b *BaseImage) Rebuild(ctx context.Context) error {
	if err := b.createLogDir(); err != nil {
		return err
	}
	mirror, err := b.FindMirror(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("mirror", mirror).Str("release", b.opts.Release).Msg("Rebuilding base image")

	if err := os.WriteFile(b.kickstart, []byte(b.Kickstart()), 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrKickstart, err)
	}
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrRemoveImage, err)
	}
	if err := b.opts.Hypervisor.CreateImage(ctx, b.path, baseImageSize); err != nil {
		return fmt.Errorf("%w: %w", ErrCreateBase, err)
	}

	defer b.undefine()
	err = b.opts.Hypervisor.Install(ctx, hypervisor.InstallRequest{
		Name:        baseDomain,
		Memory:      b.opts.Memory,
		VCPUs:       b.opts.VCPUs,
		Image:       b.path,
		Location:    mirror,
		OSVariant:   "fedora" + b.opts.Release,
		Kickstart:   b.kickstart,
		ExtraArgs:   fmt.Sprintf("inst.ks=file:/%s console=ttyS0,115200", kickstartName),
		SerialLog:   filepath.Join(b.logDir, "virt-install.log"),
		WaitMinutes: installWaitMinutes,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildImage, err)
	}
	return nil
}

// UpdateOps returns the virt-customize operations applied by Update.
func (b *BaseImage) UpdateOps() []string {
	ops := []string{
		"--delete", builderLog,
		"--touch", builderLog,
		"--delete", guestWorkspace,
		"--mkdir", guestWorkspace,
		"--copy-in", b.opts.OVNPath + ":" + guestWorkspace,
		"--copy-in", b.opts.OVSPath + ":" + guestWorkspace,
		"--delete", "/root/.ssh/authorized_keys",
		"--ssh-inject", "root:file:" + b.opts.PublicKeyPath,
	}
	if img := b.opts.ContainerImage; img != "" {
		ops = append(ops,
			"--delete", "/run/containers/storage",
			"--delete", "/run/libpod",
			"--run-command", "podman pull "+img,
			"--run-command", fmt.Sprintf("podman tag %s %s", img, TestImageTag),
			"--run-command", "podman image prune -f",
		)
	}
	return ops
}

// Update refreshes the sources and credentials inside the base image.
func (b *BaseImage) Update(ctx context.Context) error {
	if err := b.createLogDir(); err != nil {
		return err
	}
	if err := b.opts.Hypervisor.Customize(ctx, b.path, b.UpdateOps()); err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateImage, err)
	}
	content, err := b.opts.Hypervisor.ReadFile(ctx, b.path, builderLog)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateLog, err)
	}
	if err := os.WriteFile(filepath.Join(b.logDir, "virt-customize.log"), content, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateLog, err)
	}
	return nil
}

func (b *BaseImage) createLogDir() error {
	if err := os.MkdirAll(b.logDir, 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrLogDirectory, err)
	}
	return nil
}

func (b *BaseImage) undefine() {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := b.opts.Hypervisor.UndefineDomain(ctx, baseDomain); err != nil {
		log.Warn().Err(err).Msg("Couldn't destroy base VM")
	}
}
