package hypervisor

import "context"

// InstallRequest describes an unattended OS install onto an empty disk image.
type InstallRequest struct {
	Name      string
	Memory    uint32
	VCPUs     int
	Image     string
	Location  string
	OSVariant string
	Kickstart string
	// ExtraArgs is passed to the installer kernel.
	ExtraArgs string
	SerialLog string
	// WaitMinutes bounds the install; zero waits forever.
	WaitMinutes int
}

// Hypervisor is the host virtualization stack used to run job VMs and build images.
type Hypervisor interface {
	Name() string
	RunningDomains(ctx context.Context) ([]string, error)
	CreateDomain(ctx context.Context, descriptorPath string) error
	DestroyDomain(ctx context.Context, name string) error
	UndefineDomain(ctx context.Context, name string) error
	CreateImage(ctx context.Context, path, size string) error
	CreateOverlay(ctx context.Context, base, image string) error
	Install(ctx context.Context, req InstallRequest) error
	Customize(ctx context.Context, image string, ops []string) error
	ReadFile(ctx context.Context, image, path string) ([]byte, error)
}
