package vm

import (
	"fmt"
	"runtime"
)

// Arch describes the host architecture as seen by the hypervisor and the OS installer.
type Arch struct {
	// Name is the conventional machine name, e.g. x86_64.
	Name     string
	Machine  string
	UEFICode string
	UEFIVars string
}

// Target is the architecture string used in domain descriptors and mirror lists.
func (a Arch) Target() string { return a.Name }

// DetectArch returns the Arch of the running binary. It is meant to be called once at
// startup and passed down explicitly.
func DetectArch() (Arch, error) {
	return ArchFor(runtime.GOARCH)
}

// ArchFor maps a GOARCH value to an Arch.
func ArchFor(goarch string) (Arch, error) {
	switch goarch {
	case "amd64":
		return Arch{
			Name:     "x86_64",
			Machine:  "q35",
			UEFICode: "/usr/share/OVMF/OVMF_CODE.fd",
			UEFIVars: "/usr/share/OVMF/OVMF_VARS.fd",
		}, nil
	case "arm64":
		return Arch{
			Name:     "aarch64",
			Machine:  "virt",
			UEFICode: "/usr/share/AAVMF/AAVMF_CODE.fd",
			UEFIVars: "/usr/share/AAVMF/AAVMF_VARS.fd",
		}, nil
	default:
		return Arch{}, fmt.Errorf("unsupported architecture %q", goarch)
	}
}
