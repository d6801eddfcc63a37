// Package microvm boots a Firecracker microVM per interpreter session. The
// guest runs cellrun-guest as init, which relays each vsock connection to a
// fresh worker; closing the session's channel destroys the VM.
package microvm

import (
	"errors"
	"fmt"
	"os"

	"github.com/seantiz/cellrun/internal/session"
)

// GuestAgentPath is where the rootfs carries the cellrun-guest binary.
const GuestAgentPath = "/usr/local/bin/cellrun-guest"

// DefaultBootArgs are the kernel boot arguments for session microVMs.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512

	// MaxConcurrentVMs bounds the CID scan window.
	MaxConcurrentVMs = 16
)

// DefaultFirecrackerBin is the Firecracker binary looked up on PATH.
const DefaultFirecrackerBin = "firecracker"

// Config holds what is needed to boot one session microVM.
type Config struct {
	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// KernelPath is the uncompressed guest kernel image.
	KernelPath string

	// RootfsPath is the ext4 image holding python3 and cellrun-guest. Each VM
	// boots from its own copy.
	RootfsPath string

	// BootArgs overrides DefaultBootArgs.
	BootArgs string

	// VsockPort is the port cellrun-guest listens on.
	VsockPort uint32

	// CIDBase is the first context ID handed out.
	CIDBase uint32

	VCPUs int
	MemMB int

	// CNIBinDir enables guest networking through CNI when set. Without it
	// the guest has no network interface and cannot install packages.
	CNIBinDir    string
	CNIConfigDir string
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = DefaultFirecrackerBin
	}
	if c.BootArgs == "" {
		c.BootArgs = DefaultBootArgs
	}
	if c.VsockPort == 0 {
		c.VsockPort = session.DefaultVsockPort
	}
	if c.CIDBase < session.MinCID {
		c.CIDBase = session.MinCID
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MemMB <= 0 {
		c.MemMB = DefaultMemMB
	}
	return c
}

// Verify checks that the kernel and rootfs images exist.
func (c Config) Verify() error {
	var errs []error
	for name, path := range map[string]string{"kernel": c.KernelPath, "rootfs": c.RootfsPath} {
		if path == "" {
			errs = append(errs, fmt.Errorf("%s image path is not set", name))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s image: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
