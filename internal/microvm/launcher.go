package microvm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	apiSocketName   = "firecracker.sock"
	vsockSocketName = "vsock.sock"
	rootfsName      = "rootfs.ext4"

	// dialInterval spaces connection attempts while the guest boots.
	dialInterval = 200 * time.Millisecond

	// gracefulShutdownTimeout is the time allowed for each teardown step.
	gracefulShutdownTimeout = 3 * time.Second
)

// machine is the part of *fcsdk.Machine the launcher drives.
type machine interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	StopVMM() error
	Wait(ctx context.Context) error
}

// Launcher boots a fresh microVM for every session and connects to the
// guest relay over Firecracker's vsock bridge. It is safe for concurrent use.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
	net    network

	newMachine func(ctx context.Context, cfg fcsdk.Config) (machine, error)
	dial       func(ctx context.Context, udsPath string, port uint32) (session.Conn, error)
	copyRootfs func(src, dst string) error

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// New creates a Launcher. When cfg.CNIBinDir is set the plugins are verified
// and every VM gets a NATed network interface.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	l := newLauncher(cfg, logger)
	if cfg.CNIBinDir != "" {
		nm, err := NewNetworkManager(cfg.CNIBinDir, cfg.CNIConfigDir, l.logger)
		if err != nil {
			return nil, err
		}
		if err := nm.Verify(); err != nil {
			return nil, err
		}
		if cfg.CNIConfigDir != "" {
			if err := nm.WriteConfList(); err != nil {
				return nil, err
			}
		}
		if err := EnsureIPForwarding(); err != nil {
			return nil, err
		}
		l.net = nm
	}
	return l, nil
}

func newLauncher(cfg Config, logger *slog.Logger) *Launcher {
	return &Launcher{
		cfg:        cfg,
		logger:     logger.With("component", "microvm"),
		newMachine: firecrackerMachine(cfg.FirecrackerBin),
		dial:       dialGuest,
		copyRootfs: copyRootfs,
		cidNext:    cfg.CIDBase,
		cidInUse:   make(map[uint32]bool),
	}
}

// Name implements session.Launcher.
func (l *Launcher) Name() string { return "firecracker" }

// vm tracks one booted microVM and everything that must be released with it.
type vm struct {
	id      string
	machine machine
	cid     uint32
	dir     string
	cancel  context.CancelFunc
	network bool
	started bool
}

// Launch implements session.Launcher. ctx bounds the boot; the VM itself
// lives until the returned channel is closed.
func (l *Launcher) Launch(ctx context.Context) (session.Conn, error) {
	start := time.Now()
	conn, err := l.launch(ctx)
	if err != nil {
		vmBootsTotal.WithLabelValues(bootFailed).Inc()
		return nil, err
	}
	vmBootsTotal.WithLabelValues(bootOK).Inc()
	vmBootDuration.Observe(time.Since(start).Seconds())
	return conn, nil
}

func (l *Launcher) launch(ctx context.Context) (session.Conn, error) {
	cid, err := l.allocateCID()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "cellrun-vm-")
	if err != nil {
		l.releaseCID(cid)
		return nil, fmt.Errorf("create VM dir: %w", err)
	}

	v := &vm{id: model.NewID(), cid: cid, dir: dir}
	logger := l.logger.With("vm_id", v.id, "cid", cid)

	rootfs := filepath.Join(dir, rootfsName)
	if err := l.copyRootfs(l.cfg.RootfsPath, rootfs); err != nil {
		l.cleanup(v)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	fcCfg := l.machineConfig(v.id, dir, rootfs, cid)
	if l.net != nil {
		netCfg, err := l.net.Setup(ctx, v.id)
		if err != nil {
			l.cleanup(v)
			return nil, fmt.Errorf("network setup: %w", err)
		}
		v.network = true
		if err := attachNetwork(&fcCfg, netCfg); err != nil {
			l.cleanup(v)
			return nil, err
		}
	}

	// The VMM process must outlive ctx, which only bounds startup.
	vmCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	m, err := l.newMachine(vmCtx, fcCfg)
	if err != nil {
		l.cleanup(v)
		return nil, fmt.Errorf("create machine: %w", err)
	}
	v.machine = m

	if err := m.Start(vmCtx); err != nil {
		l.cleanup(v)
		return nil, fmt.Errorf("start VM: %w", err)
	}
	v.started = true
	activeVMs.Inc()
	logger.Info("VM started", "vcpus", l.cfg.VCPUs, "mem_mb", l.cfg.MemMB, "network", v.network)

	conn, err := l.connect(ctx, fcCfg.VsockDevices[0].Path)
	if err != nil {
		l.cleanup(v)
		return nil, fmt.Errorf("connect to guest: %w", err)
	}
	return &vmConn{Conn: conn, vm: v, launcher: l}, nil
}

// connect dials the guest relay until it answers or ctx ends.
func (l *Launcher) connect(ctx context.Context, udsPath string) (session.Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := l.dial(ctx, udsPath, l.cfg.VsockPort)
		if err == nil {
			l.logger.Debug("guest relay connected", "attempts", attempt)
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last dial error: %v)", ctx.Err(), err)
		case <-time.After(dialInterval):
		}
	}
}

func (l *Launcher) machineConfig(vmID, dir, rootfs string, cid uint32) fcsdk.Config {
	return fcsdk.Config{
		SocketPath:      filepath.Join(dir, apiSocketName),
		KernelImagePath: l.cfg.KernelPath,
		KernelArgs:      l.cfg.BootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(rootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: filepath.Join(dir, vsockSocketName),
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(l.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(l.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: vmID,
	}
}

// attachNetwork adds the TAP interface and the kernel ip= argument.
func attachNetwork(cfg *fcsdk.Config, netCfg *NetworkConfig) error {
	ipArg, err := netCfg.BootArg()
	if err != nil {
		return err
	}
	cfg.KernelArgs += " " + ipArg
	cfg.NetNS = netCfg.NamespacePath
	cfg.NetworkInterfaces = fcsdk.NetworkInterfaces{
		{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  netCfg.MACAddress,
				HostDevName: netCfg.TAPDevice,
			},
		},
	}
	return nil
}

// cleanup stops the VM if it runs and releases its CID, network and files.
// It uses fresh contexts so it completes after the caller gave up.
func (l *Launcher) cleanup(v *vm) {
	start := time.Now()

	if v.machine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := v.machine.Shutdown(shutdownCtx); err != nil {
			l.logger.Debug("graceful shutdown failed, stopping VMM", "vm_id", v.id, "error", err)
			if err := v.machine.StopVMM(); err != nil {
				l.logger.Debug("stop VMM", "vm_id", v.id, "error", err)
			}
		}
		cancel()

		waitCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := v.machine.Wait(waitCtx); err != nil {
			l.logger.Debug("wait for VM exit", "vm_id", v.id, "error", err)
		}
		cancel()
		if v.started {
			activeVMs.Dec()
		}
	}
	if v.cancel != nil {
		v.cancel()
	}

	l.releaseCID(v.cid)

	if v.network {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := l.net.Teardown(ctx, v.id); err != nil {
			l.logger.Warn("network teardown failed", "vm_id", v.id, "error", err)
		}
		cancel()
	}

	if err := os.RemoveAll(v.dir); err != nil {
		l.logger.Warn("remove VM dir", "vm_id", v.id, "error", err)
	}

	vmCleanupDuration.Observe(time.Since(start).Seconds())
	l.logger.Debug("VM cleanup complete", "vm_id", v.id)
}

// allocateCID returns the next free vsock context ID.
func (l *Launcher) allocateCID() (uint32, error) {
	l.cidMu.Lock()
	defer l.cidMu.Unlock()

	for i := range uint32(MaxConcurrentVMs) {
		candidate := max(l.cidNext+i, session.MinCID)
		if !l.cidInUse[candidate] {
			l.cidInUse[candidate] = true
			l.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (%d in use)", len(l.cidInUse))
}

func (l *Launcher) releaseCID(cid uint32) {
	l.cidMu.Lock()
	defer l.cidMu.Unlock()
	delete(l.cidInUse, cid)
}

// vmConn is the session channel to a guest. Closing it destroys the VM.
type vmConn struct {
	session.Conn
	vm       *vm
	launcher *Launcher

	closeOnce sync.Once
	closeErr  error
}

func (c *vmConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		c.launcher.cleanup(c.vm)
	})
	return c.closeErr
}

// firecrackerMachine builds machines with the SDK, running bin as the VMM.
func firecrackerMachine(bin string) func(ctx context.Context, cfg fcsdk.Config) (machine, error) {
	return func(ctx context.Context, cfg fcsdk.Config) (machine, error) {
		// The SDK logs through logrus; cellrun logs its own lifecycle events.
		sdkLogger := logrus.New()
		sdkLogger.SetOutput(io.Discard)

		cmd := fcsdk.VMCommandBuilder{}.
			WithBin(bin).
			WithSocketPath(cfg.SocketPath).
			Build(ctx)

		m, err := fcsdk.NewMachine(ctx, cfg,
			fcsdk.WithLogger(logrus.NewEntry(sdkLogger)),
			fcsdk.WithProcessRunner(cmd),
		)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// dialGuest connects to the guest relay through Firecracker's vsock UDS.
func dialGuest(ctx context.Context, udsPath string, port uint32) (session.Conn, error) {
	if _, err := os.Stat(udsPath); err != nil {
		return nil, fmt.Errorf("vsock socket not ready: %w", err)
	}
	l := &session.VsockLauncher{UDSPath: udsPath, Port: port}
	return l.Launch(ctx)
}

// copyRootfs copies the base image, using reflinks when the filesystem
// supports them.
func copyRootfs(src, dst string) error {
	out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, out, err)
	}
	return nil
}

var _ session.Launcher = (*Launcher)(nil)
