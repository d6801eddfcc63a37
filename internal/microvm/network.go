package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Networking defaults for the session bridge.
const (
	DefaultBridgeName = "cellrunbr0"
	DefaultSubnet     = "10.169.0.0/24"
	DefaultGateway    = "10.169.0.1"

	CNINetworkName = "cellrun-vmnet"
	CNIVersion     = "1.0.0"

	// CNIIfName is the veth name inside the namespace.
	CNIIfName = "eth0"

	// GuestIfName is the interface the kernel configures inside the VM.
	GuestIfName = "eth0"

	CNICacheDir = "/var/lib/cni/cache"
	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "cellrun-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig is the result of setting up networking for one VM.
type NetworkConfig struct {
	TAPDevice     string
	GuestIP       string // CIDR notation
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// BootArg returns the kernel ip= argument that brings up the guest interface
// with the allocated address.
func (n *NetworkConfig) BootArg() (string, error) {
	ip, ipNet, err := net.ParseCIDR(n.GuestIP)
	if err != nil {
		return "", fmt.Errorf("parse guest IP %q: %w", n.GuestIP, err)
	}
	mask := net.IP(ipNet.Mask).String()
	return fmt.Sprintf("ip=%s::%s:%s::%s:off", ip, n.GatewayIP, mask, GuestIfName), nil
}

// network is the part of NetworkManager the launcher depends on.
type network interface {
	Setup(ctx context.Context, vmID string) (*NetworkConfig, error)
	Teardown(ctx context.Context, vmID string) error
}

// NetworkManager attaches session VMs to a CNI bridge with outbound NAT.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // vmID → namespace path
}

// NewNetworkManager creates a NetworkManager using the plugins in binDir.
func NewNetworkManager(binDir, configDir string, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     binDir,
		cniConfigDir:  configDir,
		cniConfig:     libcni.NewCNIConfigWithCacheDir([]string{binDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

// Setup creates a network namespace for vmID and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, vmID string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + vmID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	nm.mu.Lock()
	nm.namespaces[vmID] = nsPath
	nm.mu.Unlock()

	rtConf := &libcni.RuntimeConf{
		ContainerID: vmID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	result, err := nm.cniConfig.AddNetworkList(ctx, nm.confList, rtConf)
	if err != nil {
		nm.forget(vmID, nsName)
		return nil, fmt.Errorf("CNI ADD for %s: %w", vmID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); delErr != nil {
			nm.logger.Debug("CNI DEL after parse failure", "vm_id", vmID, "error", delErr)
		}
		nm.forget(vmID, nsName)
		return nil, fmt.Errorf("parse CNI result for %s: %w", vmID, err)
	}

	nm.logger.Info("network setup complete",
		"vm_id", vmID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
	)
	return netCfg, nil
}

func (nm *NetworkManager) forget(vmID, nsName string) {
	if err := deleteNetNS(nsName); err != nil {
		nm.logger.Warn("netns cleanup failed", "vm_id", vmID, "error", err)
	}
	nm.mu.Lock()
	delete(nm.namespaces, vmID)
	nm.mu.Unlock()
}

// Teardown runs CNI DEL and removes the namespace. Repeated calls are no-ops.
func (nm *NetworkManager) Teardown(ctx context.Context, vmID string) error {
	nm.mu.Lock()
	nsPath, ok := nm.namespaces[vmID]
	if !ok {
		nm.mu.Unlock()
		return nil
	}
	delete(nm.namespaces, vmID)
	nm.mu.Unlock()

	rtConf := &libcni.RuntimeConf{
		ContainerID: vmID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	var errs []error
	if err := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", vmID, err))
	}
	if err := deleteNetNS(NetNSPrefix + vmID); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", vmID, err))
	}
	return errors.Join(errs...)
}

// Verify checks that every required CNI plugin exists.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the conflist into the config directory so operators
// can inspect it with standard CNI tooling.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns the bridge + tc-redirect-tap conflist.
func generateConfList() ([]byte, error) {
	confList := confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}
	data, err := json.MarshalIndent(confList, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts the TAP device and guest address from a CNI result.
// tc-redirect-tap adds the TAP next to the veth, so the veth is skipped when
// another sandboxed interface exists.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}
	for _, skipVeth := range []bool{true, false} {
		for _, iface := range res.Interfaces {
			if iface.Sandbox == "" || (skipVeth && iface.Name == CNIIfName) {
				continue
			}
			netCfg.TAPDevice = iface.Name
			netCfg.MACAddress = iface.Mac
			break
		}
		if netCfg.TAPDevice != "" {
			break
		}
	}
	if netCfg.TAPDevice == "" {
		return nil, errors.New("no TAP device in CNI result")
	}

	if len(res.IPs) > 0 {
		netCfg.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			netCfg.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if netCfg.GuestIP == "" {
		return nil, errors.New("no IP address in CNI result")
	}
	return netCfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS removes a named namespace; a missing namespace is not an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding enables IPv4 forwarding for NAT from the bridge subnet.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
