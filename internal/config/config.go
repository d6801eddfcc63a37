package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"

	"github.com/seantiz/cellrun/internal/microvm"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "cellrun.db"

	// Log formats.
	FormatJSON = "json"
	FormatText = "text"

	envConfigFile     = "CELLRUN_CONFIG"
	envListenAddr     = "CELLRUN_LISTEN_ADDR"
	envDBPath         = "CELLRUN_DB_PATH"
	envLogLevel       = "CELLRUN_LOG_LEVEL"
	envLogFormat      = "CELLRUN_LOG_FORMAT"
	envIsolation      = "CELLRUN_ISOLATION"
	envPython         = "CELLRUN_PYTHON"
	envPackages       = "CELLRUN_PACKAGES"
	envStartupTimeout = "CELLRUN_STARTUP_TIMEOUT"
	envCallTimeout    = "CELLRUN_CALL_TIMEOUT"
	envVsockCID       = "CELLRUN_VSOCK_CID"
	envVsockPort      = "CELLRUN_VSOCK_PORT"
	envVsockUDS       = "CELLRUN_VSOCK_UDS"
	envFCBin          = "CELLRUN_FC_BIN"
	envFCKernel       = "CELLRUN_FC_KERNEL"
	envFCRootfs       = "CELLRUN_FC_ROOTFS"
	envFCVCPUs        = "CELLRUN_FC_VCPUS"
	envFCMemMB        = "CELLRUN_FC_MEM_MB"
	envFCCNIBinDir    = "CELLRUN_FC_CNI_BIN_DIR"
	envFCCNIConfigDir = "CELLRUN_FC_CNI_CONFIG_DIR"
)

// Config holds application configuration. Values come from defaults, then
// the optional TOML file named by CELLRUN_CONFIG, then environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	LogFormat  string

	// Isolation selects the backend: auto, firecracker, vsock, process or
	// inprocess.
	Isolation string
	Python    string
	Packages  []string

	StartupTimeout time.Duration
	CallTimeout    time.Duration

	// VsockCID enables the vsock backend when non-zero or when VsockUDS is set.
	VsockCID  uint32
	VsockPort uint32
	VsockUDS  string

	// Firecracker boots a microVM per session when kernel and rootfs are set.
	Firecracker FirecrackerConfig
}

// FirecrackerConfig locates the VMM and the guest images.
type FirecrackerConfig struct {
	Bin          string
	KernelPath   string
	RootfsPath   string
	VCPUs        int
	MemMB        int
	CNIBinDir    string
	CNIConfigDir string
}

// fileConfig is the TOML layout. Durations are strings such as "30s".
type fileConfig struct {
	ListenAddr string   `toml:"listen_addr"`
	DBPath     string   `toml:"db_path"`
	LogLevel   string   `toml:"log_level"`
	LogFormat  string   `toml:"log_format"`
	Isolation  string   `toml:"isolation"`
	Python     string   `toml:"python"`
	Packages   []string `toml:"packages"`

	StartupTimeout string `toml:"startup_timeout"`
	CallTimeout    string `toml:"call_timeout"`

	Vsock struct {
		CID     uint32 `toml:"cid"`
		Port    uint32 `toml:"port"`
		UDSPath string `toml:"uds_path"`
	} `toml:"vsock"`

	Firecracker struct {
		Bin          string `toml:"bin"`
		Kernel       string `toml:"kernel"`
		Rootfs       string `toml:"rootfs"`
		VCPUs        int    `toml:"vcpus"`
		MemMB        int    `toml:"mem_mb"`
		CNIBinDir    string `toml:"cni_bin_dir"`
		CNIConfigDir string `toml:"cni_config_dir"`
	} `toml:"firecracker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		LogFormat:      FormatJSON,
		Isolation:      model.IsolationAuto,
		Python:         session.DefaultPython,
		StartupTimeout: session.DefaultStartupTimeout,
		CallTimeout:    session.DefaultCallTimeout,
		VsockPort:      session.DefaultVsockPort,
		Firecracker: FirecrackerConfig{
			Bin:   microvm.DefaultFirecrackerBin,
			VCPUs: microvm.DefaultVCPUs,
			MemMB: microvm.DefaultMemMB,
		},
	}
}

// Load reads the configuration file (if any) and environment variables on top
// of the defaults.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyTOML(data); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyTOML(data []byte) error {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse TOML: %w", err)
	}

	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.Isolation, fc.Isolation)
	setString(&c.Python, fc.Python)
	setString(&c.VsockUDS, fc.Vsock.UDSPath)
	setString(&c.Firecracker.Bin, fc.Firecracker.Bin)
	setString(&c.Firecracker.KernelPath, fc.Firecracker.Kernel)
	setString(&c.Firecracker.RootfsPath, fc.Firecracker.Rootfs)
	setString(&c.Firecracker.CNIBinDir, fc.Firecracker.CNIBinDir)
	setString(&c.Firecracker.CNIConfigDir, fc.Firecracker.CNIConfigDir)
	if fc.Firecracker.VCPUs != 0 {
		c.Firecracker.VCPUs = fc.Firecracker.VCPUs
	}
	if fc.Firecracker.MemMB != 0 {
		c.Firecracker.MemMB = fc.Firecracker.MemMB
	}
	if fc.LogLevel != "" {
		c.LogLevel = ParseLogLevel(fc.LogLevel)
	}
	if fc.Packages != nil {
		c.Packages = fc.Packages
	}
	if fc.Vsock.CID != 0 {
		c.VsockCID = fc.Vsock.CID
	}
	if fc.Vsock.Port != 0 {
		c.VsockPort = fc.Vsock.Port
	}
	if err := setDuration(&c.StartupTimeout, "startup_timeout", fc.StartupTimeout); err != nil {
		return err
	}
	return setDuration(&c.CallTimeout, "call_timeout", fc.CallTimeout)
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, os.Getenv(envListenAddr))
	setString(&c.DBPath, os.Getenv(envDBPath))
	setString(&c.LogFormat, strings.ToLower(os.Getenv(envLogFormat)))
	setString(&c.Isolation, strings.ToLower(os.Getenv(envIsolation)))
	setString(&c.Python, os.Getenv(envPython))
	setString(&c.VsockUDS, os.Getenv(envVsockUDS))
	setString(&c.Firecracker.Bin, os.Getenv(envFCBin))
	setString(&c.Firecracker.KernelPath, os.Getenv(envFCKernel))
	setString(&c.Firecracker.RootfsPath, os.Getenv(envFCRootfs))
	setString(&c.Firecracker.CNIBinDir, os.Getenv(envFCCNIBinDir))
	setString(&c.Firecracker.CNIConfigDir, os.Getenv(envFCCNIConfigDir))

	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envPackages); v != "" {
		c.Packages = ParsePackages(v)
	}
	if err := setDuration(&c.StartupTimeout, envStartupTimeout, os.Getenv(envStartupTimeout)); err != nil {
		return err
	}
	if err := setDuration(&c.CallTimeout, envCallTimeout, os.Getenv(envCallTimeout)); err != nil {
		return err
	}
	if err := setUint32(&c.VsockCID, envVsockCID, os.Getenv(envVsockCID)); err != nil {
		return err
	}
	if err := setInt(&c.Firecracker.VCPUs, envFCVCPUs, os.Getenv(envFCVCPUs)); err != nil {
		return err
	}
	if err := setInt(&c.Firecracker.MemMB, envFCMemMB, os.Getenv(envFCMemMB)); err != nil {
		return err
	}
	return setUint32(&c.VsockPort, envVsockPort, os.Getenv(envVsockPort))
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	var errs []error
	if !model.ValidIsolation(c.Isolation) {
		errs = append(errs, fmt.Errorf("unknown isolation %q", c.Isolation))
	}
	if c.LogFormat != FormatJSON && c.LogFormat != FormatText {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.StartupTimeout <= 0 || c.CallTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.VsockCID != 0 && c.VsockCID < session.MinCID {
		errs = append(errs, fmt.Errorf("vsock CID %d is reserved (minimum %d)", c.VsockCID, session.MinCID))
	}
	if c.Isolation == model.IsolationVsock && !c.VsockEnabled() {
		errs = append(errs, errors.New("isolation vsock requires a vsock CID or UDS path"))
	}
	if c.Isolation == model.IsolationFirecracker && !c.FirecrackerEnabled() {
		errs = append(errs, errors.New("isolation firecracker requires kernel and rootfs paths"))
	}
	if c.Firecracker.VCPUs <= 0 || c.Firecracker.MemMB <= 0 {
		errs = append(errs, errors.New("firecracker vcpus and mem_mb must be positive"))
	}
	return errors.Join(errs...)
}

// VsockEnabled reports whether a vsock guest is configured.
func (c Config) VsockEnabled() bool {
	return c.VsockCID != 0 || c.VsockUDS != ""
}

// FirecrackerEnabled reports whether guest images for session microVMs are
// configured.
func (c Config) FirecrackerEnabled() bool {
	return c.Firecracker.KernelPath != "" && c.Firecracker.RootfsPath != ""
}

// MicroVMConfig returns the launcher configuration for session microVMs.
func (c Config) MicroVMConfig() microvm.Config {
	return microvm.Config{
		FirecrackerBin: c.Firecracker.Bin,
		KernelPath:     c.Firecracker.KernelPath,
		RootfsPath:     c.Firecracker.RootfsPath,
		VsockPort:      c.VsockPort,
		VCPUs:          c.Firecracker.VCPUs,
		MemMB:          c.Firecracker.MemMB,
		CNIBinDir:      c.Firecracker.CNIBinDir,
		CNIConfigDir:   c.Firecracker.CNIConfigDir,
	}
}

// SessionConfig returns the deadlines applied to interpreter sessions.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		StartupTimeout: c.StartupTimeout,
		CallTimeout:    c.CallTimeout,
	}
}

// ParsePackages splits a comma- or whitespace-separated package list.
func ParsePackages(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, name, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func setUint32(dst *uint32, name, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = uint32(n)
	return nil
}

// ParseLogLevel maps a level name to a slog level. Unknown names mean info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the given level.
// FormatText uses a human-readable handler; anything else writes JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == FormatText {
		return slog.New(log.NewWithOptions(w, log.Options{
			ReportTimestamp: true,
			Level:           charmLevel(level),
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func charmLevel(level slog.Level) log.Level {
	switch {
	case level <= slog.LevelDebug:
		return log.DebugLevel
	case level <= slog.LevelInfo:
		return log.InfoLevel
	case level <= slog.LevelWarn:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}
