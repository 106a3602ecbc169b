package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInterface       = "awg0"
	DefaultConfigPath      = "/etc/amneziawg/awg0.conf"
	DefaultSubnet          = "10.8.0.0/24"
	DefaultListenPort      = 51820
	DefaultMTU             = 1280
	DefaultDNS             = "1.1.1.1"
	DefaultEgressInterface = "eth0"
	DefaultKeepaliveSec    = 25
	DefaultLinkBackend     = LinkBackendNetlink
	DefaultDataPlane       = DataPlaneKernel
	DefaultKeygen          = KeygenNative
	DefaultCommandTimeout  = 10 * time.Second
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultStartAttempts   = 5

	DefaultListen        = "127.0.0.1:8080"
	DefaultDataDir       = "/var/lib/awgctl"
	DefaultStatsInterval = 60 * time.Second
	DefaultSessionWindow = 300 * time.Second
	DefaultRateMax       = 10
	DefaultRateWindow    = 60 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"

	LinkBackendNetlink = "netlink"
	LinkBackendIPRoute = "iproute"
	DataPlaneKernel    = "kernel"
	DataPlaneUserspace = "userspace"
	KeygenNative       = "native"
	KeygenCLI          = "cli"
)

// Config is the awgctl daemon and CLI configuration.
type Config struct {
	Interface   InterfaceConfig  `yaml:"interface"`
	Obfuscation Obfuscation      `yaml:"obfuscation"`
	Controller  ControllerConfig `yaml:"controller"`
	Access      AccessConfig     `yaml:"access"`
	Client      ClientConfig     `yaml:"client"`
	Log         LogConfig        `yaml:"log"`
}

// InterfaceConfig describes the single managed AmneziaWG interface.
type InterfaceConfig struct {
	Name            string        `yaml:"name"`
	ConfigPath      string        `yaml:"config_path"`
	Subnet          string        `yaml:"subnet"`
	Address         string        `yaml:"address"`
	ListenPort      int           `yaml:"listen_port"`
	MTU             int           `yaml:"mtu"`
	Endpoint        string        `yaml:"endpoint"`
	DNS             string        `yaml:"dns"`
	EgressInterface string        `yaml:"egress_interface"`
	KeepaliveSec    int           `yaml:"keepalive_sec"`
	STUNServers     []string      `yaml:"stun_servers"`
	LinkBackend     string        `yaml:"link_backend"`
	DataPlane       string        `yaml:"data_plane"`
	Keygen          string        `yaml:"keygen"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	StartAttempts   int           `yaml:"start_attempts"`
}

// Obfuscation holds the AmneziaWG traffic-shaping parameters. They must be
// identical on the server and in every issued client config.
type Obfuscation struct {
	Jc   int    `yaml:"jc"`
	Jmin int    `yaml:"jmin"`
	Jmax int    `yaml:"jmax"`
	S1   int    `yaml:"s1"`
	S2   int    `yaml:"s2"`
	H1   uint32 `yaml:"h1"`
	H2   uint32 `yaml:"h2"`
	H3   uint32 `yaml:"h3"`
	H4   uint32 `yaml:"h4"`
}

// ControllerConfig is used by the serve process.
type ControllerConfig struct {
	Listen         string        `yaml:"listen"`
	DataDir        string        `yaml:"data_dir"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	SessionWindow  time.Duration `yaml:"session_window"`
	MetricsEnabled *bool         `yaml:"metrics_enabled,omitempty"`
}

type AccessConfig struct {
	Admins    []string  `yaml:"admins"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type RateLimit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// ClientConfig is used by CLI subcommands talking to a running controller.
type ClientConfig struct {
	Controller string `yaml:"controller"`
	Principal  string `yaml:"principal"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultObfuscation returns the stock parameter set.
func DefaultObfuscation() Obfuscation {
	return Obfuscation{
		Jc:   2,
		Jmin: 10,
		Jmax: 50,
		S1:   107,
		S2:   28,
		H1:   1359490391,
		H2:   1285506284,
		H3:   1393261750,
		H4:   432419882,
	}
}

// Load reads and parses a YAML config file, then applies env overrides and defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Unset obfuscation keys keep their stock values.
	cfg := Config{Obfuscation: DefaultObfuscation()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv applies AWG_* overrides. lookup is os.LookupEnv outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"AWG_JC", &cfg.Obfuscation.Jc},
		{"AWG_JMIN", &cfg.Obfuscation.Jmin},
		{"AWG_JMAX", &cfg.Obfuscation.Jmax},
		{"AWG_S1", &cfg.Obfuscation.S1},
		{"AWG_S2", &cfg.Obfuscation.S2},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	headers := []struct {
		key string
		dst *uint32
	}{
		{"AWG_H1", &cfg.Obfuscation.H1},
		{"AWG_H2", &cfg.Obfuscation.H2},
		{"AWG_H3", &cfg.Obfuscation.H3},
		{"AWG_H4", &cfg.Obfuscation.H4},
	}
	for _, e := range headers {
		if v, ok := lookup(e.key); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = uint32(n)
		}
	}

	if v, ok := lookup("AWG_ADMIN_IDS"); ok {
		cfg.Access.Admins = SplitList(v)
	}
	if v, ok := lookup("AWG_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		cfg.Interface.Endpoint = strings.TrimSpace(v)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	iface := &cfg.Interface
	if iface.Name == "" {
		iface.Name = DefaultInterface
	}
	if iface.ConfigPath == "" {
		iface.ConfigPath = filepath.Join("/etc/amneziawg", iface.Name+".conf")
	}
	if iface.Subnet == "" {
		iface.Subnet = DefaultSubnet
	}
	if iface.Address == "" {
		if addr, err := firstHost(iface.Subnet); err == nil {
			iface.Address = addr
		}
	}
	if iface.ListenPort == 0 {
		iface.ListenPort = DefaultListenPort
	}
	if iface.MTU == 0 {
		iface.MTU = DefaultMTU
	}
	if iface.DNS == "" {
		iface.DNS = DefaultDNS
	}
	if iface.EgressInterface == "" {
		iface.EgressInterface = DefaultEgressInterface
	}
	if iface.KeepaliveSec == 0 {
		iface.KeepaliveSec = DefaultKeepaliveSec
	}
	if iface.LinkBackend == "" {
		iface.LinkBackend = DefaultLinkBackend
	}
	if iface.DataPlane == "" {
		iface.DataPlane = DefaultDataPlane
	}
	if iface.Keygen == "" {
		iface.Keygen = DefaultKeygen
	}
	if iface.CommandTimeout == 0 {
		iface.CommandTimeout = DefaultCommandTimeout
	}
	if iface.RetryBackoff == 0 {
		iface.RetryBackoff = DefaultRetryBackoff
	}
	if iface.StartAttempts == 0 {
		iface.StartAttempts = DefaultStartAttempts
	}

	if cfg.Obfuscation == (Obfuscation{}) {
		cfg.Obfuscation = DefaultObfuscation()
	}

	ctl := &cfg.Controller
	if ctl.Listen == "" {
		ctl.Listen = DefaultListen
	}
	if ctl.DataDir == "" {
		ctl.DataDir = DefaultDataDir
	}
	if ctl.StatsInterval == 0 {
		ctl.StatsInterval = DefaultStatsInterval
	}
	if ctl.SessionWindow == 0 {
		ctl.SessionWindow = DefaultSessionWindow
	}
	if ctl.MetricsEnabled == nil {
		enabled := true
		ctl.MetricsEnabled = &enabled
	}

	if cfg.Access.RateLimit.Max == 0 {
		cfg.Access.RateLimit.Max = DefaultRateMax
	}
	if cfg.Access.RateLimit.Window == 0 {
		cfg.Access.RateLimit.Window = DefaultRateWindow
	}

	if cfg.Client.Controller == "" {
		cfg.Client.Controller = ctl.Listen
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// Validate checks ranges and cross-field constraints. Call after ApplyDefaults.
func Validate(cfg Config) error {
	iface := cfg.Interface
	if iface.Name == "" {
		return fmt.Errorf("interface.name is required")
	}
	if len(iface.Name) > 15 {
		return fmt.Errorf("interface.name %q exceeds 15 characters", iface.Name)
	}
	subnet, err := netip.ParsePrefix(iface.Subnet)
	if err != nil {
		return fmt.Errorf("interface.subnet: %w", err)
	}
	if !subnet.Addr().Is4() {
		return fmt.Errorf("interface.subnet must be IPv4")
	}
	addr, err := netip.ParsePrefix(iface.Address)
	if err != nil {
		return fmt.Errorf("interface.address: %w", err)
	}
	if !subnet.Masked().Contains(addr.Addr()) {
		return fmt.Errorf("interface.address %s is outside subnet %s", iface.Address, iface.Subnet)
	}
	if iface.ListenPort < 1 || iface.ListenPort > 65535 {
		return fmt.Errorf("interface.listen_port %d out of range", iface.ListenPort)
	}
	if iface.MTU < 576 || iface.MTU > 9000 {
		return fmt.Errorf("interface.mtu %d out of range", iface.MTU)
	}
	switch iface.LinkBackend {
	case LinkBackendNetlink, LinkBackendIPRoute:
	default:
		return fmt.Errorf("interface.link_backend %q must be %s or %s", iface.LinkBackend, LinkBackendNetlink, LinkBackendIPRoute)
	}
	switch iface.DataPlane {
	case DataPlaneKernel, DataPlaneUserspace:
	default:
		return fmt.Errorf("interface.data_plane %q must be %s or %s", iface.DataPlane, DataPlaneKernel, DataPlaneUserspace)
	}
	switch iface.Keygen {
	case KeygenNative, KeygenCLI:
	default:
		return fmt.Errorf("interface.keygen %q must be %s or %s", iface.Keygen, KeygenNative, KeygenCLI)
	}
	if iface.CommandTimeout < 0 || iface.RetryBackoff < 0 {
		return fmt.Errorf("interface timeouts must not be negative")
	}

	if err := cfg.Obfuscation.Validate(); err != nil {
		return err
	}

	if cfg.Controller.StatsInterval < time.Second {
		return fmt.Errorf("controller.stats_interval must be at least 1s")
	}
	if cfg.Access.RateLimit.Max < 1 || cfg.Access.RateLimit.Window <= 0 {
		return fmt.Errorf("access.rate_limit requires max >= 1 and a positive window")
	}
	return nil
}

// Validate enforces the ranges accepted by the AmneziaWG data plane.
func (o Obfuscation) Validate() error {
	if o.Jc < 1 || o.Jc > 128 {
		return fmt.Errorf("obfuscation.jc %d out of range [1,128]", o.Jc)
	}
	if o.Jmin < 0 || o.Jmax > 1280 || o.Jmin > o.Jmax {
		return fmt.Errorf("obfuscation requires 0 <= jmin <= jmax <= 1280 (jmin=%d jmax=%d)", o.Jmin, o.Jmax)
	}
	if o.S1 < 0 || o.S1 > 1280 || o.S2 < 0 || o.S2 > 1280 {
		return fmt.Errorf("obfuscation.s1/s2 out of range [0,1280]")
	}
	// Init and response packets would become the same size.
	if o.S1+56 == o.S2 {
		return fmt.Errorf("obfuscation.s1+56 must differ from s2")
	}
	headers := []uint32{o.H1, o.H2, o.H3, o.H4}
	seen := make(map[uint32]bool, len(headers))
	for i, h := range headers {
		if h <= 4 {
			return fmt.Errorf("obfuscation.h%d must be greater than 4", i+1)
		}
		if seen[h] {
			return fmt.Errorf("obfuscation.h1..h4 must be distinct")
		}
		seen[h] = true
	}
	return nil
}

// Fields returns the parameters in config-file order with their file keys.
func (o Obfuscation) Fields() [][2]string {
	return [][2]string{
		{"Jc", strconv.Itoa(o.Jc)},
		{"Jmin", strconv.Itoa(o.Jmin)},
		{"Jmax", strconv.Itoa(o.Jmax)},
		{"S1", strconv.Itoa(o.S1)},
		{"S2", strconv.Itoa(o.S2)},
		{"H1", strconv.FormatUint(uint64(o.H1), 10)},
		{"H2", strconv.FormatUint(uint64(o.H2), 10)},
		{"H3", strconv.FormatUint(uint64(o.H3), 10)},
		{"H4", strconv.FormatUint(uint64(o.H4), 10)},
	}
}

// MetricsOn reports whether the Prometheus endpoint is enabled.
func (c ControllerConfig) MetricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstHost(subnet string) (string, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return "", err
	}
	prefix = prefix.Masked()
	return netip.PrefixFrom(prefix.Addr().Next(), prefix.Bits()).String(), nil
}
