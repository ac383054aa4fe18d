// Package config manages the PCP-SDN controller's persistent configuration
// using koanf/v2, layering defaults, a JSON file provider, and an
// environment-variable provider over a PCP/NAT-pool schema.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	jsonparser "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration structures
// -------------------------------------------------------------------------

// Config holds the complete PCP-SDN controller configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics" json:"-"`
	Log     LogConfig     `koanf:"log" json:"-"`

	// PCP is squashed into Config's root koanf namespace: the on-disk
	// document is exactly PCPConfig's fields, with no "pcp." wrapper key.
	PCP PCPConfig `koanf:",squash" json:"-"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration. It is
// not part of the PCP-facing JSON schema -- it lives under its own koanf
// key and is not round-tripped through the factory-default PCP config file.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PCPConfig is the persistent JSON document: if absent, it is created with
// factory defaults. Field names are snake_case via the json tag so the
// on-disk file reads the way an operator would expect.
type PCPConfig struct {
	PCPServerListeningPort uint16 `koanf:"pcp_server_listening_port" json:"pcp_server_listening_port"`
	PCPClientMulticastPort uint16 `koanf:"pcp_client_multicast_port" json:"pcp_client_multicast_port"`

	DefaultPCPMapAssignedLifetimeSeconds  uint32 `koanf:"default_pcp_map_assigned_lifetime_seconds" json:"default_pcp_map_assigned_lifetime_seconds"`
	DefaultPCPPeerAssignedLifetimeSeconds uint32 `koanf:"default_pcp_peer_assigned_lifetime_seconds" json:"default_pcp_peer_assigned_lifetime_seconds"`

	DefaultNATFlowEntryPriority            uint16 `koanf:"default_nat_flow_entry_priority" json:"default_nat_flow_entry_priority"`
	DefaultMACModifyingFlowEntriesPriority uint16 `koanf:"default_mac_modifying_flow_entries_priority" json:"default_mac_modifying_flow_entries_priority"`
	DefaultARPForwardingPriority           uint16 `koanf:"default_arp_forwarding_priority" json:"default_arp_forwarding_priority"`
	DefaultPCPForwardingPriority           uint16 `koanf:"default_pcp_forwarding_priority" json:"default_pcp_forwarding_priority"`

	DefaultNATPoolConfig NATPoolConfig `koanf:"default_nat_pool_config" json:"default_nat_pool_config"`
}

// NATPoolConfig is the default_nat_pool_config block: the internal/external
// address and port ranges the allocator draws from, plus the (currently
// fixed) allocation strategy names.
type NATPoolConfig struct {
	InternalIPLowEnd   string `koanf:"internal_ip_low_end" json:"internal_ip_low_end"`
	InternalIPHighEnd  string `koanf:"internal_ip_high_end" json:"internal_ip_high_end"`
	InternalPortLowEnd uint16 `koanf:"internal_port_low_end" json:"internal_port_low_end"`
	InternalPortHighEnd uint16 `koanf:"internal_port_high_end" json:"internal_port_high_end"`

	ExternalIPLowEnd    string `koanf:"external_ip_low_end" json:"external_ip_low_end"`
	ExternalIPHighEnd   string `koanf:"external_ip_high_end" json:"external_ip_high_end"`
	ExternalPortLowEnd  uint16 `koanf:"external_port_low_end" json:"external_port_low_end"`
	ExternalPortHighEnd uint16 `koanf:"external_port_high_end" json:"external_port_high_end"`

	IPAllocationType   string `koanf:"ip_allocation_type" json:"ip_allocation_type"`
	PortAllocationType string `koanf:"port_allocation_type" json:"port_allocation_type"`
}

// ExternalIPRange parses the configured external IP bounds.
func (p NATPoolConfig) ExternalIPRange() (low, high netip.Addr, err error) {
	low, err = netip.ParseAddr(p.ExternalIPLowEnd)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("parse external_ip_low_end %q: %w", p.ExternalIPLowEnd, err)
	}
	high, err = netip.ParseAddr(p.ExternalIPHighEnd)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("parse external_ip_high_end %q: %w", p.ExternalIPHighEnd, err)
	}
	return low, high, nil
}

// ExternalAddrs enumerates every IPv4 address in [low, high] inclusive, in
// ascending order -- the Cartesian product input to nat.NewAllocator.
func (p NATPoolConfig) ExternalAddrs() ([]netip.Addr, error) {
	low, high, err := p.ExternalIPRange()
	if err != nil {
		return nil, err
	}
	if !low.Is4() || !high.Is4() {
		return nil, fmt.Errorf("external pool bounds: %w", ErrIPv6PoolUnsupported)
	}

	lowN := ipv4ToUint32(low)
	highN := ipv4ToUint32(high)
	if highN < lowN {
		return nil, fmt.Errorf("external pool: %w", ErrEmptyPool)
	}

	addrs := make([]netip.Addr, 0, highN-lowN+1)
	for n := lowN; ; n++ {
		addrs = append(addrs, uint32ToIPv4(n))
		if n == highN {
			break
		}
	}
	return addrs, nil
}

// ipv4ToUint32 and uint32ToIPv4 convert between netip.Addr's IPv4 form and
// its big-endian numeric value, the representation the allocator's
// "increment the IP by one" rule operates on.
func ipv4ToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToIPv4(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the factory defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{Addr: ":9100", Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
		PCP: PCPConfig{
			PCPServerListeningPort:                  5351,
			PCPClientMulticastPort:                  5350,
			DefaultPCPMapAssignedLifetimeSeconds:    0,
			DefaultPCPPeerAssignedLifetimeSeconds:   0,
			DefaultNATFlowEntryPriority:             1,
			DefaultMACModifyingFlowEntriesPriority:  1,
			DefaultARPForwardingPriority:            2,
			DefaultPCPForwardingPriority:             3,
			DefaultNATPoolConfig: NATPoolConfig{
				InternalIPLowEnd:    "172.16.0.2",
				InternalIPHighEnd:   "172.16.255.254",
				InternalPortLowEnd:  1,
				InternalPortHighEnd: 65535,
				ExternalIPLowEnd:    "200.0.0.2",
				ExternalIPHighEnd:   "200.0.255.254",
				ExternalPortLowEnd:  49152,
				ExternalPortHighEnd: 65535,
				IPAllocationType:    "ROUND_ROBIN",
				PortAllocationType:  "RANDOM",
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for PCP-SDN configuration.
const envPrefix = "PCPSDN_"

// Load reads the persistent JSON configuration at path, overlays
// environment variable overrides (PCPSDN_ prefix), and merges on top of
// DefaultConfig(). If path does not exist, the factory-default PCP config
// is written there first, then loaded back through the same path so the
// returned Config and the on-disk file always agree.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeFactoryDefaults(path); err != nil {
			return nil, fmt.Errorf("bootstrap default config at %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), jsonparser.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// writeFactoryDefaults serializes DefaultConfig().PCP (the persistent
// document) to path.
func writeFactoryDefaults(path string) error {
	doc := DefaultConfig().PCP
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal factory defaults: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write factory defaults: %w", err)
	}
	return nil
}

// nestedEnvSections are the only Config fields koanf nests under a
// dotted namespace; every other key (the PCPConfig fields squashed into
// Config's root) is already a flat snake_case name and must not be split
// on its first underscore.
var nestedEnvSections = map[string]bool{"metrics": true, "log": true}

// envKeyMapper transforms PCPSDN_METRICS_ADDR -> metrics.addr but leaves
// PCPSDN_PCP_SERVER_LISTENING_PORT as pcp_server_listening_port, matching
// Config's mix of namespaced ambient fields and flat PCP fields.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	if i := strings.Index(s, "_"); i >= 0 && nestedEnvSections[s[:i]] {
		return s[:i] + "." + s[i+1:]
	}
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	pool := defaults.PCP.DefaultNATPoolConfig
	defaultMap := map[string]any{
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,

		"pcp_server_listening_port":                   defaults.PCP.PCPServerListeningPort,
		"pcp_client_multicast_port":                   defaults.PCP.PCPClientMulticastPort,
		"default_pcp_map_assigned_lifetime_seconds":   defaults.PCP.DefaultPCPMapAssignedLifetimeSeconds,
		"default_pcp_peer_assigned_lifetime_seconds":  defaults.PCP.DefaultPCPPeerAssignedLifetimeSeconds,
		"default_nat_flow_entry_priority":             defaults.PCP.DefaultNATFlowEntryPriority,
		"default_mac_modifying_flow_entries_priority": defaults.PCP.DefaultMACModifyingFlowEntriesPriority,
		"default_arp_forwarding_priority":              defaults.PCP.DefaultARPForwardingPriority,
		"default_pcp_forwarding_priority":              defaults.PCP.DefaultPCPForwardingPriority,

		"default_nat_pool_config.internal_ip_low_end":    pool.InternalIPLowEnd,
		"default_nat_pool_config.internal_ip_high_end":   pool.InternalIPHighEnd,
		"default_nat_pool_config.internal_port_low_end":  pool.InternalPortLowEnd,
		"default_nat_pool_config.internal_port_high_end": pool.InternalPortHighEnd,
		"default_nat_pool_config.external_ip_low_end":    pool.ExternalIPLowEnd,
		"default_nat_pool_config.external_ip_high_end":   pool.ExternalIPHighEnd,
		"default_nat_pool_config.external_port_low_end":  pool.ExternalPortLowEnd,
		"default_nat_pool_config.external_port_high_end": pool.ExternalPortHighEnd,
		"default_nat_pool_config.ip_allocation_type":     pool.IPAllocationType,
		"default_nat_pool_config.port_allocation_type":   pool.PortAllocationType,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	ErrEmptyMetricsAddr    = errors.New("metrics.addr must not be empty")
	ErrInvalidListenPort   = errors.New("pcp_server_listening_port must be nonzero")
	ErrInvalidPoolBounds   = errors.New("nat pool low end must not exceed high end")
	ErrIPv6PoolUnsupported = errors.New("external nat pool is IPv4-only")
	ErrEmptyPool           = errors.New("nat pool range is empty")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.PCP.PCPServerListeningPort == 0 {
		return ErrInvalidListenPort
	}

	pool := cfg.PCP.DefaultNATPoolConfig
	if pool.ExternalPortLowEnd > pool.ExternalPortHighEnd {
		return fmt.Errorf("external_port_low_end > external_port_high_end: %w", ErrInvalidPoolBounds)
	}
	if pool.InternalPortLowEnd > pool.InternalPortHighEnd {
		return fmt.Errorf("internal_port_low_end > internal_port_high_end: %w", ErrInvalidPoolBounds)
	}
	if _, _, err := pool.ExternalIPRange(); err != nil {
		return err
	}
	if _, err := pool.ExternalAddrs(); err != nil {
		return err
	}

	return nil
}

// -------------------------------------------------------------------------
// Log level parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
