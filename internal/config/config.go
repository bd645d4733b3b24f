// Package config loads the two configuration shapes this system uses: a
// client configuration embedded directly in the compiled binary, and a
// plain JSON file for the relay. Both are parsed with goccy/go-yaml, since
// JSON is a syntactic subset of YAML; there is no separate JSON dependency
// to wire in.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"

	"github.com/goccy/go-yaml"
)

// configStartMarker/configEndMarker bound the embedded JSON blob a client
// binary carries. The build step that produces a distributable client
// appends the config between these markers somewhere after the code; only
// the last scanBlockSize bytes of the executable are scanned, since the
// markers are always appended near the end.
const (
	configStartMarker = "[CONFIG_START]"
	configEndMarker   = "[CONFIG_END]"
	scanBlockSize     = 8 * 1024
)

// ClientConfig is the client diverter's configuration.
type ClientConfig struct {
	Interface string `yaml:"interface"`
	GUID      string `yaml:"guid"` // Windows NPF device GUID

	PCAP PCAP `yaml:"pcap"`

	GameServerIPv4 string `yaml:"game_server_ipv4"`
	GameServerIPv6 string `yaml:"game_server_ipv6"`
	ExceptPort     uint16 `yaml:"except_port"`

	RelayAddrs []string `yaml:"relay_addrs"`
}

// ResolveGameServerIPv4 parses GameServerIPv4, returning nil if unset.
func (c *ClientConfig) ResolveGameServerIPv4() net.IP {
	if c.GameServerIPv4 == "" {
		return nil
	}
	return net.ParseIP(c.GameServerIPv4)
}

// ResolveGameServerIPv6 parses GameServerIPv6, returning nil if unset.
func (c *ClientConfig) ResolveGameServerIPv6() net.IP {
	if c.GameServerIPv6 == "" {
		return nil
	}
	return net.ParseIP(c.GameServerIPv6)
}

// LoadClientEmbedded extracts and parses the JSON configuration blob
// embedded in the running executable at exePath.
func LoadClientEmbedded(exePath string) (*ClientConfig, error) {
	raw, err := extractEmbeddedBlob(exePath)
	if err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse embedded client config: %w", err)
	}
	cfg.PCAP.setDefaults("client")
	if errs := cfg.PCAP.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid pcap settings: %v", errs[0])
	}
	return &cfg, nil
}

// LoadClientFile is the development-friendly counterpart to
// LoadClientEmbedded: it reads the same JSON shape from a plain file
// instead of scanning a binary, so the client can be run against a config
// file before it is baked into a distributable executable.
func LoadClientFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read client config %s: %w", path, err)
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse client config %s: %w", path, err)
	}
	cfg.PCAP.setDefaults("client")
	if errs := cfg.PCAP.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid pcap settings: %v", errs[0])
	}
	return &cfg, nil
}

func extractEmbeddedBlob(exePath string) ([]byte, error) {
	f, err := os.Open(exePath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open executable %s: %w", exePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat executable %s: %w", exePath, err)
	}

	size := info.Size()
	readSize := int64(scanBlockSize)
	if size < readSize {
		readSize = size
	}
	buf := make([]byte, readSize)
	if _, err := f.ReadAt(buf, size-readSize); err != nil {
		return nil, fmt.Errorf("config: failed to read tail of executable %s: %w", exePath, err)
	}

	startIdx := bytes.Index(buf, []byte(configStartMarker))
	if startIdx == -1 {
		return nil, fmt.Errorf("config: no embedded configuration found in %s", exePath)
	}
	startIdx += len(configStartMarker)

	endIdx := bytes.Index(buf[startIdx:], []byte(configEndMarker))
	if endIdx == -1 {
		return nil, fmt.Errorf("config: embedded configuration in %s is missing its end marker", exePath)
	}

	return bytes.TrimSpace(buf[startIdx : startIdx+endIdx]), nil
}

// RelayConfig is the relay dispatcher's configuration.
type RelayConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	UpstreamAddr    string `yaml:"upstream_addr"`
	UpstreamUDPAddr string `yaml:"upstream_udp_addr"`
	RelayPublicIP   string `yaml:"relay_public_ip"`
	ProxyLocalIP    string `yaml:"proxy_local_ip"`

	// ConfigAPIURL/ConfigAPIPort name an HTTP server-list endpoint (see
	// ServerListFetcher). They are parsed but not used: nothing in this
	// repository implements ServerListFetcher or polls the endpoint.
	ConfigAPIURL  string `yaml:"config_api_url"`
	ConfigAPIPort int    `yaml:"config_api_port"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadRelayFile reads and parses a relay JSON configuration file.
func LoadRelayFile(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read relay config %s: %w", path, err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse relay config %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("config: listen_addr is required")
	}
	if cfg.UpstreamAddr == "" {
		return nil, fmt.Errorf("config: upstream_addr is required")
	}
	return &cfg, nil
}

// ServerListFetcher retrieves the set of relay addresses a client should
// try, from a remote config API rather than a static list baked into the
// embedded blob (original_source supports refreshing this list at
// runtime; spec.md's distillation dropped it, see DESIGN.md).
type ServerListFetcher interface {
	FetchServerList() ([]string, error)
}
