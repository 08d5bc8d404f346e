// Package config loads and validates the server's JSON configuration
// file: listen addresses, control-plane credentials, TLS certificates and
// ALPN, and the fallback disguise policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Fallback is one of three disguise policies for traffic that fails
// Trojan authentication: reject the connection, forward it to a plain
// address, or forward it prefixed with a PROXY protocol v2 header.
type Fallback struct {
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Connect string `json:"connect,omitempty" yaml:"connect,omitempty"`
	Reject  bool   `json:"reject,omitempty" yaml:"reject,omitempty"`
}

// CertConfig names the certificate and key file for one SNI entry.
type CertConfig struct {
	CertChain string `json:"cert_chain" yaml:"cert_chain"`
	PrivKey   string `json:"priv_key" yaml:"priv_key"`
}

// TLSConfig holds the server's certificate set and handshake parameters.
type TLSConfig struct {
	Servers            map[string]CertConfig `json:"servers" yaml:"servers"`
	MaxEarlyData       uint32                `json:"max_early_data" yaml:"max_early_data"`
	PreferServerCipher bool                  `json:"prefer_server_cipher" yaml:"prefer_server_cipher"`
	SessionCacheSize   uint                  `json:"session_cache_size" yaml:"session_cache_size"`
	ALPN               []string              `json:"alpn" yaml:"alpn"`
	MaxFragmentSize    *uint                 `json:"max_fragment_size,omitempty" yaml:"max_fragment_size,omitempty"`
}

// Config is the full server configuration, loaded from a single JSON file.
type Config struct {
	Listen       []string            `json:"listen" yaml:"listen"`
	ID           uint64              `json:"id" yaml:"id"`
	Key          string              `json:"key" yaml:"key"`
	BaseURL      string              `json:"base_url" yaml:"base_url"`
	DurationSecs *uint               `json:"duration,omitempty" yaml:"duration,omitempty"`
	Fallback     Fallback            `json:"fallback" yaml:"fallback"`
	ALPNFallback map[string]Fallback `json:"alpn_fallback" yaml:"alpn_fallback"`
	TLS          TLSConfig           `json:"tls" yaml:"tls"`
}

// Duration returns the control-plane sync interval, defaulting to 60
// seconds when unspecified.
func (c *Config) Duration() time.Duration {
	if c.DurationSecs == nil {
		return 60 * time.Second
	}
	return time.Duration(*c.DurationSecs) * time.Second
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the structural invariants a JSON unmarshal cannot
// enforce on its own: required fields present, the default certificate
// named, and fallback policies well formed.
func (c *Config) Validate() error {
	if len(c.Listen) == 0 {
		return fmt.Errorf("at least one listen address is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if _, ok := c.TLS.Servers["default"]; !ok {
		return fmt.Errorf(`tls.servers must include a "default" entry`)
	}
	if err := c.Fallback.validate(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	for proto, fb := range c.ALPNFallback {
		if err := fb.validate(); err != nil {
			return fmt.Errorf("alpn_fallback[%s]: %w", proto, err)
		}
	}
	return nil
}

func (f Fallback) validate() error {
	set := 0
	if f.Proxy != "" {
		set++
	}
	if f.Connect != "" {
		set++
	}
	if f.Reject {
		set++
	}
	if set != 1 {
		return fmt.Errorf(`exactly one of "proxy", "connect", "reject" must be set`)
	}
	return nil
}

// YAML renders the effective configuration as YAML, for the `config show`
// diagnostic subcommand: JSON is the wire format this server reads, but a
// human skimming the effective config benefits from YAML's lighter syntax.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
