// Package config loads the struct-shaped client options spec.md §6
// names ("Recognized configuration options") from YAML, and watches an
// identity directory for hot-reloadable enrolment material. adbcore
// itself reads no environment variables and touches no files; this
// package is the caller-side convenience the teacher's own binaries
// layer on top of their core in the same way (internal/config/config.go).
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goccyyaml "github.com/goccy/go-yaml"
	yamlv3 "gopkg.in/yaml.v3"

	"adbcore/internal/codec"
	"adbcore/internal/handshake"
	"adbcore/internal/keystore"
)

// Config mirrors spec.md §6's configuration table one field per row.
// The yaml.v3 tags are kept alongside the goccy ones purely to document
// the schema for any caller that round-trips this struct through the
// older library; Load itself always unmarshals with goccy/go-yaml.
type Config struct {
	AdvertisedVersion string        `yaml:"advertised_version" json:"advertised_version"`
	AdvertisedMaxData uint32        `yaml:"advertised_max_data" json:"advertised_max_data"`
	SystemBanner      string        `yaml:"system_banner" json:"system_banner"`
	IdentityDir       string        `yaml:"identity_dir" json:"identity_dir"`
	TLS               TLSSettings   `yaml:"tls" json:"tls"`
	HandshakeDeadline time.Duration `yaml:"handshake_deadline" json:"handshake_deadline"`
}

// TLSPolicy mirrors handshake.TLSPolicy in its YAML-facing string form
// ("prefer_if_offered" / "forbid") so config files stay readable.
type TLSPolicy string

const (
	TLSPreferIfOffered TLSPolicy = "prefer_if_offered"
	TLSForbid          TLSPolicy = "forbid"
)

// Resolve converts the YAML-facing TLSPolicy into handshake's enum.
func (p TLSPolicy) Resolve() (handshake.TLSPolicy, error) {
	switch p {
	case "", TLSPreferIfOffered:
		return handshake.TLSPreferIfOffered, nil
	case TLSForbid:
		return handshake.TLSForbid, nil
	default:
		return 0, fmt.Errorf("config: unrecognized tls policy %q", p)
	}
}

// TLSSettings groups the STLS upgrade policy with the optional uTLS
// ClientHello fingerprint to shape it with (see internal/tlsutil).
// Fingerprint names one of the browser profiles helloID recognizes
// ("chrome", "firefox", "safari", "ios", "edge", "golang"); empty
// leaves the upgrade on Go's own crypto/tls fingerprint.
type TLSSettings struct {
	Policy      TLSPolicy `yaml:"policy" json:"policy"`
	Fingerprint string    `yaml:"fingerprint" json:"fingerprint"`
}

// Resolve converts the settings' Policy into handshake's enum.
func (s TLSSettings) Resolve() (handshake.TLSPolicy, error) {
	return s.Policy.Resolve()
}

// DefaultConfig returns the options spec.md §6 lists as defaults.
func DefaultConfig() *Config {
	return &Config{
		AdvertisedVersion: "V_MIN",
		AdvertisedMaxData: codec.MaxData24,
		SystemBanner:      "host::\x00",
		TLS:               TLSSettings{Policy: TLSPreferIfOffered},
		HandshakeDeadline: 10 * time.Second,
	}
}

// Load reads and validates a config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := goccyyaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the recognized-value constraints spec.md §6 states
// for advertised_version and advertised_max_data.
func (c *Config) Validate() error {
	switch c.AdvertisedVersion {
	case "", "V_MIN", "V_SKIP_CHECKSUM":
	default:
		return fmt.Errorf("advertised_version must be V_MIN or V_SKIP_CHECKSUM, got %q", c.AdvertisedVersion)
	}
	switch c.AdvertisedMaxData {
	case 0, codec.MaxDataLegacy, codec.MaxData24, codec.MaxData28:
	default:
		return fmt.Errorf("advertised_max_data must be one of 4096, 262144, 1048576, got %d", c.AdvertisedMaxData)
	}
	if _, err := c.TLS.Resolve(); err != nil {
		return err
	}
	return nil
}

// ProtocolVersion returns the numeric CNXN version this config selects.
func (c *Config) ProtocolVersion() uint32 {
	if c.AdvertisedVersion == "V_SKIP_CHECKSUM" {
		return codec.VersionSkipChecksum
	}
	return codec.VersionMin
}

// MaxData returns the configured advertised_max_data, defaulted per §6.
func (c *Config) MaxData() uint32 {
	if c.AdvertisedMaxData == 0 {
		return codec.MaxData24
	}
	return c.AdvertisedMaxData
}

// HandshakeOptions builds the handshake.Options this config implies,
// loading identities from IdentityDir if set.
func (c *Config) HandshakeOptions(tlsConfig *tls.Config) (handshake.Options, error) {
	policy, err := c.TLS.Resolve()
	if err != nil {
		return handshake.Options{}, err
	}
	var ids []*keystore.Identity
	if c.IdentityDir != "" {
		ids, err = LoadIdentities(c.IdentityDir)
		if err != nil {
			return handshake.Options{}, err
		}
	}
	return handshake.Options{
		LocalVersion: c.ProtocolVersion(),
		LocalMaxData: c.MaxData(),
		SystemBanner: c.SystemBanner,
		Identities:   ids,
		TLS:          policy,
		TLSConfig:    tlsConfig,
		Fingerprint:  c.TLS.Fingerprint,
		Deadline:     c.HandshakeDeadline,
	}, nil
}

// LoadIdentities reads every *.pem file in dir as a PKCS#1 RSA private
// key, in directory order, matching the order spec.md §6's "identities"
// option requires ("ordered list of RSA-2048 keys to try"). Persistence
// of these keys remains entirely the caller's affair; adbcore never
// writes them.
func LoadIdentities(dir string) ([]*keystore.Identity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read identity dir %s: %w", dir, err)
	}
	var out []*keystore.Identity
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pem" {
			continue
		}
		id, err := loadIdentityFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func loadIdentityFile(path string) (*keystore.Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("identity %s: no PEM block found", path)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	return keystore.LoadIdentity(priv, filepath.Base(path))
}

// MarshalYAMLv3 round-trips c through gopkg.in/yaml.v3, for callers
// whose own tooling only understands that library's struct tags.
func MarshalYAMLv3(c *Config) ([]byte, error) {
	return yamlv3.Marshal(c)
}
