// Package config loads the server configuration from YAML and exposes an
// atomically swappable handle so SITE RELOAD can replace the running
// configuration without restarting sessions.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/tidwall/match"
	"gopkg.in/yaml.v3"

	"github.com/gonzalop/ftpd/internal/acl"
)

// Section is a named configuration scope selected by path-glob match. It
// governs ratio, credit isolation, stats accounting, and speed caps.
type Section struct {
	Name            string   `yaml:"name"`
	Paths           []string `yaml:"paths"`
	Ratio           int      `yaml:"ratio"`
	SeparateCredits bool     `yaml:"separate_credits"`
	MaxUpSpeed      int64    `yaml:"max_up_speed"`
	MaxDownSpeed    int64    `yaml:"max_down_speed"`
}

// Config is the full server configuration. Zero values fall back to the
// defaults applied in Load.
type Config struct {
	ServerName string `yaml:"server_name"`

	ListenIPs []string `yaml:"listen_ips"`
	Port      int      `yaml:"port"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// TLSDataRequired refuses plaintext data connections with 536.
	TLSDataRequired bool `yaml:"tls_data_required"`

	RootPath  string `yaml:"root_path"`
	StorePath string `yaml:"store_path"`

	// MetricsAddr exposes Prometheus metrics over HTTP when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// XferLog appends completed transfers in xferlog format when set.
	XferLog string `yaml:"xferlog"`

	PublicHost  string `yaml:"public_host"`
	PasvMinPort int    `yaml:"pasv_min_port"`
	PasvMaxPort int    `yaml:"pasv_max_port"`

	// Global transfer slot caps; 0 is unlimited.
	MaxUploads   int `yaml:"max_uploads"`
	MaxDownloads int `yaml:"max_downloads"`

	// Default idle timeout in seconds for users with no per-profile value.
	IdleTimeout int `yaml:"idle_timeout"`

	CalcCRC  []string `yaml:"calc_crc"`
	AsyncCRC bool     `yaml:"async_crc"`

	// Globs under which ASCII uploads are permitted. Empty permits all.
	AsciiUploads []string `yaml:"ascii_uploads"`

	// Minimum sustained transfer speed in bytes/sec; transfers below it
	// for longer than MinSpeedGrace seconds are aborted. 0 disables.
	MinUploadSpeed   int64 `yaml:"min_upload_speed"`
	MinDownloadSpeed int64 `yaml:"min_download_speed"`
	MinSpeedGrace    int   `yaml:"min_speed_grace"`

	PreHook  string `yaml:"pre_hook"`
	PostHook string `yaml:"post_hook"`

	// Positive character class for upload basenames; empty admits all.
	PathFilter string `yaml:"path_filter"`

	Sections []Section `yaml:"sections"`

	SiteACL   []acl.SiteRule `yaml:"site_acl"`
	Hideowner []acl.PathRule `yaml:"hideowner"`
	Nostats   []acl.PathRule `yaml:"nostats"`
}

// Default returns a configuration usable without a file: one listener on
// the loopback, in-memory store, permissive ACLs for siteops.
func Default() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.ServerName == "" {
		c.ServerName = "ftpd"
	}
	if len(c.ListenIPs) == 0 {
		c.ListenIPs = []string{"127.0.0.1"}
	}
	if c.Port == 0 {
		c.Port = 2121
	}
	if c.RootPath == "" {
		c.RootPath = "."
	}
	if c.StorePath == "" {
		c.StorePath = ":memory:"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 300
	}
	if c.MinSpeedGrace == 0 {
		c.MinSpeedGrace = 10
	}
	if len(c.SiteACL) == 0 {
		c.SiteACL = []acl.SiteRule{{Keyword: "*", Allow: true, Who: "1"}}
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.fillDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.PasvMinPort != 0 && c.PasvMaxPort < c.PasvMinPort {
		return fmt.Errorf("config: passive port range [%d, %d] is inverted", c.PasvMinPort, c.PasvMaxPort)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: tls_cert and tls_key must be set together")
	}
	for _, s := range c.Sections {
		if s.Name == "" {
			return fmt.Errorf("config: section with empty name")
		}
		if s.Ratio < 0 {
			return fmt.Errorf("config: section %s has negative ratio", s.Name)
		}
	}
	return nil
}

// SectionMatch returns the first section whose path globs match vpath,
// nil when the path is unsectioned.
func (c *Config) SectionMatch(vpath string) *Section {
	for i := range c.Sections {
		for _, g := range c.Sections[i].Paths {
			if match.Match(vpath, g) {
				return &c.Sections[i]
			}
		}
	}
	return nil
}

// CalcCRCMatch reports whether uploads to vpath get a running CRC32.
func (c *Config) CalcCRCMatch(vpath string) bool {
	for _, g := range c.CalcCRC {
		if match.Match(vpath, g) {
			return true
		}
	}
	return false
}

// AsciiUploadAllowed reports whether vpath accepts ASCII-mode uploads.
func (c *Config) AsciiUploadAllowed(vpath string) bool {
	if len(c.AsciiUploads) == 0 {
		return true
	}
	for _, g := range c.AsciiUploads {
		if match.Match(vpath, g) {
			return true
		}
	}
	return false
}

// RequireStopStart reports whether switching from old to next needs a
// full listener restart rather than an in-place swap.
func RequireStopStart(old, next *Config) bool {
	if old.Port != next.Port || old.TLSCert != next.TLSCert || old.TLSKey != next.TLSKey ||
		old.StorePath != next.StorePath || old.RootPath != next.RootPath {
		return true
	}
	if len(old.ListenIPs) != len(next.ListenIPs) {
		return true
	}
	for i := range old.ListenIPs {
		if old.ListenIPs[i] != next.ListenIPs[i] {
			return true
		}
	}
	return false
}

// Handle is the process-wide configuration pointer. Sessions read through
// Get on every command; RELOAD swaps it atomically.
type Handle struct {
	p atomic.Pointer[Config]
}

// NewHandle wraps an initial configuration.
func NewHandle(c *Config) *Handle {
	h := &Handle{}
	h.p.Store(c)
	return h
}

// Get returns the current configuration. The returned value is shared and
// must be treated as read-only.
func (h *Handle) Get() *Config { return h.p.Load() }

// Swap replaces the configuration, returning the previous one.
func (h *Handle) Swap(c *Config) *Config { return h.p.Swap(c) }
