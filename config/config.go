// Package config holds the host-supplied account configuration. It
// is loaded from YAML once and injected into the engine at
// construction; nothing in the engine reads configuration from
// globals or the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like
// "90s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TLSMode says how the IMAP connection is secured.
type TLSMode string

const (
	// TLSImplicit connects with TLS from the first byte (imaps).
	TLSImplicit TLSMode = "tls"
	// TLSStartTLS connects in the clear and upgrades via STARTTLS.
	TLSStartTLS TLSMode = "starttls"
	// TLSNone never negotiates TLS. The connection still upgrades if
	// the server demands it via LOGINDISABLED.
	TLSNone TLSMode = "none"
)

// IMAP is one server endpoint's settings.
type IMAP struct {
	Host string  `yaml:"host"`
	Port int     `yaml:"port"`
	TLS  TLSMode `yaml:"tls"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AccessToken switches authentication to OAUTHBEARER/XOAUTH2.
	AccessToken string `yaml:"access_token"`
}

// Addr returns the dialable host:port, defaulting the port from the
// TLS mode.
func (i IMAP) Addr() string {
	port := i.Port
	if port == 0 {
		if i.TLS == TLSImplicit {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", i.Host, port)
}

// Account is everything the engine needs to run one account.
type Account struct {
	Name string `yaml:"name"`
	IMAP IMAP   `yaml:"imap"`

	// UserAgent is written into outgoing messages and the IMAP ID
	// exchange.
	UserAgent string `yaml:"user_agent"`

	// Hostname is the domain used in generated Message-ID headers;
	// empty suppresses Message-ID generation.
	Hostname string `yaml:"hostname"`

	// SentMailbox, when non-empty, receives a copy of every sent
	// message via APPEND.
	SentMailbox string `yaml:"sent_mailbox"`

	// CachePath is the SQLite cache location; empty selects the
	// in-memory cache.
	CachePath string `yaml:"cache_path"`

	// NoopInterval is the keepalive period for servers without IDLE.
	NoopInterval Duration `yaml:"noop_interval"`

	// Offline starts the account in offline mode.
	Offline bool `yaml:"offline"`

	// Debug writes a wire transcript of every session to stderr.
	Debug bool `yaml:"debug"`
}

// Parse decodes and validates YAML account configuration.
func Parse(data []byte) (*Account, error) {
	a := &Account{}
	if err := yaml.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Load reads an account configuration file.
func Load(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Validate checks the fields no engine default can repair.
func (a *Account) Validate() error {
	if a.IMAP.Host == "" && !a.Offline {
		return fmt.Errorf("config: account %q has no imap host", a.Name)
	}
	switch a.IMAP.TLS {
	case "", TLSImplicit, TLSStartTLS, TLSNone:
	default:
		return fmt.Errorf("config: account %q has unknown tls mode %q", a.Name, a.IMAP.TLS)
	}
	if a.IMAP.TLS == "" {
		a.IMAP.TLS = TLSImplicit
	}
	if a.NoopInterval == 0 {
		a.NoopInterval = Duration(2 * time.Minute)
	}
	if a.UserAgent == "" {
		a.UserAgent = "mailcore"
	}
	return nil
}
