// Package config loads server and client settings from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/codec"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/protocol"
	"github.com/dermesser/sessionrpc/routines"
	smgr "github.com/dermesser/sessionrpc/securitymanager"
	"github.com/dermesser/sessionrpc/services"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	TransportTCP = "tcp"
	TransportZMQ = "zmq"
)

// Session holds the per-connection settings; durations are written like "10s" or "1m30s".
type Session struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	DiscardCacheSize  int           `yaml:"discard_cache_size"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	// none, zlib or zstd
	Compression string `yaml:"compression"`
}

type Account struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// Curve names the key files of a ZeroMQ CURVE key pair.
type Curve struct {
	PublicKeyFile  string `yaml:"public_key_file"`
	PrivateKeyFile string `yaml:"private_key_file"`
	// client only
	ServerKeyFile string `yaml:"server_key_file"`
}

/*
Config is the content of a configuration file:

	listen: 127.0.0.1:7070
	transport: tcp
	workers: 8
	log_level: info
	session:
	  heartbeat_interval: 5s
	  heartbeat_timeout: 15s
	  compression: zstd
	accounts:
	  - name: alice
	    password: secret
	allowed_clients: [127.0.0.1, 10.0.0.0/8]

Missing keys keep the values of Default().
*/
type Config struct {
	Listen    string `yaml:"listen"`
	Transport string `yaml:"transport"`
	// size of the routine worker pool; 0 uses the number of CPUs
	Workers       int     `yaml:"workers"`
	LogLevel      string  `yaml:"log_level"`
	MetricsListen string  `yaml:"metrics_listen"`
	Session       Session `yaml:"session"`

	Accounts       []Account `yaml:"accounts"`
	AllowedClients []string  `yaml:"allowed_clients"`
	DeniedClients  []string  `yaml:"denied_clients"`
	Curve          Curve     `yaml:"curve"`
}

func Default() Config {
	d := services.DefaultConfig()
	return Config{
		Listen:    "127.0.0.1:7070",
		Transport: TransportTCP,
		LogLevel:  "errors",
		Session: Session{
			HeartbeatInterval: d.HeartbeatInterval,
			HeartbeatTimeout:  d.HeartbeatTimeout,
			RequestTimeout:    d.RequestTimeout,
			HandshakeTimeout:  d.HandshakeTimeout,
			DiscardCacheSize:  d.DiscardCacheSize,
			MaxFrameSize:      protocol.DefaultMaxFrameSize,
			Compression:       "none",
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document. Unknown keys are an error.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var err error
	switch c.Transport {
	case TransportTCP, TransportZMQ:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("negative worker count %d", c.Workers))
	}
	if _, lerr := log.ParseLoglevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if scfg, serr := c.sessionConfig(); serr != nil {
		err = multierr.Append(err, serr)
	} else {
		err = multierr.Append(err, scfg.Validate())
	}
	if len(c.AllowedClients) > 0 && len(c.DeniedClients) > 0 {
		err = multierr.Append(err, errors.New("allowed_clients and denied_clients are exclusive"))
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		switch {
		case a.Name == "":
			err = multierr.Append(err, fmt.Errorf("account %d has no name", i))
		case seen[a.Name]:
			err = multierr.Append(err, fmt.Errorf("duplicate account %q", a.Name))
		}
		seen[a.Name] = true
	}
	return err
}

// Loglevel returns the parsed log level.
func (c Config) Loglevel() int {
	ll, err := log.ParseLoglevel(c.LogLevel)
	if err != nil {
		return log.LOGLEVEL_ERRORS
	}
	return ll
}

// ServicesConfig converts the session settings. The scheduler is built from Workers.
func (c Config) ServicesConfig() (services.Config, error) {
	cfg, err := c.sessionConfig()
	if err != nil {
		return services.Config{}, err
	}
	cfg.Scheduler = c.Scheduler()
	return cfg, nil
}

func (c Config) sessionConfig() (services.Config, error) {
	cdc, err := codec.FromName(c.Session.Compression)
	if err != nil {
		return services.Config{}, err
	}
	cfg := services.DefaultConfig()
	cfg.HeartbeatInterval = c.Session.HeartbeatInterval
	cfg.HeartbeatTimeout = c.Session.HeartbeatTimeout
	cfg.RequestTimeout = c.Session.RequestTimeout
	cfg.HandshakeTimeout = c.Session.HandshakeTimeout
	cfg.DiscardCacheSize = c.Session.DiscardCacheSize
	cfg.MaxFrameSize = c.Session.MaxFrameSize
	cfg.Codec = cdc
	return cfg, nil
}

func (c Config) Scheduler() *routines.Scheduler {
	if c.Workers > 0 {
		return routines.NewScheduler(routines.WithPoolSize(c.Workers))
	}
	return routines.Default()
}

// Directory returns a directory holding the configured accounts, hashed with bcrypt cost.
func (c Config) Directory(cost int) (*auth.Directory, error) {
	d := auth.NewDirectory(cost)
	for _, a := range c.Accounts {
		if err := d.AddAccount(a.Name, a.Password); err != nil {
			return nil, err
		}
	}
	return d, nil
}

/*
SecurityManager returns the server's security manager: a CURVE key pair loaded from the configured
files for the zmq transport (a fresh one if none are configured), or only an address policy for
TCP. The allow or deny list is applied in both cases.
*/
func (c Config) SecurityManager() (*smgr.ServerSecurityManager, error) {
	var mgr *smgr.ServerSecurityManager
	if c.Transport == TransportZMQ {
		mgr = smgr.NewServerSecurityManager()
		if mgr == nil {
			return nil, errors.New("could not create CURVE key pair")
		}
		if c.Curve.PublicKeyFile != "" {
			if err := mgr.LoadKeys(c.Curve.PublicKeyFile, c.Curve.PrivateKeyFile); err != nil {
				return nil, err
			}
		}
	} else {
		mgr = smgr.NewAddressPolicy()
	}
	if len(c.AllowedClients) > 0 {
		mgr.WhitelistClients(c.AllowedClients...)
	}
	if len(c.DeniedClients) > 0 {
		mgr.BlacklistClients(c.DeniedClients...)
	}
	return mgr, nil
}

// ClientSecurityManager returns the CURVE settings of a zmq client, or nil without a server key.
func (c Config) ClientSecurityManager() (*smgr.ClientSecurityManager, error) {
	if c.Transport != TransportZMQ || c.Curve.ServerKeyFile == "" {
		return nil, nil
	}
	mgr := smgr.NewClientSecurityManager()
	if mgr == nil {
		return nil, errors.New("could not create CURVE key pair")
	}
	if err := mgr.LoadServerPubkey(c.Curve.ServerKeyFile); err != nil {
		return nil, err
	}
	if c.Curve.PublicKeyFile != "" {
		if err := mgr.LoadKeys(c.Curve.PublicKeyFile, c.Curve.PrivateKeyFile); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}
