// Package config loads asioctl settings from flags, ASIO_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"

	"github.com/astra-zhao/FISCO-BCOS/internal/logging"
	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
	"github.com/astra-zhao/FISCO-BCOS/internal/trust"
)

// EnvPrefix is prepended to every key looked up in the environment.
const EnvPrefix = "ASIO"

// Config is the effective configuration of one asioctl process.
type Config struct {
	Listen      string        `mapstructure:"listen" yaml:"listen"`
	Peer        string        `mapstructure:"peer" yaml:"peer"`
	Threads     int           `mapstructure:"threads" yaml:"threads"`
	TLS         bool          `mapstructure:"tls" yaml:"tls"`
	TLSCert     string        `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey      string        `mapstructure:"tls_key" yaml:"tls_key"`
	TLSCA       string        `mapstructure:"tls_ca" yaml:"tls_ca"`
	Insecure    bool          `mapstructure:"insecure" yaml:"insecure"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteRate   string        `mapstructure:"write_rate" yaml:"write_rate"`
	TrustDB     string        `mapstructure:"trust_db" yaml:"trust_db"`
	TrustMode   string        `mapstructure:"trust_mode" yaml:"trust_mode"`
	LogLevel    string        `mapstructure:"log_level" yaml:"log_level"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:30300")
	v.SetDefault("peer", "127.0.0.1:30300")
	v.SetDefault("threads", 4)
	v.SetDefault("tls", false)
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("tls_ca", "")
	v.SetDefault("insecure", false)
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("write_rate", "unlimited")
	v.SetDefault("trust_db", "")
	v.SetDefault("trust_mode", "ca")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Bind makes every flag in fs override the key of the same name, with dashes
// turned into underscores.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// Load reads path when it is set and decodes the result. A missing path is an
// error; an empty one means flags, environment and defaults only.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Watch re-reads the config file whenever it changes on disk and hands every
// valid result to fn. Invalid edits are logged and skipped.
func Watch(v *viper.Viper, log *logging.Logger, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		c := &Config{}
		if err := v.Unmarshal(c); err != nil {
			log.Warning().Str("file", e.Name).Err(err).Log("config reload: decode failed")
			return
		}
		if err := c.Validate(); err != nil {
			log.Warning().Str("file", e.Name).Err(err).Log("config reload: rejected")
			return
		}
		log.Info().Str("file", e.Name).Stringer("op", e.Op).Log("config reloaded")
		fn(c)
	})
	v.WatchConfig()
}

// Validate checks that every field can be used as is.
func (c *Config) Validate() error {
	var errs []error
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", c.Threads))
	}
	if _, err := c.ListenEndpoint(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PeerEndpoint(); err != nil {
		errs = append(errs, err)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.IdleTimeout < 0 || c.DialTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if _, err := c.WriteLimiter(); err != nil {
		errs = append(errs, err)
	}
	if _, err := trust.ParseMode(c.TrustMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ListenEndpoint parses Listen.
func (c *Config) ListenEndpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(c.Listen)
}

// PeerEndpoint parses Peer.
func (c *Config) PeerEndpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(c.Peer)
}

// WriteLimiter turns WriteRate into a limiter in bytes per second. The burst
// is three seconds' worth. "unlimited", "0" and "" mean no limit; "low",
// "medium" and "high" are presets; other values are byte sizes such as
// "64kb" or "1 MiB".
func (c *Config) WriteLimiter() (*rate.Limiter, error) {
	var n uint64
	switch s := strings.ToLower(strings.TrimSpace(c.WriteRate)); s {
	case "", "0", "unlimited":
		return rate.NewLimiter(rate.Inf, 0), nil
	case "low":
		n = 50000
	case "medium":
		n = 500000
	case "high":
		n = 1500000
	default:
		var err error
		if n, err = humanize.ParseBytes(s); err != nil {
			return nil, fmt.Errorf("write_rate %q: %w", c.WriteRate, err)
		}
		if n == 0 || n > 1<<30 {
			return nil, fmt.Errorf("write_rate %q: out of range", c.WriteRate)
		}
	}
	return rate.NewLimiter(rate.Limit(n), int(n)*3), nil
}

// ServerTLS builds the listener side TLS configuration, or nil when no
// certificate is configured.
func (c *Config) ServerTLS() (*tls.Config, error) {
	if c.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("config: load key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if c.TLSCA != "" {
		pool, err := loadPool(c.TLSCA)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// ClientTLS builds the dialing side TLS configuration, or nil when TLS is off.
func (c *Config) ClientTLS() (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.Insecure} //nolint:gosec
	if c.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("config: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.TLSCA != "" {
		pool, err := loadPool(c.TLSCA)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Verifier opens the trust database and returns a verify callback for it, or
// a nil callback and store when TrustDB is unset. The caller closes the store.
func (c *Config) Verifier(log *logging.Logger) (transport.VerifyCallback, *trust.Store, error) {
	if c.TrustDB == "" {
		return nil, nil, nil
	}
	mode, err := trust.ParseMode(c.TrustMode)
	if err != nil {
		return nil, nil, err
	}
	store, err := trust.Open(c.TrustDB)
	if err != nil {
		return nil, nil, err
	}
	return trust.Verifier(store, mode, log), store, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("config: %s: no certificates found", path)
	}
	return pool, nil
}

// WriteYAML writes c as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
