// Package config loads dispatcher and association tuning from a TOML
// file, with optional hot-reload via fsnotify, in the style of the
// donor's cmd/dtnd configuration loader.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dicomassoc/dicomassoc/connection"
	"github.com/dicomassoc/dicomassoc/dispatcher"
	"github.com/dicomassoc/dicomassoc/pdu"
)

// PresentationContextConfig is one proposed abstract syntax and its
// acceptable transfer syntaxes, as written in the TOML file.
type PresentationContextConfig struct {
	AbstractSyntax   string   `toml:"abstract-syntax"`
	TransferSyntaxes []string `toml:"transfer-syntaxes"`
}

// AssociationConfig configures the AE titles and presentation contexts
// proposed in every A-ASSOCIATE-RQ.
type AssociationConfig struct {
	CalledAETitle        string                      `toml:"called-ae-title"`
	CallingAETitle       string                      `toml:"calling-ae-title"`
	PresentationContexts []PresentationContextConfig `toml:"presentation-context"`
}

// DispatcherConfig mirrors the dispatcher's tunables.
type DispatcherConfig struct {
	Addr                      string `toml:"addr"`
	RequestTimeout            string `toml:"request-timeout"`
	MaxPDULength              uint32 `toml:"max-pdu-length"`
	MaxRequestsPerAssociation int    `toml:"max-requests-per-association"`
	AsyncOpsInvoked           int    `toml:"async-ops-invoked"`
	AsyncOpsPerformed         int    `toml:"async-ops-performed"`
	Linger                    string `toml:"linger"`
	WriteTimeout              string `toml:"write-timeout"`
}

// TLSFileConfig names PEM files for mutual-TLS, left empty to dial
// plaintext.
type TLSFileConfig struct {
	CertFile           string `toml:"cert-file"`
	KeyFile            string `toml:"key-file"`
	CAFile             string `toml:"ca-file"`
	ServerName         string `toml:"server-name"`
	InsecureSkipVerify bool   `toml:"insecure-skip-verify"`
}

// LogConfig mirrors logrus's own level/format knobs, following the
// donor's logConf block.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root of the TOML document.
type Config struct {
	Association AssociationConfig `toml:"association"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	TLS         TLSFileConfig     `toml:"tls"`
	Logging     LogConfig         `toml:"logging"`
}

// Load decodes path as TOML into a Config.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &c, nil
}

// presentationContextItems converts the configured abstract syntaxes
// into pdu.PresentationContextItem, assigning odd context IDs in order
// (1, 3, 5, ...) per PS3.8's requirement that context IDs be odd.
func (c *Config) presentationContextItems() []pdu.PresentationContextItem {
	items := make([]pdu.PresentationContextItem, 0, len(c.Association.PresentationContexts))
	for i, pc := range c.Association.PresentationContexts {
		items = append(items, pdu.PresentationContextItem{
			ID:               byte(2*i + 1),
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: pc.TransferSyntaxes,
		})
	}
	return items
}

// tlsConfig builds a connection.TLSConfig from the configured PEM
// files, or nil if none are configured (plaintext TCP).
func (c *Config) tlsConfig() (*connection.TLSConfig, error) {
	if c.TLS.CertFile == "" && c.TLS.CAFile == "" {
		return nil, nil
	}

	cfg := &connection.TLSConfig{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", c.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// DispatcherOptions translates the decoded Config into the functional
// options dispatcher.New accepts, so callers wire configuration
// straight through without hand-copying fields.
func (c *Config) DispatcherOptions() ([]dispatcher.Option, error) {
	var opts []dispatcher.Option

	if c.Association.CalledAETitle != "" {
		opts = append(opts, dispatcher.WithCalledAETitle(c.Association.CalledAETitle))
	}
	if c.Association.CallingAETitle != "" {
		opts = append(opts, dispatcher.WithCallingAETitle(c.Association.CallingAETitle))
	}
	if contexts := c.presentationContextItems(); len(contexts) > 0 {
		opts = append(opts, dispatcher.WithPresentationContexts(contexts))
	}

	requestTimeout, err := parseDuration(c.Dispatcher.RequestTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatcher.request-timeout: %w", err)
	}
	if requestTimeout > 0 {
		opts = append(opts, dispatcher.WithRequestTimeout(requestTimeout))
	}

	linger, err := parseDuration(c.Dispatcher.Linger, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatcher.linger: %w", err)
	}
	if linger > 0 {
		opts = append(opts, dispatcher.WithLinger(linger))
	}

	writeTimeout, err := parseDuration(c.Dispatcher.WriteTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatcher.write-timeout: %w", err)
	}
	if writeTimeout > 0 {
		opts = append(opts, dispatcher.WithWriteTimeout(writeTimeout))
	}

	if c.Dispatcher.MaxPDULength > 0 {
		opts = append(opts, dispatcher.WithMaxPDULength(c.Dispatcher.MaxPDULength))
	}
	if c.Dispatcher.MaxRequestsPerAssociation > 0 {
		opts = append(opts, dispatcher.WithMaxRequestsPerAssociation(c.Dispatcher.MaxRequestsPerAssociation))
	}
	if c.Dispatcher.AsyncOpsInvoked > 0 {
		opts = append(opts, dispatcher.WithAsyncOpsInvoked(c.Dispatcher.AsyncOpsInvoked))
	}
	if c.Dispatcher.AsyncOpsPerformed > 0 {
		opts = append(opts, dispatcher.WithAsyncOpsPerformed(c.Dispatcher.AsyncOpsPerformed))
	}

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, dispatcher.WithTLS(tlsCfg))
	}

	return opts, nil
}

// NewDispatcher is a convenience constructor combining DispatcherOptions
// with dispatcher.New.
func (c *Config) NewDispatcher(extra ...dispatcher.Option) (*dispatcher.Dispatcher, error) {
	if c.Dispatcher.Addr == "" {
		return nil, fmt.Errorf("dispatcher.addr is required")
	}
	opts, err := c.DispatcherOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	return dispatcher.New(c.Dispatcher.Addr, opts...), nil
}
