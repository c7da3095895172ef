package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds the TLS settings shared by the network sinks and the self-check server.
// Each PEM input can be given as a file path or inline data, not both.
type Config struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Peer verification
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"` // Development only
	CAFile             string `yaml:"ca_file,omitempty"`
	CAData             string `yaml:"ca_data,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"` // SNI override for clients

	// Own certificate: the client certificate for mTLS, or the server certificate
	CertFile string `yaml:"cert_file,omitempty"`
	CertData string `yaml:"cert_data,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	KeyData  string `yaml:"key_data,omitempty"`

	MinVersion string `yaml:"min_version,omitempty"` // "1.2" (default) or "1.3"

	// Server side: "no", "request", "require", "verify-if-given", "require-and-verify"
	ClientAuth string `yaml:"client_auth,omitempty"`
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

var clientAuthModes = map[string]tls.ClientAuthType{
	"no":                 tls.NoClientCert,
	"request":            tls.RequestClientCert,
	"require":            tls.RequireAnyClientCert,
	"verify-if-given":    tls.VerifyClientCertIfGiven,
	"require-and-verify": tls.RequireAndVerifyClientCert,
}

// Validate validates the TLS configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	err := validation.ValidateStruct(&c,
		validation.Field(&c.CAData, validation.When(c.CAFile != "", validation.Empty.Error("cannot be combined with ca_file"))),
		validation.Field(&c.CertData, validation.When(c.CertFile != "", validation.Empty.Error("cannot be combined with cert_file"))),
		validation.Field(&c.KeyData, validation.When(c.KeyFile != "", validation.Empty.Error("cannot be combined with key_file"))),
		validation.Field(&c.MinVersion, validation.By(oneOf(tlsVersions))),
		validation.Field(&c.ClientAuth, validation.By(oneOf(clientAuthModes))),
	)
	if err != nil {
		return err
	}

	hasKey := c.KeyFile != "" || c.KeyData != ""
	if c.hasCertificate() != hasKey {
		return errors.New("certificate and key must be provided together")
	}
	return nil
}

func oneOf[T any](allowed map[string]T) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		if _, ok := allowed[s]; !ok {
			return fmt.Errorf("unsupported value %q", s)
		}
		return nil
	}
}

// ClientConfig returns the *tls.Config for dialing, or nil when TLS is disabled
func (c Config) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg, err := c.base()
	if err != nil {
		return nil, err
	}

	if c.InsecureSkipVerify {
		log.Printf("[TLS] WARNING: certificate verification is disabled, use only in development")
	}
	cfg.InsecureSkipVerify = c.InsecureSkipVerify // #nosec G402 - intentionally configurable for development
	cfg.ServerName = c.ServerName

	if c.CAFile != "" || c.CAData != "" {
		pool, err := loadPool(c.CAFile, c.CAData)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ServerConfig returns the *tls.Config for listening, or nil when TLS is disabled.
// A certificate is required; the CA, when set, verifies client certificates.
func (c Config) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if !c.hasCertificate() {
		return nil, errors.New("a server certificate and key are required")
	}
	cfg, err := c.base()
	if err != nil {
		return nil, err
	}

	if c.CAFile != "" || c.CAData != "" {
		pool, err := loadPool(c.CAFile, c.CAData)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA certificate: %w", err)
		}
		cfg.ClientCAs = pool
	}
	if c.ClientAuth != "" {
		cfg.ClientAuth = clientAuthModes[c.ClientAuth]
	}
	return cfg, nil
}

// base applies the settings common to clients and servers
func (c Config) base() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.MinVersion != "" {
		cfg.MinVersion = tlsVersions[c.MinVersion]
	}

	if c.hasCertificate() {
		certPEM, err := readPEM(c.CertFile, c.CertData)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate: %w", err)
		}
		keyPEM, err := readPEM(c.KeyFile, c.KeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c Config) hasCertificate() bool {
	return c.CertFile != "" || c.CertData != ""
}

func readPEM(file, data string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file) // #nosec G304 - path from configuration
	}
	if data != "" {
		return []byte(data), nil
	}
	return nil, errors.New("nothing provided")
}

func loadPool(file, data string) (*x509.CertPool, error) {
	pem, err := readPEM(file, data)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificate found in PEM data")
	}
	return pool, nil
}
