package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TLSConfig describes how the device verifies the hub and, for x509 devices,
// which certificate it presents.
type TLSConfig struct {
	CACertsDir         string `yaml:"ca_certs_dir"`
	ClientCertPEMPath  string `yaml:"client_cert_pem_path"`
	ClientKeyPEMPath   string `yaml:"client_key_pem_path"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (c *TLSConfig) Validate() error {
	if (c.ClientCertPEMPath == "") != (c.ClientKeyPEMPath == "") {
		return errors.New("client cert and key paths must be set together")
	}
	return nil
}

// Parse loads the trust roots and the client certificate. The certificate is
// nil when none is configured.
func (c *TLSConfig) Parse() (*tls.Config, *tls.Certificate, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validate: %w", err)
	}

	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CACertsDir != "" {
		caCertPool := x509.NewCertPool()
		cas, err := os.ReadDir(c.CACertsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("read CAs dir: %w", err)
		}

		for _, certEntry := range cas {
			if !certEntry.IsDir() {
				cert, err := os.ReadFile(filepath.Join(c.CACertsDir, certEntry.Name()))
				if err != nil {
					return nil, nil, fmt.Errorf("read CA: %w", err)
				}
				caCertPool.AppendCertsFromPEM(cert)
			}
		}
		conf.RootCAs = caCertPool
	}

	if c.ClientCertPEMPath == "" {
		return conf, nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.ClientCertPEMPath, c.ClientKeyPEMPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load x509 key pair: %w", err)
	}
	return conf, &cert, nil
}
