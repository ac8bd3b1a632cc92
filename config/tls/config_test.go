package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dev-1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "dev.crt")
	keyPath = filepath.Join(dir, "dev.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestParse(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeyPair(t, dir)

	caDir := filepath.Join(dir, "ca")
	require.NoError(t, os.Mkdir(caDir, 0o700))
	ca, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(caDir, "root.pem"), ca, 0o600))

	c := TLSConfig{
		CACertsDir:        caDir,
		ClientCertPEMPath: certPath,
		ClientKeyPEMPath:  keyPath,
		ServerName:        "hub.example.net",
	}
	conf, cert, err := c.Parse()
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.NotNil(t, conf.RootCAs)
	assert.Equal(t, "hub.example.net", conf.ServerName)
	assert.Empty(t, conf.Certificates)
}

func TestParseWithoutCertificate(t *testing.T) {
	var c TLSConfig
	conf, cert, err := c.Parse()
	require.NoError(t, err)
	assert.Nil(t, cert)
	assert.Nil(t, conf.RootCAs)
}

func TestValidate(t *testing.T) {
	c := TLSConfig{ClientCertPEMPath: "dev.crt"}
	require.Error(t, c.Validate())

	c = TLSConfig{ClientCertPEMPath: "missing.crt", ClientKeyPEMPath: "missing.key"}
	_, _, err := c.Parse()
	require.Error(t, err)
}
