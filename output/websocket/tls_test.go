package websocket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/errors"
	"github.com/c360/poselink/pkg/security"
)

// selfSigned writes a certificate for 127.0.0.1 and returns its paths and
// a pool trusting it.
func selfSigned(t *testing.T) (certFile, keyFile string, pool *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "poselink-test"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	pool = x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return certFile, keyFile, pool
}

func TestOutput_TLS(t *testing.T) {
	certFile, keyFile, pool := selfSigned(t)

	out, err := NewOutput(Config{
		Bind: "127.0.0.1",
		TLS:  security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	}, Deps{})
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	defer func() { _ = out.Stop(2 * time.Second) }()

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial("wss://"+out.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitClients(t, out, 1)

	_, _, err = websocket.DefaultDialer.Dial("ws://"+out.Addr()+"/ws", nil)
	assert.Error(t, err, "plain connections are refused")
}

func TestOutput_TLSMissingCertificate(t *testing.T) {
	out, err := NewOutput(Config{
		Bind: "127.0.0.1",
		TLS:  security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	}, Deps{})
	require.NoError(t, err)

	err = out.Start(context.Background())
	assert.True(t, errors.IsFatal(err))
	assert.Empty(t, out.Addr())
}

func TestConfig_ValidateTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS = security.ServerTLSConfig{Enabled: true, CertFile: "cert.pem"}
	assert.True(t, errors.IsInvalid(cfg.Validate()))
}
