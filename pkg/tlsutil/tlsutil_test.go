package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/pkg/security"
)

// writeTestCert creates a self-signed certificate for cn and writes the
// PEM files to dir. The certificate doubles as its own CA.
func writeTestCert(t *testing.T, dir, cn string) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		DNSNames:              []string{cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certFile = filepath.Join(dir, cn+"-cert.pem")
	keyFile = filepath.Join(dir, cn+"-key.pem")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0644))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}), 0600))
	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "localhost")

	tests := []struct {
		name    string
		cfg     security.ServerTLSConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: security.ServerTLSConfig{}, wantNil: true},
		{name: "TLS 1.3", cfg: security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"}},
		{name: "TLS 1.2", cfg: security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.2"}},
		{name: "missing cert file", cfg: security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: keyFile}, wantErr: true},
		{name: "missing key file", cfg: security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: "/nonexistent/key.pem"}, wantErr: true},
		{name: "missing client CA", cfg: security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
			MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{"/nonexistent/ca.pem"}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Len(t, got.Certificates, 1)
			assert.Equal(t, parseTLSVersion(tt.cfg.MinVersion), got.MinVersion)
			assert.Equal(t, tls.NoClientCert, got.ClientAuth)
		})
	}
}

func TestLoadServerTLSConfig_MTLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "localhost")
	caFile, _ := writeTestCert(t, dir, "rig-client")

	base := security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}

	base.MTLS = security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{caFile}, RequireClientCert: true}
	got, err := LoadServerTLSConfig(base)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, got.ClientAuth)
	assert.NotNil(t, got.ClientCAs)
	assert.Nil(t, got.VerifyPeerCertificate)

	base.MTLS.RequireClientCert = false
	base.MTLS.AllowedClientCNs = []string{"rig-client"}
	got, err = LoadServerTLSConfig(base)
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, got.ClientAuth)
	assert.NotNil(t, got.VerifyPeerCertificate)
}

func TestLoadClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	caFile, _ := writeTestCert(t, dir, "nats")
	clientCert, clientKey := writeTestCert(t, dir, "poselink")

	tests := []struct {
		name    string
		cfg     security.ClientTLSConfig
		wantErr bool
		checkFn func(*testing.T, *tls.Config)
	}{
		{
			name: "system CA pool",
			cfg:  security.ClientTLSConfig{Enabled: true},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.NotNil(t, c.RootCAs)
				assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
				assert.False(t, c.InsecureSkipVerify)
				assert.Empty(t, c.Certificates)
			},
		},
		{
			name: "additional CA and TLS 1.3",
			cfg:  security.ClientTLSConfig{Enabled: true, CAFiles: []string{caFile}, MinVersion: "1.3"},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
			},
		},
		{
			name: "insecure skip verify",
			cfg:  security.ClientTLSConfig{Enabled: true, InsecureSkipVerify: true},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.True(t, c.InsecureSkipVerify)
			},
		},
		{
			name: "client certificate",
			cfg: security.ClientTLSConfig{Enabled: true,
				MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: clientCert, KeyFile: clientKey}},
			checkFn: func(t *testing.T, c *tls.Config) {
				assert.Len(t, c.Certificates, 1)
			},
		},
		{
			name:    "missing CA file",
			cfg:     security.ClientTLSConfig{Enabled: true, CAFiles: []string{"/nonexistent/ca.pem"}},
			wantErr: true,
		},
		{
			name:    "CA file is not PEM",
			cfg:     security.ClientTLSConfig{Enabled: true, CAFiles: []string{writeGarbage(t, dir)}},
			wantErr: true,
		},
		{
			name: "missing client key",
			cfg: security.ClientTLSConfig{Enabled: true,
				MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: clientCert, KeyFile: "/nonexistent/key.pem"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadClientTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			if tt.checkFn != nil {
				tt.checkFn(t, got)
			}
		})
	}
}

func writeGarbage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0644))
	return path
}

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
	}{
		{"1.3", tls.VersionTLS13},
		{"1.2", tls.VersionTLS12},
		{"", tls.VersionTLS12},
		{"invalid", tls.VersionTLS12},
		{"1.1", tls.VersionTLS12},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTLSVersion(tt.version))
		})
	}
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "rig-client"}}
	chains := [][]*x509.Certificate{{leaf}}

	assert.NoError(t, verifyAllowedClientCN(chains, []string{"other", "rig-client"}))
	assert.ErrorContains(t, verifyAllowedClientCN(chains, []string{"other"}), "not in allowed list")
	assert.Error(t, verifyAllowedClientCN(nil, []string{"rig-client"}))
}

// handshake runs a TLS handshake between server and client over loopback TCP.
func handshake(t *testing.T, server, client *tls.Config) (serverErr, clientErr error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		done <- tls.Server(conn, server).Handshake()
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	clientErr = tls.Client(conn, client).Handshake()
	return <-done, clientErr
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey := writeTestCert(t, dir, "localhost")
	clientCert, clientKey := writeTestCert(t, dir, "rig-client")
	strangerCert, strangerKey := writeTestCert(t, dir, "stranger")

	serverCfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: serverCert, KeyFile: serverKey,
		MTLS: security.ServerMTLSConfig{
			Enabled:           true,
			ClientCAFiles:     []string{clientCert, strangerCert},
			RequireClientCert: true,
			AllowedClientCNs:  []string{"rig-client"},
		},
	})
	require.NoError(t, err)

	clientFor := func(cert, key string) *tls.Config {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
			Enabled: true,
			CAFiles: []string{serverCert},
			MTLS:    security.ClientMTLSConfig{Enabled: true, CertFile: cert, KeyFile: key},
		})
		require.NoError(t, err)
		cfg.ServerName = "localhost"
		return cfg
	}

	serverErr, clientErr := handshake(t, serverCfg, clientFor(clientCert, clientKey))
	assert.NoError(t, serverErr)
	assert.NoError(t, clientErr)

	serverErr, _ = handshake(t, serverCfg, clientFor(strangerCert, strangerKey))
	assert.ErrorContains(t, serverErr, "not in allowed list")
}
