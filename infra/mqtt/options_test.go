package mqtt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pemFiles struct {
	cert, key, ca string
}

// writeVehicleCert writes a self-signed client certificate as a fleet
// gateway would present it.
func writeVehicleCert(t *testing.T) pemFiles {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "qg-gateway", Organization: []string{"SDMIS"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	f := pemFiles{
		cert: filepath.Join(dir, "gateway.crt"),
		key:  filepath.Join(dir, "gateway.key"),
		ca:   filepath.Join(dir, "ca.crt"),
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(f.cert, certPEM, 0o600))
	require.NoError(t, os.WriteFile(f.key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	require.NoError(t, os.WriteFile(f.ca, certPEM, 0o600))
	return f
}

func TestLoadTLSConfig(t *testing.T) {
	f := writeVehicleCert(t)

	full, err := Config{ClientCert: f.cert, ClientKey: f.key, CABundle: f.ca}.LoadTLSConfig()
	require.NoError(t, err)
	assert.Len(t, full.Certificates, 1)
	assert.NotNil(t, full.RootCAs)

	caOnly, err := Config{CABundle: f.ca}.LoadTLSConfig()
	require.NoError(t, err)
	assert.Empty(t, caOnly.Certificates)
	assert.NotNil(t, caOnly.RootCAs)

	system, err := Config{}.LoadTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, system.RootCAs)

	_, err = Config{ClientCert: f.cert}.LoadTLSConfig()
	assert.ErrorContains(t, err, "set together")

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = Config{CABundle: empty}.LoadTLSConfig()
	assert.ErrorContains(t, err, "no certificate")
}

func TestNewClientOptionsAuthMethods(t *testing.T) {
	f := writeVehicleCert(t)
	base := Config{Broker: "tcp://localhost:1883", ClientID: "qg", Username: "u", Password: "p"}

	opts, err := NewClientOptions(base)
	require.NoError(t, err)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.Nil(t, opts.TLSConfig)

	cert := base
	cert.AuthMethod = "certificate"
	cert.ClientCert, cert.ClientKey = f.cert, f.key
	opts, err = NewClientOptions(cert)
	require.NoError(t, err)
	assert.Empty(t, opts.Username)
	require.NotNil(t, opts.TLSConfig)
	assert.Len(t, opts.TLSConfig.Certificates, 1)

	both := cert
	both.AuthMethod = "both"
	opts, err = NewClientOptions(both)
	require.NoError(t, err)
	assert.Equal(t, "u", opts.Username)
	assert.Len(t, opts.TLSConfig.Certificates, 1)

	missing := base
	missing.AuthMethod = "certificate"
	_, err = NewClientOptions(missing)
	assert.ErrorContains(t, err, "requires client_cert")

	bogus := base
	bogus.AuthMethod = "kerberos"
	_, err = NewClientOptions(bogus)
	assert.ErrorContains(t, err, "unknown auth_method")
}

func TestSubscribesTelemetryTopics(t *testing.T) {
	mc := &mockClient{}
	defer useMock(mc)()
	_, err := NewIngress(Config{Broker: "tcp://localhost:1883", ClientID: "id", TopicPrefix: "fleet", QoS: 1}, &fakeRouter{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []subscription{{"fleet/+/position", 1}, {"fleet/+/status", 1}}, mc.subscribed)
}

func TestLastWillConfigured(t *testing.T) {
	mc := &mockClient{}
	defer useMock(mc)()
	in, err := NewIngress(Config{Broker: "tcp://localhost:1883", ClientID: "id", LWTTopic: "qg/status", LWTPayload: "offline", LWTQoS: 1}, &fakeRouter{}, nil)
	require.NoError(t, err)
	defer in.Close()
	assert.True(t, mc.opts.WillEnabled)
	assert.Equal(t, "qg/status", mc.opts.WillTopic)
	assert.Equal(t, "offline", string(mc.opts.WillPayload))
}

func TestConnectError(t *testing.T) {
	mc := &mockClient{connectErr: errors.New("refused")}
	defer useMock(mc)()
	_, err := NewIngress(Config{}, &fakeRouter{}, nil)
	assert.EqualError(t, err, "refused")
	assert.Empty(t, mc.subscribed)
}
