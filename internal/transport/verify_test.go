package transport

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyingConfigWithoutCallback(t *testing.T) {
	base := &tls.Config{ClientAuth: tls.RequireAndVerifyClientCert}
	cfg := verifyingConfig(base, RoleClient, "10.0.0.1", nil)

	assert.Equal(t, "10.0.0.1", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.VerifyConnection)
	assert.Empty(t, base.ServerName, "base is not modified")
}

func TestVerifyingConfigServerRequestsClientCert(t *testing.T) {
	accept := func(bool, *VerifyContext) bool { return true }
	for in, want := range map[tls.ClientAuthType]tls.ClientAuthType{
		tls.NoClientCert:               tls.RequestClientCert,
		tls.VerifyClientCertIfGiven:    tls.RequestClientCert,
		tls.RequireAndVerifyClientCert: tls.RequireAnyClientCert,
		tls.RequireAnyClientCert:       tls.RequireAnyClientCert,
	} {
		cfg := verifyingConfig(&tls.Config{ClientAuth: in}, RoleServer, "", accept)
		assert.Equal(t, want, cfg.ClientAuth, "from %v", in)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.NotNil(t, cfg.VerifyConnection)
	}
}

func TestVerifyingConfigCallbackDecides(t *testing.T) {
	tlsCfg, cert := selfSignedTLS(t)

	var seen *VerifyContext
	var pre bool
	cfg := verifyingConfig(tlsCfg, RoleClient, "127.0.0.1", func(preverified bool, ctx *VerifyContext) bool {
		pre, seen = preverified, ctx
		return true
	})
	require.NoError(t, cfg.VerifyConnection(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}))
	assert.True(t, pre)
	assert.Equal(t, Fingerprint(cert), seen.Fingerprint)

	cfg = verifyingConfig(tlsCfg, RoleClient, "127.0.0.1", func(preverified bool, ctx *VerifyContext) bool {
		pre, seen = preverified, ctx
		return false
	})
	err := cfg.VerifyConnection(tls.ConnectionState{})
	assert.ErrorIs(t, err, errVerifyRejected)
	assert.ErrorIs(t, err, errNoPeerCertificate)
	assert.False(t, pre)
	assert.ErrorIs(t, seen.Err, errNoPeerCertificate)
}
