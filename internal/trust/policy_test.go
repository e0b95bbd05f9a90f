package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
)

func peer(b byte, cn string) *transport.VerifyContext {
	return &transport.VerifyContext{
		Chain:       []*x509.Certificate{{Subject: pkix.Name{CommonName: cn}}},
		Fingerprint: fp(b),
	}
}

func selfSignedPair(t *testing.T) (srv, cli *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	srv = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	return srv, &tls.Config{MinVersion: tls.VersionTLS12}
}

func runTCP(t *testing.T, io *transport.TCPIO) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- io.Run(context.Background()) }()
	t.Cleanup(func() {
		io.Stop()
		<-done
	})
}

func await(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeCA, "ca": ModeCA, " PIN ": ModePin, "tofu": ModeTOFU} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("trust-me")
	assert.Error(t, err)
}

func TestVerifierCA(t *testing.T) {
	s := newTestStore(t)
	cb := Verifier(s, ModeCA, nil)

	assert.True(t, cb(true, peer(1, "a")))
	assert.False(t, cb(false, peer(1, "a")))

	_, err := s.Revoke(fp(1))
	require.NoError(t, err)
	assert.False(t, cb(true, peer(1, "a")), "revoked beats a valid chain")
}

func TestVerifierPin(t *testing.T) {
	s := newTestStore(t)
	cb := Verifier(s, ModePin, nil)

	assert.False(t, cb(true, peer(2, "b")), "valid chain is not enough")

	_, err := s.Pin(fp(2), "b", "")
	require.NoError(t, err)
	assert.True(t, cb(false, peer(2, "b")), "pinned self-signed peer")

	e, err := s.Lookup(fp(2))
	require.NoError(t, err)
	assert.NotZero(t, e.LastSeen)
}

func TestVerifierTOFU(t *testing.T) {
	s := newTestStore(t)
	cb := Verifier(s, ModeTOFU, nil)

	assert.True(t, cb(false, peer(3, "node3")))
	e, err := s.Lookup(fp(3))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, Trusted, e.Status)
	assert.Equal(t, "CN=node3", e.Subject)

	_, err = s.Revoke(fp(3))
	require.NoError(t, err)
	assert.False(t, cb(false, peer(3, "node3")))
}

func TestVerifierNoChain(t *testing.T) {
	s := newTestStore(t)
	empty := &transport.VerifyContext{}

	assert.True(t, Verifier(s, ModeCA, nil)(true, empty))
	assert.False(t, Verifier(s, ModePin, nil)(true, empty))
	assert.False(t, Verifier(s, ModeTOFU, nil)(true, empty))

	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestVerifierOverTLS(t *testing.T) {
	s := newTestStore(t)
	srvTLS, cliTLS := selfSignedPair(t)

	io := transport.NewTCP(transport.WithThreads(2), transport.WithTLSConfig(srvTLS))
	require.NoError(t, io.Init("127.0.0.1", 0))
	runTCP(t, io)
	cli := transport.NewTCP(transport.WithThreads(1), transport.WithTLSConfig(cliTLS))
	runTCP(t, cli)

	handshake := func() error {
		server := io.NewSocket(transport.Endpoint{})
		acceptErr := make(chan error, 1)
		io.Accept(server, func(err error) {
			if err != nil {
				acceptErr <- err
				return
			}
			io.Handshake(server, transport.RoleServer, func(err error) { acceptErr <- err })
		})

		ep := io.Acceptor().Endpoint()
		sock := cli.NewSocket(ep)
		done := make(chan error, 1)
		cli.Connect(sock, ep, func(err error) {
			if err != nil {
				done <- err
				return
			}
			cli.SetVerifyCallback(sock, Verifier(s, ModeTOFU, nil))
			cli.Handshake(sock, transport.RoleClient, func(err error) { done <- err })
		})
		err := await(t, done)
		await(t, acceptErr) //nolint:errcheck
		sock.Close()
		server.Close()
		return err
	}

	require.NoError(t, handshake(), "first contact is pinned")
	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "CN=127.0.0.1", all[0].Subject)

	pinned, err := ParseFingerprint(all[0].Fingerprint)
	require.NoError(t, err)
	_, err = s.Revoke(pinned)
	require.NoError(t, err)
	assert.Error(t, handshake(), "revoked certificate is refused")
}
