package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fakeClock(s *Store, start time.Time) *time.Time {
	now := start
	s.now = func() time.Time { return now }
	return &now
}

func fp(b byte) [32]byte {
	var f [32]byte
	f[0] = b
	return f
}

func TestPinAndLookup(t *testing.T) {
	s := newTestStore(t)
	now := fakeClock(s, time.Unix(1000, 0))

	got, err := s.Lookup(fp(1))
	require.NoError(t, err)
	assert.Nil(t, got)

	e, err := s.Pin(fp(1), "node1", "CN=node1")
	require.NoError(t, err)
	assert.Equal(t, Trusted, e.Status)
	assert.Equal(t, int64(1000), e.FirstSeen)
	assert.Equal(t, "01"+strings.Repeat("00", 31), e.Fingerprint)

	*now = time.Unix(2000, 0)
	e, err = s.Pin(fp(1), "", "")
	require.NoError(t, err)
	assert.Equal(t, "node1", e.Name, "empty name keeps the stored one")
	assert.Equal(t, int64(1000), e.FirstSeen)

	got, err = s.Lookup(fp(1))
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestRevokeUnknown(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Revoke(fp(2))
	require.NoError(t, err)
	assert.Equal(t, Revoked, e.Status)

	e, err = s.Pin(fp(2), "back", "")
	require.NoError(t, err)
	assert.Equal(t, Trusted, e.Status)
}

func TestTouchAndRemove(t *testing.T) {
	s := newTestStore(t)
	now := fakeClock(s, time.Unix(10, 0))

	assert.ErrorIs(t, s.Touch(fp(3)), ErrNotFound)
	assert.ErrorIs(t, s.Remove(fp(3)), ErrNotFound)

	_, err := s.Pin(fp(3), "x", "")
	require.NoError(t, err)
	*now = time.Unix(20, 0)
	require.NoError(t, s.Touch(fp(3)))

	e, err := s.Lookup(fp(3))
	require.NoError(t, err)
	assert.Equal(t, int64(20), e.LastSeen)

	require.NoError(t, s.Remove(fp(3)))
	e, err = s.Lookup(fp(3))
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestAllAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Pin(fp(5), "b", "")
	require.NoError(t, err)
	_, err = s.Revoke(fp(4))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, Revoked, all[0].Status, "keys iterate in byte order")
	assert.Equal(t, "b", all[1].Name)
}

func TestParseFingerprint(t *testing.T) {
	want := fp(9)
	got, err := ParseFingerprint(hex.EncodeToString(want[:]))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseFingerprint("zz")
	assert.Error(t, err)
	_, err = ParseFingerprint("abcd")
	assert.Error(t, err)
}

func TestReadCertificates(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "node7"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "cert.pem")
	body := pem.EncodeToMemory(&pem.Block{Type: "EC PARAMETERS", Bytes: []byte{1}})
	body = append(body, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	certs, err := ReadCertificates(path)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "node7", certs[0].Subject.CommonName)
	assert.Equal(t, der, certs[0].Raw)

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = ReadCertificates(empty)
	assert.Error(t, err)
}
