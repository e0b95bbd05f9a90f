package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"golang.org/x/crypto/blake2b"
)

var (
	errVerifyRejected    = errors.New("transport: peer certificate rejected by verify callback")
	errNoPeerCertificate = errors.New("transport: peer presented no certificate")
	errNoTLSConfig       = errors.New("transport: no tls config")
)

func newVerifyContext(chain []*x509.Certificate, err error) *VerifyContext {
	vc := &VerifyContext{Chain: chain, Err: err}
	if len(chain) > 0 {
		vc.Fingerprint = blake2b.Sum256(chain[0].Raw)
	}
	return vc
}

// Fingerprint returns the BLAKE2b-256 digest used by VerifyContext for cert.
func Fingerprint(cert *x509.Certificate) [32]byte {
	return blake2b.Sum256(cert.Raw)
}

// verifyChain runs standard x509 verification of a peer chain against roots.
func verifyChain(chain []*x509.Certificate, roots *x509.CertPool, dnsName string, usage x509.ExtKeyUsage) error {
	if len(chain) == 0 {
		return errNoPeerCertificate
	}
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		DNSName:       dnsName,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	return err
}

// verifyingConfig clones base for one handshake. Without a callback the
// standard crypto/tls verification applies. With one, crypto/tls is told to
// skip verification and cb decides, given the outcome of the same checks.
func verifyingConfig(base *tls.Config, role HandshakeRole, serverName string, cb VerifyCallback) *tls.Config {
	cfg := base.Clone()
	if role == RoleClient && cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if cb == nil {
		return cfg
	}

	roots, usage, name := cfg.RootCAs, x509.ExtKeyUsageServerAuth, cfg.ServerName
	if role == RoleServer {
		roots, usage, name = cfg.ClientCAs, x509.ExtKeyUsageClientAuth, ""
		switch cfg.ClientAuth {
		case tls.NoClientCert, tls.VerifyClientCertIfGiven:
			cfg.ClientAuth = tls.RequestClientCert
		case tls.RequireAndVerifyClientCert:
			cfg.ClientAuth = tls.RequireAnyClientCert
		}
	}
	skip := cfg.InsecureSkipVerify
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		var err error
		if !skip {
			err = verifyChain(cs.PeerCertificates, roots, name, usage)
		}
		if !cb(err == nil, newVerifyContext(cs.PeerCertificates, err)) {
			if err != nil {
				return errors.Join(errVerifyRejected, err)
			}
			return errVerifyRejected
		}
		return nil
	}
	return cfg
}
