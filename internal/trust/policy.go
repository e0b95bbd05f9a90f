package trust

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/astra-zhao/FISCO-BCOS/internal/logging"
	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
)

// Mode selects how Verifier combines x509 verification with the store.
type Mode string

const (
	// ModeCA accepts chains that verify against the configured roots.
	ModeCA Mode = "ca"
	// ModePin accepts only fingerprints pinned as trusted.
	ModePin Mode = "pin"
	// ModeTOFU pins the first certificate seen from an unknown peer.
	ModeTOFU Mode = "tofu"
)

// ParseMode accepts "ca", "pin" and "tofu". Empty means ModeCA.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCA, nil
	case ModeCA, ModePin, ModeTOFU:
		return m, nil
	}
	return "", fmt.Errorf("trust: unknown mode %q", s)
}

// Verifier returns a verify callback enforcing mode against s. Revoked
// fingerprints are refused in every mode. Accepted peers with an entry get
// their LastSeen updated.
func Verifier(s *Store, mode Mode, log *logging.Logger) transport.VerifyCallback {
	return func(preverified bool, vc *transport.VerifyContext) bool {
		if len(vc.Chain) == 0 {
			return mode == ModeCA && preverified
		}
		fp := vc.Fingerprint
		id := hex.EncodeToString(fp[:])

		e, err := s.Lookup(fp)
		if err != nil {
			log.Err().Str("fingerprint", id).Err(err).Log("trust lookup failed")
			return false
		}
		if e != nil && e.Status == Revoked {
			log.Warning().Str("fingerprint", id).Str("name", e.Name).Log("peer certificate revoked")
			return false
		}

		var ok bool
		switch mode {
		case ModePin:
			ok = e != nil
		case ModeTOFU:
			if e == nil {
				subject := vc.Chain[0].Subject.String()
				if e, err = s.Pin(fp, "", subject); err != nil {
					log.Err().Str("fingerprint", id).Err(err).Log("trust pin failed")
					return false
				}
				log.Notice().Str("fingerprint", id).Str("subject", subject).Log("pinned new peer")
			}
			ok = true
		default:
			ok = preverified
		}

		if !ok {
			log.Info().Str("fingerprint", id).Str("mode", string(mode)).Log("peer certificate not trusted")
			return false
		}
		if e != nil {
			if err := s.Touch(fp); err != nil {
				log.Warning().Str("fingerprint", id).Err(err).Log("trust touch failed")
			}
		}
		return true
	}
}
