// Package trust maintains the local peer database: certificate fingerprints
// that have been pinned as trusted or revoked.
//
// The store is a single bbolt file. Keys are the raw BLAKE2b-256 digests
// reported in transport.VerifyContext; values are JSON encoded entries.
package trust

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPeers = []byte("peers")

// ErrNotFound is returned when a fingerprint has no entry.
var ErrNotFound = errors.New("trust: fingerprint not found")

// Status is the trust decision recorded for a fingerprint.
type Status string

const (
	Trusted Status = "trusted"
	Revoked Status = "revoked"
)

// Entry is one peer record.
type Entry struct {
	Fingerprint string `json:"fingerprint"` // hex
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	Status      Status `json:"status"`
	FirstSeen   int64  `json:"first_seen"` // Unix seconds
	LastSeen    int64  `json:"last_seen"`  // Unix seconds; 0 until a handshake matches
}

// Store is a persistent fingerprint database backed by bbolt.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("trust: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn on the entry for fp inside one write transaction. fn gets a
// zero Entry and found=false when there is none; an error from fn aborts the
// transaction.
func (s *Store) update(fp [32]byte, fn func(e *Entry, found bool) error) (*Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		var found bool
		if data := bkt.Get(fp[:]); data != nil {
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			found = true
		}
		if err := fn(&out, found); err != nil {
			return err
		}
		data, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return bkt.Put(fp[:], data)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Pin marks fp as trusted, creating the entry if needed. An empty name or
// subject keeps the stored value.
func (s *Store) Pin(fp [32]byte, name, subject string) (*Entry, error) {
	now := s.now().Unix()
	return s.update(fp, func(e *Entry, found bool) error {
		if !found {
			e.Fingerprint = hex.EncodeToString(fp[:])
			e.FirstSeen = now
		}
		if name != "" {
			e.Name = name
		}
		if subject != "" {
			e.Subject = subject
		}
		e.Status = Trusted
		return nil
	})
}

// Revoke marks fp as revoked. Unknown fingerprints are recorded so that a
// certificate can be refused before it is ever seen.
func (s *Store) Revoke(fp [32]byte) (*Entry, error) {
	now := s.now().Unix()
	return s.update(fp, func(e *Entry, found bool) error {
		if !found {
			e.Fingerprint = hex.EncodeToString(fp[:])
			e.FirstSeen = now
		}
		e.Status = Revoked
		return nil
	})
}

// Touch records a successful handshake against an existing entry.
func (s *Store) Touch(fp [32]byte) error {
	now := s.now().Unix()
	_, err := s.update(fp, func(e *Entry, found bool) error {
		if !found {
			return ErrNotFound
		}
		e.LastSeen = now
		return nil
	})
	return err
}

// Remove deletes the entry for fp.
func (s *Store) Remove(fp [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		if bkt.Get(fp[:]) == nil {
			return ErrNotFound
		}
		return bkt.Delete(fp[:])
	})
}

// Lookup returns the entry for fp, or nil when there is none.
func (s *Store) Lookup(fp [32]byte) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get(fp[:])
		if data == nil {
			return nil
		}
		e = &Entry{}
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// All returns every entry in key order.
func (s *Store) All() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ParseFingerprint decodes the hex form printed by asioctl.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("trust: fingerprint: %w", err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("trust: fingerprint: want %d bytes, got %d", len(fp), len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

// ReadCertificates parses every CERTIFICATE block in a PEM file.
func ReadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trust: %s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("trust: %s: no certificates found", path)
	}
	return certs, nil
}
