// Package bbolt provides a BBolt-backed secrets.Store with a durable
// enrollment id counter. When a passphrase is configured every value is
// sealed with AES-256-GCM, bound to its key path.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/pkiengine/internal/seal"
	"github.com/jmcleod/pkiengine/secrets"
)

var (
	bucketSecrets  = []byte("secrets")
	bucketMeta     = []byte("meta")
	bucketCounters = []byte("counters")

	metaSeal      = []byte("seal")
	counterEnroll = []byte("enrollment")
	canaryPlain   = []byte("pkiengine")
	canaryAAD     = []byte("canary")
)

// ErrPassphrase is returned when the passphrase does not match the one the
// database was sealed with, or a sealed database is opened without one.
var ErrPassphrase = errors.New("secret store passphrase mismatch")

// sealMeta is persisted on first open of a sealed database.
type sealMeta struct {
	Salt   []byte      `json:"salt"`
	Params seal.Params `json:"params"`
	Canary []byte      `json:"canary"`
}

// Store implements secrets.Store backed by a BBolt database.
type Store struct {
	db     *bbolt.DB
	sealer *seal.Sealer
}

var _ secrets.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	passphrase []byte
	params     seal.Params
}

// WithPassphrase seals values under a key derived from passphrase.
func WithPassphrase(passphrase []byte) Option {
	return func(o *options) {
		o.passphrase = passphrase
	}
}

// WithSealParams overrides the argon2id parameters used when a sealed
// database is first created.
func WithSealParams(p seal.Params) Option {
	return func(o *options) {
		o.params = p
	}
}

// NewStore returns a Store backed by db, creating its buckets.
func NewStore(db *bbolt.DB, opts ...Option) (*Store, error) {
	o := options{params: seal.DefaultParams()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{db: db}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSecrets, bucketMeta, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return s.initSeal(tx.Bucket(bucketMeta), o)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store.
func NewStoreFromFile(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSeal(meta *bbolt.Bucket, o options) error {
	raw := meta.Get(metaSeal)
	if raw == nil {
		if len(o.passphrase) == 0 {
			return nil
		}
		salt, err := seal.NewSalt()
		if err != nil {
			return err
		}
		sealer, err := seal.New(o.passphrase, salt, o.params)
		if err != nil {
			return err
		}
		canary, err := sealer.Seal(canaryPlain, canaryAAD)
		if err != nil {
			return err
		}
		data, err := json.Marshal(sealMeta{Salt: salt, Params: o.params, Canary: canary})
		if err != nil {
			return err
		}
		s.sealer = sealer
		return meta.Put(metaSeal, data)
	}

	if len(o.passphrase) == 0 {
		return fmt.Errorf("%w: database is sealed", ErrPassphrase)
	}
	var m sealMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decoding seal metadata: %w", err)
	}
	sealer, err := seal.New(o.passphrase, m.Salt, m.Params)
	if err != nil {
		return err
	}
	if _, err := sealer.Open(m.Canary, canaryAAD); err != nil {
		return ErrPassphrase
	}
	s.sealer = sealer
	return nil
}

func (s *Store) Get(_ context.Context, key secrets.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSecrets).Get([]byte(key.Path()))
		if v == nil {
			return fmt.Errorf("%s: %w", key, secrets.ErrNotFound)
		}
		data = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return data, nil
	}
	return s.sealer.Open(data, []byte(key.Path()))
}

func (s *Store) Set(_ context.Context, key secrets.Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data := value
	if s.sealer != nil {
		var err error
		if data, err = s.sealer.Seal(value, []byte(key.Path())); err != nil {
			return err
		}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(key.Path()), data)
	})
}

func (s *Store) List(_ context.Context, category secrets.Category, dfspID string) ([]string, error) {
	ids := []string{}
	prefix := []byte(secrets.Key{Category: category, DFSPID: dfspID}.Path() + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSecrets).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[len(prefix):]
			if len(rest) > 0 && !bytes.ContainsRune(rest, '/') {
				ids = append(ids, string(rest))
			}
		}
		return nil
	})
	return ids, err
}

func (s *Store) Delete(_ context.Context, key secrets.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		if b.Get([]byte(key.Path())) == nil {
			return fmt.Errorf("%s: %w", key, secrets.ErrNotFound)
		}
		return b.Delete([]byte(key.Path()))
	})
}

// NextID returns the next enrollment id from the database sequence.
func (s *Store) NextID(context.Context) (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketCounters).CreateBucketIfNotExists(counterEnroll)
		if err != nil {
			return err
		}
		id, err = b.NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("next enrollment id: %w", err)
	}
	return int64(id), nil
}
