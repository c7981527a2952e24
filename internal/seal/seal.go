// Package seal encrypts blobs at rest with AES-256-GCM under a key derived
// from a passphrase with argon2id. The derived key lives in a memguard
// enclave between uses.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const (
	keySize  = 32
	saltSize = 16
	scheme   = "aes256gcm"
)

// ErrOpen is returned when a sealed blob cannot be authenticated.
var ErrOpen = errors.New("sealed blob could not be opened")

// Params are the argon2id cost parameters.
type Params struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams returns the argon2id parameters used for new stores.
func DefaultParams() Params {
	return Params{Time: 1, MemoryKiB: 64 * 1024, Parallelism: 4}
}

// Envelope is the stored form of a sealed blob.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Sealer seals and opens blobs with one derived key.
type Sealer struct {
	key *memguard.Enclave
}

// NewSalt returns a random salt for New.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// New derives the sealing key from passphrase and salt.
func New(passphrase, salt []byte, params Params) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("seal: passphrase is required")
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("seal: salt must be at least %d bytes", saltSize)
	}
	key := argon2.IDKey(passphrase, salt, params.Time, params.MemoryKiB, params.Parallelism, keySize)
	return &Sealer{key: memguard.NewEnclave(key)}, nil
}

// Seal encrypts plaintext bound to aad and returns the encoded envelope.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	env := Envelope{
		Ver:        1,
		Scheme:     scheme,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
	}
	return json.Marshal(env)
}

// Open decrypts an envelope produced by Seal with the same aad.
func (s *Sealer) Open(data, aad []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != scheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrOpen, len(env.Nonce))
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
