// Package local implements backend.Backend on the local host: the cfssl
// library generates keys, CSRs and CAs and signs certificates, and the
// openssl toolkit handles inspection, verification and key wrapping.
//
// The CA private key is only ever returned encrypted under the configured
// passphrase. The passphrase itself is held in a memguard enclave.
package local

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/cfssl/config"
	"github.com/cloudflare/cfssl/csr"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/initca"
	"github.com/cloudflare/cfssl/signer"
	cfssllocal "github.com/cloudflare/cfssl/signer/local"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/toolkit"
)

// DefaultExpiry is used when neither the caller nor the CA's signing policy
// sets one.
const DefaultExpiry = 8760 * time.Hour

// DefaultUsages is the signing profile applied when a policy names none.
var DefaultUsages = []string{"signing", "key encipherment", "server auth", "client auth"}

// Backend is the local-tooling backend.
type Backend struct {
	*toolkit.Toolkit

	logger     *slog.Logger
	passphrase *memguard.Enclave

	mu sync.RWMutex
	ca *authority
}

// authority is the CA that Sign uses.
type authority struct {
	cert    *x509.Certificate
	certPEM string
	key     crypto.Signer
	policy  backend.SigningPolicy
}

var _ backend.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithToolkit overrides the toolkit used for inspection.
func WithToolkit(t *toolkit.Toolkit) Option {
	return func(b *Backend) {
		b.Toolkit = t
	}
}

// WithPassphrase sets the passphrase that protects CA private keys. The
// slice is copied into an enclave and the caller's copy is left untouched.
func WithPassphrase(passphrase []byte) Option {
	return func(b *Backend) {
		if len(passphrase) == 0 {
			return
		}
		buf := make([]byte, len(passphrase))
		copy(buf, passphrase)
		b.passphrase = memguard.NewEnclave(buf)
	}
}

// New returns a local backend. Without WithToolkit it runs "openssl" from
// PATH.
func New(opts ...Option) *Backend {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if b.Toolkit == nil {
		b.Toolkit = toolkit.New(toolkit.WithLogger(b.logger))
	}
	return b
}

// Connect checks that the toolkit binary runs.
func (b *Backend) Connect(ctx context.Context) error {
	version, err := b.Toolkit.Version(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("local backend ready", slog.String("toolkit", version))
	return nil
}

// CreateCA creates a self-signed root with cfssl and makes it the signing
// CA. The returned key is encrypted under the backend passphrase.
func (b *Backend) CreateCA(ctx context.Context, info *backend.CAInitialInfo, ttl time.Duration) (*backend.CAResult, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	passphrase, err := b.openPassphrase()
	if err != nil {
		return nil, err
	}
	defer passphrase.Destroy()

	expiry, err := resolveExpiry(ttl, info.Default)
	if err != nil {
		return nil, err
	}

	name := info.Name()
	req := &csr.CertificateRequest{
		CN:         name.CN,
		Names:      []csr.Name{{C: name.C, ST: name.ST, L: name.L, O: name.O, OU: name.OU, E: name.E}},
		Hosts:      info.CSR.Hosts,
		KeyRequest: &csr.KeyRequest{A: info.CSR.Key.Algo, S: info.CSR.Key.Size},
		CA:         &csr.CAConfig{Expiry: expiry.String()},
	}
	certPEM, csrPEM, keyPEM, err := initca.New(req)
	if err != nil {
		return nil, fmt.Errorf("%w: initialising CA: %v", backend.ErrExternal, err)
	}

	if err := b.setCA(string(certPEM), keyPEM, info.Default); err != nil {
		return nil, err
	}
	encrypted, err := b.Toolkit.EncryptKey(ctx, string(keyPEM), passphrase.Bytes())
	if err != nil {
		return nil, err
	}

	b.logger.Info("CA created",
		slog.String("cn", name.CN),
		slog.String("key", info.CSR.Key.String()),
		slog.Duration("expiry", expiry))
	return &backend.CAResult{Cert: string(certPEM), Key: encrypted, CSR: string(csrPEM)}, nil
}

// UseCA loads an existing CA certificate and key, decrypting the key with
// the backend passphrase when it is encrypted.
func (b *Backend) UseCA(ctx context.Context, certPEM, keyPEM string, policy backend.SigningPolicy) error {
	if b.Toolkit.IsEncrypted(keyPEM) {
		passphrase, err := b.openPassphrase()
		if err != nil {
			return err
		}
		keyPEM, err = b.Toolkit.DecryptKey(ctx, keyPEM, passphrase.Bytes())
		passphrase.Destroy()
		if err != nil {
			return err
		}
	}
	return b.setCA(certPEM, []byte(keyPEM), policy)
}

// CA returns the PEM of the current signing CA, or "" when none is set.
func (b *Backend) CA() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ca == nil {
		return ""
	}
	return b.ca.certPEM
}

// Sign signs csrPEM with the current CA. A zero ttl uses the CA policy's
// expiry.
func (b *Backend) Sign(_ context.Context, csrPEM string, ttl time.Duration) (string, error) {
	b.mu.RLock()
	ca := b.ca
	b.mu.RUnlock()
	if ca == nil {
		return "", backend.ErrNoCA
	}

	s, err := ca.signer(ttl)
	if err != nil {
		return "", err
	}
	cert, err := s.Sign(signer.SignRequest{Request: csrPEM})
	if err != nil {
		return "", fmt.Errorf("%w: signing CSR: %v", backend.ErrInvalidEntity, err)
	}
	return string(cert), nil
}

// CreateCSR generates a key pair and CSR with cfssl. The key is returned
// unencrypted; callers persist it through an encrypting secret store.
func (b *Backend) CreateCSR(_ context.Context, params backend.CSRParameters, keyBits int, algorithm string) (*backend.KeyPair, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	bits, algo, err := backend.ResolveKey(keyBits, algorithm)
	if err != nil {
		return nil, err
	}
	if err := checkKeySize(algo, bits); err != nil {
		return nil, err
	}

	s := params.Subject
	req := &csr.CertificateRequest{
		CN:         s.CN,
		Names:      []csr.Name{{C: s.C, ST: s.ST, L: s.L, O: s.O, OU: s.OU, E: s.EmailAddress}},
		Hosts:      params.Hosts(),
		KeyRequest: &csr.KeyRequest{A: algo, S: bits},
	}
	csrPEM, keyPEM, err := csr.ParseRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: generating CSR: %v", backend.ErrExternal, err)
	}
	return &backend.KeyPair{CSR: string(csrPEM), Key: string(keyPEM)}, nil
}

// EncryptKey wraps keyPEM under the backend passphrase.
func (b *Backend) EncryptKey(ctx context.Context, keyPEM string) (string, error) {
	passphrase, err := b.openPassphrase()
	if err != nil {
		return "", err
	}
	defer passphrase.Destroy()
	return b.Toolkit.EncryptKey(ctx, keyPEM, passphrase.Bytes())
}

// DecryptKey unwraps keyPEM with the backend passphrase.
func (b *Backend) DecryptKey(ctx context.Context, keyPEM string) (string, error) {
	if !b.Toolkit.IsEncrypted(keyPEM) {
		return keyPEM, nil
	}
	passphrase, err := b.openPassphrase()
	if err != nil {
		return "", err
	}
	defer passphrase.Destroy()
	return b.Toolkit.DecryptKey(ctx, keyPEM, passphrase.Bytes())
}

func (b *Backend) openPassphrase() (*memguard.LockedBuffer, error) {
	if b.passphrase == nil {
		return nil, backend.ErrNoPassphrase
	}
	buf, err := b.passphrase.Open()
	if err != nil {
		return nil, fmt.Errorf("opening passphrase enclave: %w", err)
	}
	return buf, nil
}

func (b *Backend) setCA(certPEM string, keyPEM []byte, policy backend.SigningPolicy) error {
	cert, err := helpers.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return fmt.Errorf("%w: CA certificate: %v", backend.ErrInvalidEntity, err)
	}
	key, err := helpers.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("%w: CA key: %v", backend.ErrInvalidEntity, err)
	}
	if policy.Expiry != "" {
		if _, err := policy.ExpiryDuration(); err != nil {
			return &backend.InputError{Field: "default.expiry", Reason: err.Error()}
		}
	}

	b.mu.Lock()
	b.ca = &authority{cert: cert, certPEM: certPEM, key: key, policy: policy}
	b.mu.Unlock()
	return nil
}

func (a *authority) signer(ttl time.Duration) (*cfssllocal.Signer, error) {
	expiry, err := resolveExpiry(ttl, a.policy)
	if err != nil {
		return nil, err
	}
	usages := a.policy.Usages
	if len(usages) == 0 {
		usages = DefaultUsages
	}
	policy := &config.Signing{
		Profiles: map[string]*config.SigningProfile{},
		Default: &config.SigningProfile{
			Usage:        usages,
			Expiry:       expiry,
			ExpiryString: expiry.String(),
		},
	}
	s, err := cfssllocal.NewSigner(a.key, a.cert, signatureAlgorithm(a.key, a.policy.SignatureAlgorithm), policy)
	if err != nil {
		return nil, fmt.Errorf("%w: building signer: %v", backend.ErrExternal, err)
	}
	return s, nil
}

func resolveExpiry(ttl time.Duration, policy backend.SigningPolicy) (time.Duration, error) {
	if ttl > 0 {
		return ttl, nil
	}
	if policy.Expiry == "" {
		return DefaultExpiry, nil
	}
	d, err := policy.ExpiryDuration()
	if err != nil {
		return 0, &backend.InputError{Field: "default.expiry", Reason: err.Error()}
	}
	return d, nil
}

var knownSignatureAlgorithms = []x509.SignatureAlgorithm{
	x509.SHA256WithRSA, x509.SHA384WithRSA, x509.SHA512WithRSA,
	x509.ECDSAWithSHA256, x509.ECDSAWithSHA384, x509.ECDSAWithSHA512,
	x509.SHA256WithRSAPSS, x509.SHA384WithRSAPSS, x509.SHA512WithRSAPSS,
}

// signatureAlgorithm maps a policy name such as "SHA256WithRSA" onto x509,
// falling back to cfssl's choice for the key.
func signatureAlgorithm(key crypto.Signer, name string) x509.SignatureAlgorithm {
	for _, alg := range knownSignatureAlgorithms {
		if strings.EqualFold(alg.String(), name) {
			return alg
		}
	}
	return signer.DefaultSigAlgo(key)
}

func checkKeySize(algo string, bits int) error {
	switch algo {
	case backend.AlgoRSA:
		if bits < 2048 || bits > 8192 {
			return &backend.InputError{Field: "keyBits", Reason: fmt.Sprintf("RSA keys must be 2048-8192 bits, got %d", bits)}
		}
	case backend.AlgoECDSA:
		if bits != 256 && bits != 384 && bits != 521 {
			return &backend.InputError{Field: "keyBits", Reason: fmt.Sprintf("ECDSA curves are 256, 384 or 521, got %d", bits)}
		}
	}
	return nil
}
