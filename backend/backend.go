// Package backend defines the Crypto Backend contract: CA creation, CSR
// generation and signing, and the inspection and chain-verification
// primitives the validation engine is built on.
//
// Two implementations exist. backend/local drives the cfssl CA-signing
// library and the openssl toolkit on the local host; backend/vault delegates
// key generation, signing and storage to HashiCorp Vault. Everything above
// this package depends only on these interfaces.
package backend

import (
	"context"
	"time"

	"github.com/jmcleod/pkiengine/certinfo"
)

// KeyKind selects how ComputeKeyModulus interprets its input.
type KeyKind string

const (
	KindCertificate KeyKind = "certificate"
	KindCSR         KeyKind = "csr"
	KindPrivateKey  KeyKind = "private_key"
)

// RootState classifies a root certificate.
type RootState string

const (
	RootValidSelfSigned RootState = "VALID_SELF_SIGNED"
	RootValidSigned     RootState = "VALID_SIGNED"
	RootInvalid         RootState = "INVALID"
)

// VerifyResult is the outcome of a chain verification. Output carries the
// tool's raw output for operator diagnosis.
type VerifyResult struct {
	Valid  bool   `json:"result"`
	Output string `json:"output"`
}

// RootValidation is the outcome of ValidateRootCertificate.
type RootValidation struct {
	State  RootState `json:"state"`
	Output string    `json:"output"`
}

// CAResult is returned by CreateCA. Key is empty when the backend keeps the
// private key to itself; CSR is empty when the backend does not expose it.
type CAResult struct {
	Cert string `json:"cert"`
	Key  string `json:"key,omitempty"`
	CSR  string `json:"csr,omitempty"`
}

// KeyPair is a freshly generated CSR and its private key.
type KeyPair struct {
	CSR string `json:"csr"`
	Key string `json:"key"`
}

// Default key parameters for CreateCSR.
const (
	DefaultKeyBits   = 4096
	DefaultAlgorithm = "rsa"
)

// Inspector is the read-only half of the contract: everything the
// validation engine needs. Both backends share the toolkit implementation.
type Inspector interface {
	// CSRInfo and CertInfo normalise a PEM document.
	CSRInfo(ctx context.Context, csrPEM string) (*certinfo.CSRInfo, error)
	CertInfo(ctx context.Context, certPEM string) (*certinfo.CertInfo, error)

	// CertificateText and CSRText return the toolkit's printed text form.
	CertificateText(ctx context.Context, certPEM string) (string, error)
	CSRText(ctx context.Context, csrPEM string) (string, error)

	// VerifyCSRSignature checks the request's self-signature.
	VerifyCSRSignature(ctx context.Context, csrPEM string) (*VerifyResult, error)

	// VerifyCertificateSigning verifies cert against an optional root and an
	// optional untrusted intermediate chain.
	VerifyCertificateSigning(ctx context.Context, certPEM, rootPEM, chainPEM string) (*VerifyResult, error)

	// ValidateRootCertificate classifies a root as self-signed, signed by a
	// globally trusted root, or invalid.
	ValidateRootCertificate(ctx context.Context, rootPEM string) (*RootValidation, error)

	// ComputeKeyModulus returns the public-key modulus of a certificate, CSR
	// or private key so that different artifacts can be proven to share a key.
	ComputeKeyModulus(ctx context.Context, source string, kind KeyKind) (string, error)

	// IsEncrypted reports whether a PEM private key is passphrase-protected.
	IsEncrypted(keyPEM string) bool
}

// Backend is the full Crypto Backend contract.
type Backend interface {
	Inspector

	// Connect prepares the backend for use (e.g. authenticates against the
	// secrets engine). It must be called before any other operation.
	Connect(ctx context.Context) error

	// CreateCA creates a new root CA and makes it the CA used by Sign. A zero
	// ttl uses the expiry from info's signing policy.
	CreateCA(ctx context.Context, info *CAInitialInfo, ttl time.Duration) (*CAResult, error)

	// Sign signs a CSR with the current CA. A zero ttl uses the backend's
	// default signing expiry.
	Sign(ctx context.Context, csrPEM string, ttl time.Duration) (string, error)

	// CreateCSR generates a key pair and a CSR for params. Zero keyBits and
	// empty algorithm select DefaultKeyBits and DefaultAlgorithm.
	CreateCSR(ctx context.Context, params CSRParameters, keyBits int, algorithm string) (*KeyPair, error)
}
