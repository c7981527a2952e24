package validation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Policy selects the thresholds the rule sets use.
type Policy struct {
	// KeyLength is 2048 or 4096 and picks the *_PUBLIC_KEY_LENGTH_* variant
	// for server-certificate and enrollment sets.
	KeyLength int
	// SignatureAlgorithms are the accepted CSR signature digest families.
	SignatureAlgorithms []string
}

// DefaultPolicy requires 4096-bit keys and sha256 or sha512 signatures.
func DefaultPolicy() Policy {
	return Policy{KeyLength: 4096, SignatureAlgorithms: []string{"sha256", "sha512"}}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.KeyLength != 2048 && p.KeyLength != 4096 {
		return fmt.Errorf("policy key length must be 2048 or 4096, got %d", p.KeyLength)
	}
	if len(p.SignatureAlgorithms) == 0 {
		return errors.New("policy needs at least one signature algorithm")
	}
	return nil
}

// acceptsSignature reports whether alg, as printed by the toolkit (for
// example sha256WithRSAEncryption), belongs to an accepted family.
func (p Policy) acceptsSignature(alg string) bool {
	alg = strings.ToLower(alg)
	return slices.ContainsFunc(p.SignatureAlgorithms, func(family string) bool {
		return strings.Contains(alg, strings.ToLower(family))
	})
}

func (p Policy) certificateKeyLength() Code {
	if p.KeyLength == 2048 {
		return CertificatePublicKeyLength2048
	}
	return CertificatePublicKeyLength4096
}

func (p Policy) csrKeyLength() Code {
	if p.KeyLength == 2048 {
		return CSRPublicKeyLength2048
	}
	return CSRPublicKeyLength4096
}

// Set is a named, ordered list of codes.
type Set struct {
	Name  string
	Codes []Code
}

// Rule set names.
const (
	SetServerCert = "serverCertValidations"
	SetCA         = "dfspCaValidations"
	SetJWSCert    = "jwsCertValidations"
	SetInbound    = "inboundValidations"
	SetOutbound   = "outboundValidations"
)

// ServerCertSet judges a TLS server certificate with its CA chain.
func ServerCertSet(p Policy) Set {
	return Set{Name: SetServerCert, Codes: []Code{
		CertificateUsageServer,
		CertificateValidity,
		VerifyChainCertificates,
		p.certificateKeyLength(),
		VerifyRootCertificate,
		VerifyIntermediateChain,
	}}
}

// CASet judges a CA root and its intermediate chain.
func CASet() Set {
	return Set{Name: SetCA, Codes: []Code{
		VerifyRootCertificate,
		VerifyIntermediateChain,
		CACertificateUsage,
	}}
}

// JWSCertSet judges a JWS signing certificate.
func JWSCertSet() Set {
	return Set{Name: SetJWSCert, Codes: []Code{
		CertificateValidity,
		CertificatePublicKeyLength2048,
	}}
}

// InboundSet judges an inbound enrollment: a DFSP CSR signed by the hub.
func InboundSet(p Policy) Set {
	return Set{Name: SetInbound, Codes: []Code{
		CSRSignatureValid,
		CSRSignatureAlgorithmSHA256512,
		p.csrKeyLength(),
		CSRCertSamePublicKey,
		CSRCertSameSubjectInfo,
		CertificateValidity,
		CertificateAlgorithmSHA256,
		CSRMandatoryDistinguishedName,
		CSRCertPublicPrivateKeyMatch,
	}}
}

// OutboundSet judges an outbound enrollment: a hub CSR signed by a DFSP CA.
func OutboundSet(p Policy) Set {
	return Set{Name: SetOutbound, Codes: []Code{
		CSRSignatureValid,
		CSRSignatureAlgorithmSHA256512,
		p.csrKeyLength(),
		CSRCertSamePublicKey,
		CertificateSignedByDFSPCA,
		CertificateValidity,
		CertificateAlgorithmSHA256,
	}}
}

// SetByName returns the named rule set built for p.
func SetByName(name string, p Policy) (Set, bool) {
	switch name {
	case SetServerCert:
		return ServerCertSet(p), true
	case SetCA:
		return CASet(), true
	case SetJWSCert:
		return JWSCertSet(), true
	case SetInbound:
		return InboundSet(p), true
	case SetOutbound:
		return OutboundSet(p), true
	}
	return Set{}, false
}

// SetNames lists the built-in rule set names.
func SetNames() []string {
	return []string{SetServerCert, SetCA, SetJWSCert, SetInbound, SetOutbound}
}
