// Package backendtest provides an in-process backend.Backend for tests. It
// signs with crypto/x509, prints a synthetic text form carrying the lines the
// rule engine parses, and verifies chains with x509.Certificate.Verify, so
// rules and flows run without the openssl binary.
package backendtest

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/jmcleod/pkiengine/internal/testpki"
	"github.com/jmcleod/pkiengine/toolkit"
)

// Fake is a backend.Backend backed by crypto/x509.
type Fake struct {
	t testing.TB

	mu sync.Mutex
	ca *testpki.Authority

	// Texts overrides the printed text form of a PEM document.
	Texts map[string]string
	// VerifyErr, when set, is returned by VerifyCertificateSigning.
	VerifyErr error
	// Calls counts invocations per method name.
	Calls map[string]int
}

var _ backend.Backend = (*Fake)(nil)

// New returns a Fake with no CA.
func New(t testing.TB) *Fake {
	return &Fake{t: t, Texts: map[string]string{}, Calls: map[string]int{}}
}

// UseAuthority makes a the CA used by Sign.
func (f *Fake) UseAuthority(a *testpki.Authority) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ca = a
}

func (f *Fake) called(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[name]++
}

// Connect does nothing.
func (f *Fake) Connect(context.Context) error {
	f.called("Connect")
	return nil
}

// CreateCA creates a self-signed root named after info and makes it current.
func (f *Fake) CreateCA(_ context.Context, info *backend.CAInitialInfo, _ time.Duration) (*backend.CAResult, error) {
	f.called("CreateCA")
	if err := info.Validate(); err != nil {
		return nil, err
	}
	root := testpki.NewRoot(f.t, info.Name().CN)
	f.UseAuthority(root)
	return &backend.CAResult{Cert: root.PEM, Key: testpki.KeyPEM(root.Key)}, nil
}

// Sign issues a server and client certificate for csrPEM.
func (f *Fake) Sign(_ context.Context, csrPEM string, _ time.Duration) (string, error) {
	f.called("Sign")
	f.mu.Lock()
	ca := f.ca
	f.mu.Unlock()
	if ca == nil {
		return "", backend.ErrNoCA
	}
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	cert, err := ca.IssueCSR(csr, x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrInvalidEntity, err)
	}
	return cert, nil
}

// CreateCSR generates an RSA key and CSR for params.
func (f *Fake) CreateCSR(_ context.Context, params backend.CSRParameters, keyBits int, algorithm string) (*backend.KeyPair, error) {
	f.called("CreateCSR")
	if err := params.Validate(); err != nil {
		return nil, err
	}
	bits, algo, err := backend.ResolveKey(keyBits, algorithm)
	if err != nil {
		return nil, err
	}
	if algo != backend.AlgoRSA {
		return nil, &backend.InputError{Field: "algorithm", Reason: "the fake backend only generates rsa keys"}
	}
	s := params.Subject
	san := params.Extensions.SubjectAltName
	subject := pkix.Name{CommonName: s.CN}
	for _, v := range []struct {
		dst *[]string
		val string
	}{{&subject.Organization, s.O}, {&subject.OrganizationalUnit, s.OU}, {&subject.Country, s.C}, {&subject.Province, s.ST}, {&subject.Locality, s.L}} {
		if v.val != "" {
			*v.dst = []string{v.val}
		}
	}
	req := testpki.NewRequest(f.t, subject, san.DNS, san.IPs, bits)
	return &backend.KeyPair{CSR: req.PEM, Key: req.KeyPEM}, nil
}

// CSRInfo normalises csrPEM.
func (f *Fake) CSRInfo(_ context.Context, csrPEM string) (*certinfo.CSRInfo, error) {
	f.called("CSRInfo")
	doc, err := toolkit.CSRDocument(csrPEM)
	if err != nil {
		return nil, err
	}
	return certinfo.ToCSRInfo(doc), nil
}

// CertInfo normalises certPEM.
func (f *Fake) CertInfo(_ context.Context, certPEM string) (*certinfo.CertInfo, error) {
	f.called("CertInfo")
	doc, err := toolkit.CertificateDocument(certPEM)
	if err != nil {
		return nil, err
	}
	info, err := certinfo.ToCertInfo(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEntity, err)
	}
	return info, nil
}

// CertificateText prints the lines of the openssl text form the rules use.
func (f *Fake) CertificateText(_ context.Context, certPEM string) (string, error) {
	f.called("CertificateText")
	if text, ok := f.Texts[certPEM]; ok {
		return text, nil
	}
	cert, err := parseCert(certPEM)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Certificate:\n    Data:\n")
	fmt.Fprintf(&b, "        Signature Algorithm: %s\n", sigName(cert.SignatureAlgorithm))
	fmt.Fprintf(&b, "        Subject: CN = %s\n", cert.Subject.CommonName)
	fmt.Fprintf(&b, "                Public-Key: (%d bit)\n", publicKeyBits(cert.PublicKey))
	b.WriteString("        X509v3 extensions:\n")
	for _, ext := range cert.Extensions {
		if ext.Id.Equal([]int{2, 5, 29, 19}) {
			critical := ""
			if ext.Critical {
				critical = " critical"
			}
			fmt.Fprintf(&b, "            X509v3 Basic Constraints:%s\n                CA:%s\n", critical, strings.ToUpper(fmt.Sprint(cert.IsCA)))
		}
	}
	if usages := ekuNames(cert.ExtKeyUsage); usages != "" {
		fmt.Fprintf(&b, "            X509v3 Extended Key Usage: \n                %s\n", usages)
	}
	return b.String(), nil
}

// CSRText prints the lines of the openssl text form the rules use.
func (f *Fake) CSRText(_ context.Context, csrPEM string) (string, error) {
	f.called("CSRText")
	if text, ok := f.Texts[csrPEM]; ok {
		return text, nil
	}
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Certificate Request:\n    Data:\n        Subject: CN = %s\n                Public-Key: (%d bit)\n    Signature Algorithm: %s\n",
		csr.Subject.CommonName, publicKeyBits(csr.PublicKey), sigName(csr.SignatureAlgorithm)), nil
}

// VerifyCSRSignature checks the request's self-signature.
func (f *Fake) VerifyCSRSignature(_ context.Context, csrPEM string) (*backend.VerifyResult, error) {
	f.called("VerifyCSRSignature")
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return &backend.VerifyResult{Output: err.Error()}, nil
	}
	return &backend.VerifyResult{Valid: true, Output: "verify OK"}, nil
}

// VerifyCertificateSigning verifies certPEM against rootPEM and chainPEM.
// Without a root nothing is trusted.
func (f *Fake) VerifyCertificateSigning(_ context.Context, certPEM, rootPEM, chainPEM string) (*backend.VerifyResult, error) {
	f.called("VerifyCertificateSigning")
	if f.VerifyErr != nil {
		return nil, f.VerifyErr
	}
	cert, err := parseCert(certPEM)
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM([]byte(rootPEM))
	inter := x509.NewCertPool()
	inter.AppendCertsFromPEM([]byte(chainPEM))
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return &backend.VerifyResult{Output: err.Error()}, nil
	}
	return &backend.VerifyResult{Valid: true, Output: "OK"}, nil
}

// ValidateRootCertificate reports self-signed roots as valid.
func (f *Fake) ValidateRootCertificate(_ context.Context, rootPEM string) (*backend.RootValidation, error) {
	f.called("ValidateRootCertificate")
	cert, err := parseCert(rootPEM)
	if err != nil {
		return nil, err
	}
	if cert.CheckSignatureFrom(cert) == nil {
		return &backend.RootValidation{State: backend.RootValidSelfSigned, Output: "self-signed certificate"}, nil
	}
	return &backend.RootValidation{State: backend.RootInvalid, Output: "unable to get local issuer certificate"}, nil
}

// ComputeKeyModulus returns the RSA modulus in upper-case hex.
func (f *Fake) ComputeKeyModulus(_ context.Context, source string, kind backend.KeyKind) (string, error) {
	f.called("ComputeKeyModulus")
	var pub any
	switch kind {
	case backend.KindCertificate:
		cert, err := parseCert(source)
		if err != nil {
			return "", err
		}
		pub = cert.PublicKey
	case backend.KindCSR:
		csr, err := parseCSR(source)
		if err != nil {
			return "", err
		}
		pub = csr.PublicKey
	case backend.KindPrivateKey:
		key, err := parseKey(source)
		if err != nil {
			return "", err
		}
		pub = &key.PublicKey
	default:
		return "", &backend.InputError{Field: "kind", Reason: fmt.Sprintf("unsupported %q", kind)}
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: not an RSA key", backend.ErrInvalidEntity)
	}
	return fmt.Sprintf("%X", rsaPub.N), nil
}

// IsEncrypted delegates to the toolkit's PEM header check.
func (f *Fake) IsEncrypted(keyPEM string) bool {
	return toolkit.IsEncrypted(keyPEM)
}

func block(data, what string) (*pem.Block, error) {
	b, _ := pem.Decode([]byte(data))
	if b == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", backend.ErrInvalidEntity, what)
	}
	return b, nil
}

func parseCert(data string) (*x509.Certificate, error) {
	b, err := block(data, "certificate")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEntity, err)
	}
	return cert, nil
}

func parseCSR(data string) (*x509.CertificateRequest, error) {
	b, err := block(data, "CSR")
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEntity, err)
	}
	return csr, nil
}

func parseKey(data string) (*rsa.PrivateKey, error) {
	b, err := block(data, "private key")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(b.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEntity, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", backend.ErrInvalidEntity)
	}
	return rsaKey, nil
}

func publicKeyBits(pub any) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	}
	return 0
}

func sigName(alg x509.SignatureAlgorithm) string {
	switch alg {
	case x509.SHA256WithRSA:
		return "sha256WithRSAEncryption"
	case x509.SHA384WithRSA:
		return "sha384WithRSAEncryption"
	case x509.SHA512WithRSA:
		return "sha512WithRSAEncryption"
	case x509.SHA1WithRSA:
		return "sha1WithRSAEncryption"
	case x509.ECDSAWithSHA256:
		return "ecdsa-with-SHA256"
	case x509.ECDSAWithSHA384:
		return "ecdsa-with-SHA384"
	case x509.ECDSAWithSHA512:
		return "ecdsa-with-SHA512"
	}
	return alg.String()
}

func ekuNames(usages []x509.ExtKeyUsage) string {
	var names []string
	for _, u := range usages {
		switch u {
		case x509.ExtKeyUsageServerAuth:
			names = append(names, toolkit.UsageServerAuth)
		case x509.ExtKeyUsageClientAuth:
			names = append(names, toolkit.UsageClientAuth)
		case x509.ExtKeyUsageCodeSigning:
			names = append(names, "Code Signing")
		}
	}
	return strings.Join(names, ", ")
}
