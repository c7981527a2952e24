// Package testpki mints throwaway CAs, CSRs and certificates for tests.
package testpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var serial atomic.Int64

// Authority is a CA able to issue certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	PEM  string
}

// Request is a generated CSR with its key.
type Request struct {
	CSR    *x509.CertificateRequest
	Key    *rsa.PrivateKey
	PEM    string
	KeyPEM string
}

// Key generates an RSA key of the given size.
func Key(t testing.TB, bits int) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	return key
}

// KeyPEM encodes key as a PKCS#1 PEM block.
func KeyPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

// CertPEM encodes a certificate.
func CertPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// NextSerial returns a serial number unique within the test binary.
func NextSerial() *big.Int {
	return big.NewInt(serial.Add(1))
}

// SelfSignedLeaf returns a self-signed certificate that is not a CA.
func SelfSignedLeaf(t testing.TB, cn string) string {
	t.Helper()
	key := Key(t, 2048)
	tmpl := &x509.Certificate{
		SerialNumber: NextSerial(),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// NewRoot creates a self-signed root CA.
func NewRoot(t testing.TB, cn string) *Authority {
	t.Helper()
	key := Key(t, 2048)
	tmpl := caTemplate(cn)
	return sign(t, tmpl, tmpl, &key.PublicKey, key, key)
}

// NewIntermediate creates a CA signed by a.
func (a *Authority) NewIntermediate(t testing.TB, cn string) *Authority {
	t.Helper()
	key := Key(t, 2048)
	return sign(t, caTemplate(cn), a.Cert, &key.PublicKey, a.Key, key)
}

// Issue signs a leaf for the request's subject, SANs and public key.
func (a *Authority) Issue(t testing.TB, req *Request, usages ...x509.ExtKeyUsage) string {
	t.Helper()
	cert, err := a.IssueCSR(req.CSR, usages...)
	require.NoError(t, err)
	return cert
}

// IssueCSR is Issue for a parsed CSR. It returns an error instead of failing
// the test so that it can run inside HTTP handlers.
func (a *Authority) IssueCSR(csr *x509.CertificateRequest, usages ...x509.ExtKeyUsage) (string, error) {
	tmpl := &x509.Certificate{
		SerialNumber:   NextSerial(),
		Subject:        csr.Subject,
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		EmailAddresses: csr.EmailAddresses,
		URIs:           csr.URIs,
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(24 * time.Hour),
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:    usages,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, csr.PublicKey, a.Key)
	if err != nil {
		return "", err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", err
	}
	return CertPEM(cert), nil
}

// NewRequest generates a key of bits size and a CSR for subject and SANs.
func NewRequest(t testing.TB, subject pkix.Name, dns []string, ips []string, bits int) *Request {
	t.Helper()
	tmpl := &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: dns,
	}
	for _, ip := range ips {
		tmpl.IPAddresses = append(tmpl.IPAddresses, net.ParseIP(ip))
	}
	return NewRequestFrom(t, tmpl, bits)
}

// NewRequestFrom generates a key of bits size and a SHA-256 CSR from tmpl.
func NewRequestFrom(t testing.TB, tmpl *x509.CertificateRequest, bits int) *Request {
	t.Helper()
	key := Key(t, bits)
	tmpl.SignatureAlgorithm = x509.SHA256WithRSA
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return &Request{
		CSR:    csr,
		Key:    key,
		PEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})),
		KeyPEM: KeyPEM(key),
	}
}

func caTemplate(cn string) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          NextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

func sign(t testing.TB, tmpl, parent *x509.Certificate, pub *rsa.PublicKey, signer, key *rsa.PrivateKey) *Authority {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Authority{Cert: cert, Key: key, PEM: CertPEM(cert)}
}
