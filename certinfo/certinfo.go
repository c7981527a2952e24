// Package certinfo normalises raw certificate and CSR inspection documents
// into the two canonical shapes used throughout the engine, CSRInfo and
// CertInfo, and provides the comparison helpers that decide whether an issued
// certificate faithfully reflects the request it was signed from.
//
// Normalised values are plain data. Subject attributes are either a string or
// nil (never absent) and SAN lists are always non-nil slices so that
// comparisons and JSON projections are total.
package certinfo

import (
	"errors"
	"time"
)

// ErrInvertedValidity is returned by ToCertInfo when a document's notBefore
// lies after its notAfter.
var ErrInvertedValidity = errors.New("certificate notBefore is after notAfter")

// EmailAddressOID is the PKCS#9 emailAddress attribute type.
const EmailAddressOID = "1.2.840.113549.1.9.1"

// Subject is a distinguished name reduced to the attributes this system
// compares. Multi-valued attributes are joined.
type Subject struct {
	CN           *string `json:"CN"`
	O            *string `json:"O"`
	OU           *string `json:"OU"`
	C            *string `json:"C"`
	ST           *string `json:"ST"`
	L            *string `json:"L"`
	EmailAddress *string `json:"emailAddress"`
}

type subjectField struct {
	name  string
	value *string
}

// fields returns the attributes in their canonical comparison order.
func (s Subject) fields() []subjectField {
	return []subjectField{
		{"CN", s.CN},
		{"O", s.O},
		{"OU", s.OU},
		{"C", s.C},
		{"ST", s.ST},
		{"L", s.L},
		{"emailAddress", s.EmailAddress},
	}
}

// Get returns the value of the named attribute ("CN", "O", ...), or nil.
func (s Subject) Get(name string) *string {
	for _, f := range s.fields() {
		if f.name == name {
			return f.value
		}
	}
	return nil
}

// SubjectAltName groups the subjectAltName extension by category.
type SubjectAltName struct {
	DNS            []string `json:"dns"`
	IPs            []string `json:"ips"`
	EmailAddresses []string `json:"emailAddresses"`
	URIs           []string `json:"uris"`
}

// NewSubjectAltName returns a SubjectAltName with every list initialised.
func NewSubjectAltName() SubjectAltName {
	return SubjectAltName{
		DNS:            []string{},
		IPs:            []string{},
		EmailAddresses: []string{},
		URIs:           []string{},
	}
}

func (s SubjectAltName) categories() []sanCategory {
	return []sanCategory{
		{"dns", s.DNS},
		{"ips", s.IPs},
		{"emailAddresses", s.EmailAddresses},
		{"uris", s.URIs},
	}
}

type sanCategory struct {
	name   string
	values []string
}

// Extensions holds the X.509 extensions the engine inspects.
type Extensions struct {
	SubjectAltName SubjectAltName `json:"subjectAltName"`
}

// CSRInfo is the normalised view of a certificate signing request.
type CSRInfo struct {
	Subject    Subject    `json:"subject"`
	Extensions Extensions `json:"extensions"`
}

// CertInfo is the normalised view of an issued certificate.
type CertInfo struct {
	Subject            Subject    `json:"subject"`
	Issuer             Subject    `json:"issuer"`
	SerialNumber       *string    `json:"serialNumber"`
	NotBefore          *time.Time `json:"notBefore"`
	NotAfter           *time.Time `json:"notAfter"`
	SignatureAlgorithm *string    `json:"signatureAlgorithm"`
	Extensions         Extensions `json:"extensions"`
}

// RawDocument is a decoded JSON inspection document as produced by a
// backend. Its shape varies between producers; the normaliser tolerates
// both the x509-style (CamelCase keys, list-valued attributes) and the
// certinfo-style (snake_case keys, scalar attributes) layouts.
type RawDocument map[string]any

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
