package backend

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/pkiengine/certinfo"
)

// Supported key algorithms.
const (
	AlgoRSA   = "rsa"
	AlgoECDSA = "ecdsa"
)

// SigningPolicy is the default signing profile of a CA.
type SigningPolicy struct {
	Expiry             string   `json:"expiry"`
	Usages             []string `json:"usages"`
	SignatureAlgorithm string   `json:"signature_algorithm,omitempty"`
}

// ExpiryDuration parses Expiry.
func (p SigningPolicy) ExpiryDuration() (time.Duration, error) {
	return time.ParseDuration(p.Expiry)
}

// CAName is the single distinguished name entry of a CA request.
type CAName struct {
	CN string `json:"CN"`
	O  string `json:"O,omitempty"`
	OU string `json:"OU,omitempty"`
	L  string `json:"L,omitempty"`
	ST string `json:"ST,omitempty"`
	C  string `json:"C,omitempty"`
	E  string `json:"E,omitempty"`
}

// KeySpec selects the CA key algorithm and size.
type KeySpec struct {
	Algo string `json:"algo"`
	Size int    `json:"size"`
}

// CARequest is the CSR block of a CA creation request.
type CARequest struct {
	Hosts []string `json:"hosts"`
	Names []CAName `json:"names"`
	Key   KeySpec  `json:"key"`
}

// CAInitialInfo is validated input to CA creation.
type CAInitialInfo struct {
	Default SigningPolicy `json:"default"`
	CSR     CARequest     `json:"csr"`
}

// ParseCAInitialInfo decodes and validates a CA creation request.
func ParseCAInitialInfo(data []byte) (*CAInitialInfo, error) {
	var info CAInitialInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &InputError{Field: "caInitialInfo", Reason: err.Error()}
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

// Validate checks the shape of the request. It never touches a backend.
func (i *CAInitialInfo) Validate() error {
	if i == nil {
		return inputErrorf("caInitialInfo", "is required")
	}
	if i.Default.Expiry != "" {
		d, err := i.Default.ExpiryDuration()
		if err != nil {
			return inputErrorf("default.expiry", "%v", err)
		}
		if d <= 0 {
			return inputErrorf("default.expiry", "must be positive")
		}
	}
	if len(i.CSR.Names) != 1 {
		return inputErrorf("csr.names", "exactly one entry is required, got %d", len(i.CSR.Names))
	}
	if strings.TrimSpace(i.CSR.Names[0].CN) == "" {
		return inputErrorf("csr.names[0].CN", "is required")
	}
	if !slices.Contains([]string{AlgoRSA, AlgoECDSA}, i.CSR.Key.Algo) {
		return inputErrorf("csr.key.algo", "must be %q or %q, got %q", AlgoRSA, AlgoECDSA, i.CSR.Key.Algo)
	}
	if i.CSR.Key.Size <= 0 || i.CSR.Key.Size%256 != 0 {
		return inputErrorf("csr.key.size", "must be a positive multiple of 256, got %d", i.CSR.Key.Size)
	}
	return nil
}

// Name returns the request's single distinguished name.
func (i *CAInitialInfo) Name() CAName {
	return i.CSR.Names[0]
}

// CSRSubject is the subject requested for a generated CSR.
type CSRSubject struct {
	CN           string `json:"CN"`
	O            string `json:"O,omitempty"`
	OU           string `json:"OU,omitempty"`
	C            string `json:"C,omitempty"`
	ST           string `json:"ST,omitempty"`
	L            string `json:"L,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// CSRExtensions carries the requested subjectAltName.
type CSRExtensions struct {
	SubjectAltName certinfo.SubjectAltName `json:"subjectAltName"`
}

// CSRParameters describes a CSR to generate.
type CSRParameters struct {
	Subject    CSRSubject    `json:"subject"`
	Extensions CSRExtensions `json:"extensions"`
}

// Validate checks that the mandatory subject fields are present.
func (p CSRParameters) Validate() error {
	if strings.TrimSpace(p.Subject.CN) == "" {
		return inputErrorf("subject.CN", "is required")
	}
	return nil
}

// Hosts flattens the SAN lists in dns, ips, emails, uris order.
func (p CSRParameters) Hosts() []string {
	san := p.Extensions.SubjectAltName
	hosts := make([]string, 0, len(san.DNS)+len(san.IPs)+len(san.EmailAddresses)+len(san.URIs))
	hosts = append(hosts, san.DNS...)
	hosts = append(hosts, san.IPs...)
	hosts = append(hosts, san.EmailAddresses...)
	hosts = append(hosts, san.URIs...)
	return hosts
}

// ResolveKey applies the CreateCSR defaults and validates the result.
func ResolveKey(keyBits int, algorithm string) (int, string, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if keyBits == 0 {
		keyBits = DefaultKeyBits
		if algorithm == AlgoECDSA {
			keyBits = 256
		}
	}
	if algorithm != AlgoRSA && algorithm != AlgoECDSA {
		return 0, "", inputErrorf("algorithm", "unsupported key algorithm %q", algorithm)
	}
	if keyBits < 0 {
		return 0, "", inputErrorf("keyBits", "must be positive, got %d", keyBits)
	}
	return keyBits, algorithm, nil
}

// String implements fmt.Stringer for log attributes.
func (k KeySpec) String() string {
	return fmt.Sprintf("%s-%d", k.Algo, k.Size)
}
