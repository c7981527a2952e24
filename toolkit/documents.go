package toolkit

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"

	cfsslinfo "github.com/cloudflare/cfssl/certinfo"
	"github.com/cloudflare/cfssl/helpers"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/certinfo"
)

// attribute is a typed distinguished-name attribute.
type attribute struct {
	Type  []int  `json:"Type"`
	Value string `json:"Value"`
}

func typedNames(name pkix.Name) []attribute {
	out := make([]attribute, 0, len(name.Names))
	for _, n := range name.Names {
		out = append(out, attribute{Type: n.Type, Value: fmt.Sprint(n.Value)})
	}
	return out
}

// csrSubject mirrors the JSON layout of pkix.Name.
type csrSubject struct {
	CommonName         string      `json:"CommonName"`
	Organization       []string    `json:"Organization"`
	OrganizationalUnit []string    `json:"OrganizationalUnit"`
	Country            []string    `json:"Country"`
	Province           []string    `json:"Province"`
	Locality           []string    `json:"Locality"`
	Names              []attribute `json:"Names"`
}

type csrDocument struct {
	Subject        csrSubject `json:"Subject"`
	DNSNames       []string   `json:"DNSNames"`
	IPAddresses    []string   `json:"IPAddresses"`
	EmailAddresses []string   `json:"EmailAddresses"`
	URIs           []string   `json:"URIs"`
}

// CSRDocument returns the raw inspection document of a CSR in the x509
// layout: list-valued subject attributes plus a typed attribute list.
func CSRDocument(csrPEM string) (certinfo.RawDocument, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || (block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST") {
		return nil, fmt.Errorf("%w: CSR is not a PEM certificate request", backend.ErrInvalidEntity)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CSR: %v", backend.ErrInvalidEntity, err)
	}

	doc := csrDocument{
		Subject: csrSubject{
			CommonName:         csr.Subject.CommonName,
			Organization:       csr.Subject.Organization,
			OrganizationalUnit: csr.Subject.OrganizationalUnit,
			Country:            csr.Subject.Country,
			Province:           csr.Subject.Province,
			Locality:           csr.Subject.Locality,
			Names:              typedNames(csr.Subject),
		},
		DNSNames:       csr.DNSNames,
		EmailAddresses: csr.EmailAddresses,
	}
	for _, ip := range csr.IPAddresses {
		doc.IPAddresses = append(doc.IPAddresses, ip.String())
	}
	for _, u := range csr.URIs {
		doc.URIs = append(doc.URIs, u.String())
	}
	return toRaw(doc)
}

// CertificateDocument returns the raw inspection document of a certificate
// in the cfssl certinfo layout. The subject and issuer attribute lists are
// replaced with typed attributes so that emailAddress can be recovered, and
// email and URI SANs are added since cfssl's sans list only has DNS and IPs.
func CertificateDocument(certPEM string) (certinfo.RawDocument, error) {
	info, err := cfsslinfo.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate: %v", backend.ErrInvalidEntity, err)
	}
	cert, err := helpers.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate: %v", backend.ErrInvalidEntity, err)
	}

	doc, err := toRaw(info)
	if err != nil {
		return nil, err
	}
	setNames(doc, "subject", cert.Subject)
	setNames(doc, "issuer", cert.Issuer)
	setSANs(doc, cert)
	return doc, nil
}

func setSANs(doc certinfo.RawDocument, cert *x509.Certificate) {
	emails := make([]any, 0, len(cert.EmailAddresses))
	for _, e := range cert.EmailAddresses {
		emails = append(emails, e)
	}
	uris := make([]any, 0, len(cert.URIs))
	for _, u := range cert.URIs {
		uris = append(uris, u.String())
	}
	doc["EmailAddresses"] = emails
	doc["URIs"] = uris
}

func setNames(doc certinfo.RawDocument, key string, name pkix.Name) {
	m, ok := doc[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		doc[key] = m
	}
	names := make([]any, 0, len(name.Names))
	for _, a := range typedNames(name) {
		oid := make([]any, 0, len(a.Type))
		for _, n := range a.Type {
			oid = append(oid, float64(n))
		}
		names = append(names, map[string]any{"Type": oid, "Value": a.Value})
	}
	m["names"] = names
}

func toRaw(v any) (certinfo.RawDocument, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding inspection document: %w", err)
	}
	var doc certinfo.RawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding inspection document: %w", err)
	}
	return doc, nil
}
