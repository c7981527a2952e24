package certinfo

import (
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Attribute key aliases, x509-style first.
var (
	keysSubject      = []string{"Subject", "subject"}
	keysIssuer       = []string{"Issuer", "issuer"}
	keysCN           = []string{"CommonName", "common_name", "CN"}
	keysO            = []string{"Organization", "organization", "O"}
	keysOU           = []string{"OrganizationalUnit", "organizational_unit", "OU"}
	keysC            = []string{"Country", "country", "C"}
	keysST           = []string{"Province", "province", "ST"}
	keysL            = []string{"Locality", "locality", "L"}
	keysEmail        = []string{"emailAddress", "email_address", "EmailAddress"}
	keysNames        = []string{"Names", "names"}
	keysDNS          = []string{"DNSNames", "dns_names"}
	keysIPs          = []string{"IPAddresses", "ip_addresses"}
	keysEmails       = []string{"EmailAddresses", "email_addresses"}
	keysURIs         = []string{"URIs", "uris"}
	keysSANs         = []string{"sans", "SANs"}
	keysSerial       = []string{"SerialNumber", "serial_number"}
	keysNotBefore    = []string{"NotBefore", "not_before"}
	keysNotAfter     = []string{"NotAfter", "not_after"}
	keysSignatureAlg = []string{"SignatureAlgorithm", "sigalg", "signature_algorithm"}
)

// ToCSRInfo normalises a raw CSR inspection document. Missing fields become
// nil attributes and empty SAN lists.
func ToCSRInfo(doc RawDocument) *CSRInfo {
	return &CSRInfo{
		Subject:    toSubject(lookupMap(doc, keysSubject...)),
		Extensions: Extensions{SubjectAltName: toSubjectAltName(doc)},
	}
}

// ToCertInfo normalises a raw certificate inspection document. Missing or
// unparsable timestamps become nil; the validity rule reports on them. An
// inverted validity window is rejected.
func ToCertInfo(doc RawDocument) (*CertInfo, error) {
	info := &CertInfo{
		Subject:            toSubject(lookupMap(doc, keysSubject...)),
		Issuer:             toSubject(lookupMap(doc, keysIssuer...)),
		SerialNumber:       scalarString(lookup(doc, keysSerial...)),
		NotBefore:          parseTime(lookup(doc, keysNotBefore...)),
		NotAfter:           parseTime(lookup(doc, keysNotAfter...)),
		SignatureAlgorithm: signatureAlgorithm(lookup(doc, keysSignatureAlg...)),
		Extensions:         Extensions{SubjectAltName: toSubjectAltName(doc)},
	}
	if info.NotBefore != nil && info.NotAfter != nil && info.NotBefore.After(*info.NotAfter) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvertedValidity,
			info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339))
	}
	return info, nil
}

func toSubject(m map[string]any) Subject {
	if m == nil {
		return Subject{}
	}
	s := Subject{
		CN: joined(lookup(m, keysCN...)),
		O:  joined(lookup(m, keysO...)),
		OU: joined(lookup(m, keysOU...)),
		C:  joined(lookup(m, keysC...)),
		ST: joined(lookup(m, keysST...)),
		L:  joined(lookup(m, keysL...)),
	}
	s.EmailAddress = joined(lookup(m, keysEmail...))
	if s.EmailAddress == nil {
		s.EmailAddress = emailFromNames(lookup(m, keysNames...))
	}
	return s
}

// emailFromNames scans an attribute list for the PKCS#9 emailAddress OID.
// Some producers only surface the address there.
func emailFromNames(v any) *string {
	names, ok := v.([]any)
	if !ok {
		return nil
	}
	for _, n := range names {
		attr, ok := n.(map[string]any)
		if !ok {
			continue
		}
		if oidString(lookup(attr, "Type", "type", "oid")) != EmailAddressOID {
			continue
		}
		if s := scalarString(lookup(attr, "Value", "value")); s != nil {
			return s
		}
	}
	return nil
}

func oidString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ".")
	default:
		return ""
	}
}

func toSubjectAltName(doc RawDocument) SubjectAltName {
	san := NewSubjectAltName()
	san.DNS = append(san.DNS, stringList(lookup(doc, keysDNS...))...)
	san.IPs = append(san.IPs, stringList(lookup(doc, keysIPs...))...)
	san.EmailAddresses = append(san.EmailAddresses, stringList(lookup(doc, keysEmails...))...)
	san.URIs = append(san.URIs, uriList(lookup(doc, keysURIs...))...)

	// Flat lists carry every category together.
	for _, entry := range stringList(lookup(doc, keysSANs...)) {
		switch {
		case net.ParseIP(entry) != nil:
			san.IPs = append(san.IPs, entry)
		case strings.Contains(entry, "://"):
			san.URIs = append(san.URIs, entry)
		case strings.Contains(entry, "@"):
			san.EmailAddresses = append(san.EmailAddresses, entry)
		default:
			san.DNS = append(san.DNS, entry)
		}
	}
	return san
}

func lookup(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func lookupMap(m map[string]any, keys ...string) map[string]any {
	v, _ := lookup(m, keys...).(map[string]any)
	return v
}

// joined returns a scalar as-is and concatenates list values with no
// separator. Empty values are nil.
func joined(v any) *string {
	switch t := v.(type) {
	case []any:
		var b strings.Builder
		for _, e := range t {
			if s := scalarString(e); s != nil {
				b.WriteString(*s)
			}
		}
		if b.Len() == 0 {
			return nil
		}
		return canonical(b.String())
	default:
		return scalarString(v)
	}
}

func scalarString(v any) *string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return canonical(t)
	case float64:
		return StringPtr(fmt.Sprintf("%.0f", t))
	case nil:
		return nil
	default:
		return StringPtr(fmt.Sprint(t))
	}
}

func canonical(s string) *string {
	return StringPtr(norm.NFC.String(s))
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s := scalarString(e); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// uriList accepts plain strings or url.URL-shaped objects.
func uriList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		switch t := e.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			scheme, _ := t["Scheme"].(string)
			if opaque, _ := t["Opaque"].(string); opaque != "" {
				out = append(out, scheme+":"+opaque)
				continue
			}
			host, _ := t["Host"].(string)
			path, _ := t["Path"].(string)
			out = append(out, scheme+"://"+host+path)
		}
	}
	return out
}

func parseTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "Jan _2 15:04:05 2006 MST"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// signatureAlgorithm accepts the algorithm name or the numeric
// x509.SignatureAlgorithm that encoding/json emits for it.
func signatureAlgorithm(v any) *string {
	if n, ok := v.(float64); ok {
		return StringPtr(x509.SignatureAlgorithm(int(n)).String())
	}
	return scalarString(v)
}
