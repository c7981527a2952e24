package certinfo

import (
	"slices"
)

// Comparison is the outcome of comparing a CSR with the certificate issued
// for it. Reason is set on the first mismatch found.
type Comparison struct {
	Valid  bool      `json:"valid"`
	Reason *Mismatch `json:"reason,omitempty"`
}

// Mismatch names the differing attribute and both sides' values.
type Mismatch struct {
	Field       string `json:"field"`
	CSR         any    `json:"csr"`
	Certificate any    `json:"certificate"`
}

// CompareSubjectBetweenCSRandCert compares every subject attribute. Two nil
// attributes are equal.
func CompareSubjectBetweenCSRandCert(csr *CSRInfo, cert *CertInfo) Comparison {
	certFields := cert.Subject.fields()
	for i, f := range csr.Subject.fields() {
		other := certFields[i].value
		if !equalPtr(f.value, other) {
			return Comparison{Reason: &Mismatch{Field: f.name, CSR: f.value, Certificate: other}}
		}
	}
	return Comparison{Valid: true}
}

// CompareCNBetweenCSRandCert compares the common names only.
func CompareCNBetweenCSRandCert(csr *CSRInfo, cert *CertInfo) Comparison {
	if !equalPtr(csr.Subject.CN, cert.Subject.CN) {
		return Comparison{Reason: &Mismatch{Field: "CN", CSR: csr.Subject.CN, Certificate: cert.Subject.CN}}
	}
	return Comparison{Valid: true}
}

// CompareSubjectAltNameBetweenCSRandCert compares each SAN category as a
// multiset: order is irrelevant, counts are not.
func CompareSubjectAltNameBetweenCSRandCert(csr *CSRInfo, cert *CertInfo) Comparison {
	certCats := cert.Extensions.SubjectAltName.categories()
	for i, c := range csr.Extensions.SubjectAltName.categories() {
		a := sortedCopy(c.values)
		b := sortedCopy(certCats[i].values)
		if !slices.Equal(a, b) {
			return Comparison{Reason: &Mismatch{Field: c.name, CSR: a, Certificate: b}}
		}
	}
	return Comparison{Valid: true}
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	slices.Sort(out)
	return out
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
