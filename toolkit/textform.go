package toolkit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmcleod/pkiengine/backend"
)

// Extended key usage names as printed by the toolkit.
const (
	UsageServerAuth = "TLS Web Server Authentication"
	UsageClientAuth = "TLS Web Client Authentication"
)

const (
	extKeyUsageHeader      = "X509v3 Extended Key Usage:"
	basicConstraintsHeader = "X509v3 Basic Constraints: critical"
)

var (
	publicKeyRE    = regexp.MustCompile(`Public-Key: \((\d+) bit\)`)
	signatureAlgRE = regexp.MustCompile(`Signature Algorithm: (\S+)`)
)

// KeyLength extracts the public key size from a printed certificate or CSR.
func KeyLength(text string) (int, error) {
	m := publicKeyRE.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("%w: no %q line", backend.ErrUnparsableOutput, "Public-Key: (<n> bit)")
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: key length %q: %v", backend.ErrUnparsableOutput, m[1], err)
	}
	return n, nil
}

// SignatureAlgorithm extracts the first signature algorithm name from a
// printed certificate or CSR.
func SignatureAlgorithm(text string) (string, error) {
	m := signatureAlgRE.FindStringSubmatch(text)
	if m == nil {
		return "", fmt.Errorf("%w: no %q line", backend.ErrUnparsableOutput, "Signature Algorithm: <name>")
	}
	return m[1], nil
}

// ExtendedKeyUsage returns the content of the Extended Key Usage section and
// whether the section exists.
func ExtendedKeyUsage(text string) (string, bool) {
	return lineAfter(text, extKeyUsageHeader)
}

// HasExtendedKeyUsage reports whether the Extended Key Usage section lists usage.
func HasExtendedKeyUsage(text, usage string) bool {
	section, ok := ExtendedKeyUsage(text)
	return ok && strings.Contains(section, usage)
}

// IsCA reports whether the certificate has a critical Basic Constraints
// extension whose value line is CA:TRUE.
func IsCA(text string) bool {
	next, ok := lineAfter(text, basicConstraintsHeader)
	return ok && strings.Contains(next, "CA:TRUE")
}

// lineAfter finds the line containing marker and returns the line that
// immediately follows it.
func lineAfter(text, marker string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, marker) {
			continue
		}
		if i+1 < len(lines) {
			return strings.TrimSpace(lines[i+1]), true
		}
		return "", true
	}
	return "", false
}
