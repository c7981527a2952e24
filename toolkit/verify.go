package toolkit

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmcleod/pkiengine/backend"
)

// Both spellings appear across toolkit versions.
var selfSignedRE = regexp.MustCompile(`self[- ]signed certificate`)

// VerifyCertificateSigning verifies certPEM. rootPEM, when set, is the only
// trust anchor presented with -CAfile; chainPEM, when set, is presented with
// -untrusted. Exit 0 is valid, exit 1 is a tool error, anything else is a
// failed verification carrying the tool's output.
func (t *Toolkit) VerifyCertificateSigning(ctx context.Context, certPEM, rootPEM, chainPEM string) (*backend.VerifyResult, error) {
	s, err := newScratch()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	args := []string{"verify"}
	if rootPEM != "" {
		path, err := s.write("root.pem", rootPEM)
		if err != nil {
			return nil, err
		}
		args = append(args, "-CAfile", path)
	}
	if chainPEM != "" {
		path, err := s.write("chain.pem", chainPEM)
		if err != nil {
			return nil, err
		}
		args = append(args, "-untrusted", path)
	}

	out, err := t.runner.run(ctx, []byte(certPEM), nil, args...)
	if err != nil {
		return nil, err
	}
	switch out.ExitCode {
	case 0:
		return &backend.VerifyResult{Valid: true, Output: out.Combined()}, nil
	case 1:
		return nil, fmt.Errorf("%w: %s", backend.ErrToolMisuse, out.Combined())
	default:
		return &backend.VerifyResult{Valid: false, Output: out.Combined()}, nil
	}
}

// ValidateRootCertificate verifies a root against the toolkit's default
// trust store. A self-signed root is reported as such whether the tool
// exited 0 or 2.
func (t *Toolkit) ValidateRootCertificate(ctx context.Context, rootPEM string) (*backend.RootValidation, error) {
	out, err := t.runner.run(ctx, []byte(rootPEM), nil, "verify")
	if err != nil {
		return nil, err
	}
	output := out.Combined()
	switch {
	case out.ExitCode == 1:
		return nil, fmt.Errorf("%w: %s", backend.ErrToolMisuse, output)
	case (out.ExitCode == 0 || out.ExitCode == 2) && selfSignedRE.MatchString(output):
		return &backend.RootValidation{State: backend.RootValidSelfSigned, Output: output}, nil
	case out.ExitCode == 0:
		return &backend.RootValidation{State: backend.RootValidSigned, Output: output}, nil
	default:
		return &backend.RootValidation{State: backend.RootInvalid, Output: output}, nil
	}
}

// SplitChain splits a concatenated PEM blob on BEGIN boundaries, preserving
// order. Text before the first boundary is dropped.
func SplitChain(chainPEM string) []string {
	const marker = "-----BEGIN"
	var out []string
	parts := strings.Split(chainPEM, marker)
	for _, p := range parts[1:] {
		block := strings.TrimSpace(marker + p)
		if block != marker {
			out = append(out, block+"\n")
		}
	}
	return out
}

// SplitIntermediate returns the first certificate of a chain (the immediate
// intermediate) and the rest of the chain concatenated.
func SplitIntermediate(chainPEM string) (first, rest string) {
	certs := SplitChain(chainPEM)
	if len(certs) == 0 {
		return "", ""
	}
	return certs[0], strings.Join(certs[1:], "")
}
