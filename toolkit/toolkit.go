// Package toolkit wraps the external X.509 toolkit (openssl) that both
// backends use for inspection, CSR self-signature checks, modulus
// computation, chain verification and private-key wrapping.
//
// Input PEM is passed on standard input; trust anchors and untrusted chains
// are written to a per-call scratch directory that is removed before the
// call returns. Human-readable output is parsed by the helpers in
// textform.go.
package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/certinfo"
)

// DefaultBinary is the toolkit executable looked up on PATH.
const DefaultBinary = "openssl"

// Toolkit implements backend.Inspector on top of the openssl binary.
type Toolkit struct {
	runner runner
	logger *slog.Logger
}

var _ backend.Inspector = (*Toolkit)(nil)

// Option configures a Toolkit.
type Option func(*Toolkit)

// WithBinary overrides the toolkit executable.
func WithBinary(path string) Option {
	return func(t *Toolkit) {
		if path != "" {
			t.runner.binary = path
		}
	}
}

// WithLogger sets the logger used for invocation traces.
func WithLogger(l *slog.Logger) Option {
	return func(t *Toolkit) {
		t.logger = l
	}
}

// New returns a Toolkit using DefaultBinary unless overridden.
func New(opts ...Option) *Toolkit {
	t := &Toolkit{
		runner: runner{binary: DefaultBinary},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.runner.logger = t.logger
	return t
}

// CertificateText returns the printed form of a certificate.
func (t *Toolkit) CertificateText(ctx context.Context, certPEM string) (string, error) {
	return t.text(ctx, "x509", "certificate", certPEM)
}

// CSRText returns the printed form of a CSR.
func (t *Toolkit) CSRText(ctx context.Context, csrPEM string) (string, error) {
	return t.text(ctx, "req", "CSR", csrPEM)
}

func (t *Toolkit) text(ctx context.Context, cmd, label, pemData string) (string, error) {
	out, err := t.runner.run(ctx, []byte(pemData), nil, cmd, "-text", "-noout")
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s could not be parsed: %s", backend.ErrInvalidEntity, label, out.Combined())
	}
	return out.Stdout, nil
}

// VerifyCSRSignature checks the CSR's self-signature.
func (t *Toolkit) VerifyCSRSignature(ctx context.Context, csrPEM string) (*backend.VerifyResult, error) {
	out, err := t.runner.run(ctx, []byte(csrPEM), nil, "req", "-verify", "-noout")
	if err != nil {
		return nil, err
	}
	return &backend.VerifyResult{Valid: out.ExitCode == 0, Output: out.Combined()}, nil
}

// ComputeKeyModulus returns the hex modulus of an RSA certificate, CSR or
// unencrypted private key.
func (t *Toolkit) ComputeKeyModulus(ctx context.Context, source string, kind backend.KeyKind) (string, error) {
	var cmd string
	switch kind {
	case backend.KindCertificate:
		cmd = "x509"
	case backend.KindCSR:
		cmd = "req"
	case backend.KindPrivateKey:
		cmd = "rsa"
	default:
		return "", &backend.InputError{Field: "kind", Reason: fmt.Sprintf("unknown key kind %q", kind)}
	}
	out, err := t.runner.run(ctx, []byte(source), nil, cmd, "-noout", "-modulus")
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s modulus: %s", backend.ErrInvalidEntity, kind, out.Combined())
	}
	_, modulus, ok := strings.Cut(strings.TrimSpace(out.Stdout), "Modulus=")
	if !ok {
		return "", fmt.Errorf("%w: no Modulus= in %s output", backend.ErrUnparsableOutput, cmd)
	}
	return modulus, nil
}

// CSRInfo normalises a CSR.
func (t *Toolkit) CSRInfo(_ context.Context, csrPEM string) (*certinfo.CSRInfo, error) {
	doc, err := CSRDocument(csrPEM)
	if err != nil {
		return nil, err
	}
	return certinfo.ToCSRInfo(doc), nil
}

// CertInfo normalises a certificate.
func (t *Toolkit) CertInfo(_ context.Context, certPEM string) (*certinfo.CertInfo, error) {
	doc, err := CertificateDocument(certPEM)
	if err != nil {
		return nil, err
	}
	info, err := certinfo.ToCertInfo(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidEntity, err)
	}
	return info, nil
}

// Version returns the toolkit's version banner. It doubles as a check that
// the binary can be run.
func (t *Toolkit) Version(ctx context.Context) (string, error) {
	out, err := t.runner.run(ctx, nil, nil, "version")
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s version exited %d", backend.ErrExternal, t.runner.binary, out.ExitCode)
	}
	return strings.TrimSpace(out.Stdout), nil
}
