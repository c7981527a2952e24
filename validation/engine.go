package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmcleod/pkiengine/backend"
)

// ErrUnknownCode is returned by Run for a code with no registered rule.
var ErrUnknownCode = errors.New("unknown validation code")

// DFSPCA is the stored CA of a DFSP as seen by CERTIFICATE_SIGNED_BY_DFSP_CA.
type DFSPCA struct {
	RootCertificate   string
	IntermediateChain string
	ValidationState   State
}

// Artifacts are the PEM inputs a rule may look at. Rules whose input is
// empty report NOT_AVAILABLE.
type Artifacts struct {
	Certificate       string
	RootCertificate   string
	IntermediateChain string
	CSR               string
	PrivateKey        string
	DFSPCA            *DFSPCA
}

// Rule judges artifacts for code. An error is returned only for operational
// failures (the toolkit could not run, was misused, or printed output the
// engine cannot parse); a rejected or malformed artifact is an INVALID
// Validation.
type Rule func(ctx context.Context, a Artifacts, code Code) (Validation, error)

// Engine holds the rule registry and the backend the rules inspect through.
type Engine struct {
	inspector backend.Inspector
	logger    *slog.Logger
	now       func() time.Time
	policy    Policy
	rules     map[Code]Rule
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the time source of the validity rule.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithPolicy sets the key-length and signature-algorithm policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// New creates an Engine with every built-in rule registered.
func New(inspector backend.Inspector, opts ...Option) *Engine {
	e := &Engine{
		inspector: inspector,
		logger:    slog.Default(),
		now:       time.Now,
		policy:    DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = map[Code]Rule{
		CertificateUsageServer:         e.certificateUsage,
		CertificateUsageClient:         e.certificateUsage,
		CertificateValidity:            e.certificateValidity,
		VerifyChainCertificates:        e.verifyChain,
		VerifyRootCertificate:          e.verifyRoot,
		VerifyIntermediateChain:        e.verifyIntermediateChain,
		CertificatePublicKeyLength2048: e.certificateKeyLength,
		CertificatePublicKeyLength4096: e.certificateKeyLength,
		CACertificateUsage:             e.caUsage,
		CSRSignatureValid:              e.csrSignature,
		CSRSignatureAlgorithmSHA256512: e.csrSignatureAlgorithm,
		CSRPublicKeyLength2048:         e.csrKeyLength,
		CSRPublicKeyLength4096:         e.csrKeyLength,
		CSRCertSamePublicKey:           e.samePublicKey,
		CSRCertSameSubjectInfo:         e.compare,
		CSRCertSameCN:                  e.compare,
		CSRCertSameSubjectAltName:      e.compare,
		CertificateSignedByDFSPCA:      e.signedByDFSPCA,
		CertificateAlgorithmSHA256:     e.certificateAlgorithm,
		CSRMandatoryDistinguishedName:  e.mandatoryDistinguishedName,
		CSRCertPublicPrivateKeyMatch:   e.publicPrivateKeyMatch,
	}
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Register adds or replaces the rule for code.
func (e *Engine) Register(code Code, r Rule) {
	e.rules[code] = r
}

// Codes returns the registered codes, sorted.
func (e *Engine) Codes() []Code {
	out := make([]Code, 0, len(e.rules))
	for c := range e.rules {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Run invokes the single rule registered for code.
func (e *Engine) Run(ctx context.Context, code Code, a Artifacts) (Validation, error) {
	r, ok := e.rules[code]
	if !ok {
		return Validation{}, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}
	return r(ctx, a, code)
}

// RunSet runs every rule of set in order and folds the results. Unknown codes
// are logged and skipped. All rules run; there is no early exit on INVALID.
func (e *Engine) RunSet(ctx context.Context, set Set, a Artifacts) (*Report, error) {
	report := &Report{Validations: make([]Validation, 0, len(set.Codes))}
	for _, code := range set.Codes {
		r, ok := e.rules[code]
		if !ok {
			e.logger.Warn("skipping unknown validation code",
				slog.String("set", set.Name),
				slog.String("code", string(code)))
			continue
		}
		v, err := r(ctx, a, code)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", set.Name, code, err)
		}
		report.Validations = append(report.Validations, v)
	}
	report.ValidationState = Fold(report.Validations)
	e.logger.Debug("rule set evaluated",
		slog.String("set", set.Name),
		slog.Int("validations", len(report.Validations)),
		slog.String("state", string(report.ValidationState)))
	return report, nil
}

// judged reports whether err is a verdict on the input rather than an
// operational failure.
func judged(err error) bool {
	return errors.Is(err, backend.ErrInvalidEntity) || errors.Is(err, backend.ErrInvalidInput)
}
