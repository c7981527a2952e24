// Package dfsp manages the certificates a DFSP registers with the hub: its
// CA (root plus intermediate chain), its TLS server certificates and its JWS
// signing certificate. Each upload is judged with the matching rule set and
// stored together with the resulting report.
package dfsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/jmcleod/pkiengine/enrollment"
	"github.com/jmcleod/pkiengine/secrets"
	"github.com/jmcleod/pkiengine/toolkit"
	"github.com/jmcleod/pkiengine/validation"
)

// ErrNotFound is returned when the DFSP has no record of the requested kind.
var ErrNotFound = errors.New("dfsp record not found")

// CA is a DFSP's certificate authority as stored.
type CA struct {
	RootCertificate       string                  `json:"rootCertificate"`
	IntermediateChain     string                  `json:"intermediateChain"`
	RootCertificateInfo   *certinfo.CertInfo      `json:"rootCertificateInfo"`
	IntermediateChainInfo []*certinfo.CertInfo    `json:"intermediateChainInfo"`
	Validations           []validation.Validation `json:"validations"`
	ValidationState       validation.State        `json:"validationState"`
	UpdatedAt             time.Time               `json:"updatedAt"`
}

// ServerCerts are a DFSP's TLS server certificate and its chain.
type ServerCerts struct {
	RootCertificate       string                  `json:"rootCertificate"`
	IntermediateChain     string                  `json:"intermediateChain"`
	ServerCertificate     string                  `json:"serverCertificate"`
	RootCertificateInfo   *certinfo.CertInfo      `json:"rootCertificateInfo"`
	IntermediateChainInfo []*certinfo.CertInfo    `json:"intermediateChainInfo"`
	ServerCertificateInfo *certinfo.CertInfo      `json:"serverCertificateInfo"`
	Validations           []validation.Validation `json:"validations"`
	ValidationState       validation.State        `json:"validationState"`
	UpdatedAt             time.Time               `json:"updatedAt"`
}

// JWSCert is a DFSP's JWS signing certificate.
type JWSCert struct {
	DFSPID                string                  `json:"dfspId"`
	JWSCertificate        string                  `json:"jwsCertificate"`
	IntermediateChain     string                  `json:"intermediateChain"`
	JWSCertificateInfo    *certinfo.CertInfo      `json:"jwsCertificateInfo"`
	IntermediateChainInfo []*certinfo.CertInfo    `json:"intermediateChainInfo"`
	Validations           []validation.Validation `json:"validations"`
	ValidationState       validation.State        `json:"validationState"`
	UpdatedAt             time.Time               `json:"updatedAt"`
}

// Service stores and judges DFSP certificates.
type Service struct {
	inspector backend.Inspector
	engine    *validation.Engine
	store     secrets.Store
	logger    *slog.Logger
	now       func() time.Time
}

var _ enrollment.CASource = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(inspector backend.Inspector, engine *validation.Engine, store secrets.Store, opts ...Option) *Service {
	s := &Service{
		inspector: inspector,
		engine:    engine,
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) op(name, dfspID string) *slog.Logger {
	return s.logger.With(
		slog.String("op_id", uuid.NewString()),
		slog.String("op", name),
		slog.String("dfsp_id", dfspID))
}

func checkDFSP(dfspID string) error {
	if strings.TrimSpace(dfspID) == "" || strings.Contains(dfspID, "/") {
		return &backend.InputError{Field: "dfspId", Reason: "must be non-empty and contain no '/'"}
	}
	return nil
}

// inspect parses an optional certificate.
func (s *Service) inspect(ctx context.Context, what, certPEM string) (*certinfo.CertInfo, error) {
	if certPEM == "" {
		return nil, nil
	}
	info, err := s.inspector.CertInfo(ctx, certPEM)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", what, err)
	}
	return info, nil
}

// inspectChain parses every certificate of a concatenated chain in order.
func (s *Service) inspectChain(ctx context.Context, chainPEM string) ([]*certinfo.CertInfo, error) {
	certs := toolkit.SplitChain(chainPEM)
	out := make([]*certinfo.CertInfo, 0, len(certs))
	for i, cert := range certs {
		info, err := s.inspect(ctx, fmt.Sprintf("intermediate certificate %d", i+1), cert)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) get(ctx context.Context, key secrets.Key, v any) error {
	if err := checkDFSP(key.DFSPID); err != nil {
		return err
	}
	err := secrets.GetJSON(ctx, s.store, key, v)
	if errors.Is(err, secrets.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (s *Service) remove(ctx context.Context, key secrets.Key) error {
	if err := checkDFSP(key.DFSPID); err != nil {
		return err
	}
	err := s.store.Delete(ctx, key)
	if errors.Is(err, secrets.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func caKey(dfspID string) secrets.Key {
	return secrets.Key{Category: secrets.CategoryDFSPCA, DFSPID: dfspID}
}

// SetCA uploads a DFSP's root certificate and intermediate chain, either of
// which may be empty but not both, and judges them with the CA rule set.
func (s *Service) SetCA(ctx context.Context, dfspID, rootPEM, chainPEM string) (*CA, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rootPEM) == "" && strings.TrimSpace(chainPEM) == "" {
		return nil, &backend.InputError{Field: "rootCertificate", Reason: "a root certificate or an intermediate chain is required"}
	}
	log := s.op("set_ca", dfspID)

	ca := &CA{RootCertificate: rootPEM, IntermediateChain: chainPEM}
	var err error
	if ca.RootCertificateInfo, err = s.inspect(ctx, "root certificate", rootPEM); err != nil {
		return nil, err
	}
	if ca.IntermediateChainInfo, err = s.inspectChain(ctx, chainPEM); err != nil {
		return nil, err
	}
	report, err := s.engine.RunSet(ctx, validation.CASet(), validation.Artifacts{
		RootCertificate:   rootPEM,
		IntermediateChain: chainPEM,
	})
	if err != nil {
		return nil, err
	}
	ca.Validations = report.Validations
	ca.ValidationState = report.ValidationState
	ca.UpdatedAt = s.now().UTC()

	if err := secrets.SetJSON(ctx, s.store, caKey(dfspID), ca); err != nil {
		return nil, err
	}
	log.Info("dfsp CA stored", slog.String("validation_state", string(ca.ValidationState)))
	return ca, nil
}

// GetCA returns the DFSP's stored CA.
func (s *Service) GetCA(ctx context.Context, dfspID string) (*CA, error) {
	var ca CA
	if err := s.get(ctx, caKey(dfspID), &ca); err != nil {
		return nil, err
	}
	return &ca, nil
}

// DeleteCA removes the DFSP's stored CA.
func (s *Service) DeleteCA(ctx context.Context, dfspID string) error {
	if err := s.remove(ctx, caKey(dfspID)); err != nil {
		return err
	}
	s.op("delete_ca", dfspID).Info("dfsp CA deleted")
	return nil
}

// DFSPCA implements enrollment.CASource.
func (s *Service) DFSPCA(ctx context.Context, dfspID string) (*validation.DFSPCA, error) {
	ca, err := s.GetCA(ctx, dfspID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &validation.DFSPCA{
		RootCertificate:   ca.RootCertificate,
		IntermediateChain: ca.IntermediateChain,
		ValidationState:   ca.ValidationState,
	}, nil
}

func serverKey(dfspID string) secrets.Key {
	return secrets.Key{Category: secrets.CategoryDFSPServerCert, DFSPID: dfspID}
}

// SetServerCerts uploads a DFSP's TLS server certificate with its chain and
// judges it with the server-certificate rule set.
func (s *Service) SetServerCerts(ctx context.Context, dfspID, rootPEM, chainPEM, serverPEM string) (*ServerCerts, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(serverPEM) == "" {
		return nil, &backend.InputError{Field: "serverCertificate", Reason: "is required"}
	}
	log := s.op("set_server_certs", dfspID)

	sc := &ServerCerts{RootCertificate: rootPEM, IntermediateChain: chainPEM, ServerCertificate: serverPEM}
	var err error
	if sc.RootCertificateInfo, err = s.inspect(ctx, "root certificate", rootPEM); err != nil {
		return nil, err
	}
	if sc.IntermediateChainInfo, err = s.inspectChain(ctx, chainPEM); err != nil {
		return nil, err
	}
	if sc.ServerCertificateInfo, err = s.inspect(ctx, "server certificate", serverPEM); err != nil {
		return nil, err
	}
	report, err := s.engine.RunSet(ctx, validation.ServerCertSet(s.engine.Policy()), validation.Artifacts{
		Certificate:       serverPEM,
		RootCertificate:   rootPEM,
		IntermediateChain: chainPEM,
	})
	if err != nil {
		return nil, err
	}
	sc.Validations = report.Validations
	sc.ValidationState = report.ValidationState
	sc.UpdatedAt = s.now().UTC()

	if err := secrets.SetJSON(ctx, s.store, serverKey(dfspID), sc); err != nil {
		return nil, err
	}
	log.Info("dfsp server certificates stored", slog.String("validation_state", string(sc.ValidationState)))
	return sc, nil
}

// GetServerCerts returns the DFSP's stored server certificates.
func (s *Service) GetServerCerts(ctx context.Context, dfspID string) (*ServerCerts, error) {
	var sc ServerCerts
	if err := s.get(ctx, serverKey(dfspID), &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// DeleteServerCerts removes the DFSP's stored server certificates.
func (s *Service) DeleteServerCerts(ctx context.Context, dfspID string) error {
	return s.remove(ctx, serverKey(dfspID))
}

func jwsKey(dfspID string) secrets.Key {
	return secrets.Key{Category: secrets.CategoryDFSPJWSCerts, DFSPID: dfspID}
}

// SetJWSCert uploads a DFSP's JWS certificate and judges it with the JWS
// rule set.
func (s *Service) SetJWSCert(ctx context.Context, dfspID, certPEM, chainPEM string) (*JWSCert, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(certPEM) == "" {
		return nil, &backend.InputError{Field: "jwsCertificate", Reason: "is required"}
	}
	log := s.op("set_jws_cert", dfspID)

	jc := &JWSCert{DFSPID: dfspID, JWSCertificate: certPEM, IntermediateChain: chainPEM}
	var err error
	if jc.JWSCertificateInfo, err = s.inspect(ctx, "JWS certificate", certPEM); err != nil {
		return nil, err
	}
	if jc.IntermediateChainInfo, err = s.inspectChain(ctx, chainPEM); err != nil {
		return nil, err
	}
	report, err := s.engine.RunSet(ctx, validation.JWSCertSet(), validation.Artifacts{
		Certificate:       certPEM,
		IntermediateChain: chainPEM,
	})
	if err != nil {
		return nil, err
	}
	jc.Validations = report.Validations
	jc.ValidationState = report.ValidationState
	jc.UpdatedAt = s.now().UTC()

	if err := secrets.SetJSON(ctx, s.store, jwsKey(dfspID), jc); err != nil {
		return nil, err
	}
	log.Info("dfsp JWS certificate stored", slog.String("validation_state", string(jc.ValidationState)))
	return jc, nil
}

// GetJWSCert returns the DFSP's stored JWS certificate.
func (s *Service) GetJWSCert(ctx context.Context, dfspID string) (*JWSCert, error) {
	var jc JWSCert
	if err := s.get(ctx, jwsKey(dfspID), &jc); err != nil {
		return nil, err
	}
	return &jc, nil
}

// ListJWSCerts returns the JWS certificates of the given DFSPs, skipping
// those without one. The DFSP registry lives outside this package.
func (s *Service) ListJWSCerts(ctx context.Context, dfspIDs []string) ([]*JWSCert, error) {
	out := make([]*JWSCert, 0, len(dfspIDs))
	for _, id := range dfspIDs {
		jc, err := s.GetJWSCert(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, jc)
	}
	return out, nil
}

// DeleteJWSCert removes the DFSP's stored JWS certificate.
func (s *Service) DeleteJWSCert(ctx context.Context, dfspID string) error {
	return s.remove(ctx, jwsKey(dfspID))
}

// Delete removes every secret stored for the DFSP, enrollments included.
func (s *Service) Delete(ctx context.Context, dfspID string) error {
	if err := checkDFSP(dfspID); err != nil {
		return err
	}
	if err := secrets.DeleteDFSP(ctx, s.store, dfspID); err != nil {
		return err
	}
	s.op("delete", dfspID).Info("dfsp secrets deleted")
	return nil
}
