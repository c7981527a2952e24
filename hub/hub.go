// Package hub manages the hub's own PKI: the issuer CA that signs inbound
// enrollments and the hub's TLS server certificate.
package hub

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
	"github.com/jmcleod/pkiengine/secrets"
	"github.com/jmcleod/pkiengine/validation"
)

// ErrNoCA is returned when no hub issuer CA has been created.
var ErrNoCA = errors.New("hub issuer CA not created")

// ErrNoServerCert is returned when no hub server certificate is stored.
var ErrNoServerCert = errors.New("hub server certificate not stored")

// CALoader is implemented by backends that hold the signing CA in process
// memory and must be handed the stored CA again after a restart.
type CALoader interface {
	UseCA(ctx context.Context, certPEM, keyPEM string, policy backend.SigningPolicy) error
}

// IssuerCA is the hub's issuer CA. Key is whatever the backend handed back
// (passphrase-encrypted for the local backend) and is stripped by Public.
type IssuerCA struct {
	Certificate     string                  `json:"certificate"`
	CertInfo        *certinfo.CertInfo      `json:"certInfo"`
	Key             string                  `json:"key,omitempty"`
	Policy          backend.SigningPolicy   `json:"policy"`
	Validations     []validation.Validation `json:"validations"`
	ValidationState validation.State        `json:"validationState"`
	CreatedAt       time.Time               `json:"createdAt"`
}

// Public returns a copy without the key.
func (c *IssuerCA) Public() *IssuerCA {
	out := *c
	out.Key = ""
	return &out
}

// ServerCert is the hub's TLS server certificate.
type ServerCert struct {
	RootCertificate       string                  `json:"rootCertificate"`
	IntermediateChain     string                  `json:"intermediateChain"`
	ServerCertificate     string                  `json:"serverCertificate"`
	ServerCertificateInfo *certinfo.CertInfo      `json:"serverCertificateInfo"`
	Key                   string                  `json:"key,omitempty"`
	Validations           []validation.Validation `json:"validations"`
	ValidationState       validation.State        `json:"validationState"`
	UpdatedAt             time.Time               `json:"updatedAt"`
}

// Public returns a copy without the key.
func (c *ServerCert) Public() *ServerCert {
	out := *c
	out.Key = ""
	return &out
}

var (
	issuerKey = secrets.Key{Category: secrets.CategoryHubIssuerCA}
	serverKey = secrets.Key{Category: secrets.CategoryHubServerCert}
)

// Service manages the hub CA and server certificate.
type Service struct {
	backend backend.Backend
	engine  *validation.Engine
	store   secrets.Store
	logger  *slog.Logger
	now     func() time.Time
}

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
func New(b backend.Backend, engine *validation.Engine, store secrets.Store, opts ...Option) *Service {
	s := &Service{
		backend: b,
		engine:  engine,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) op(name string) *slog.Logger {
	return s.logger.With(slog.String("op_id", uuid.NewString()), slog.String("op", name))
}

// CreateCA creates the hub issuer CA through the backend, judges it with the
// CA rule set and stores it. Malformed info is rejected before the backend
// is called.
func (s *Service) CreateCA(ctx context.Context, info *backend.CAInitialInfo, ttl time.Duration) (*IssuerCA, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	log := s.op("create_ca")

	res, err := s.backend.CreateCA(ctx, info, ttl)
	if err != nil {
		return nil, fmt.Errorf("creating hub CA: %w", err)
	}
	certInfo, err := s.backend.CertInfo(ctx, res.Cert)
	if err != nil {
		return nil, fmt.Errorf("inspecting hub CA: %w", err)
	}
	report, err := s.engine.RunSet(ctx, validation.CASet(), validation.Artifacts{RootCertificate: res.Cert})
	if err != nil {
		return nil, err
	}
	ca := &IssuerCA{
		Certificate:     res.Cert,
		CertInfo:        certInfo,
		Key:             res.Key,
		Policy:          info.Default,
		Validations:     report.Validations,
		ValidationState: report.ValidationState,
		CreatedAt:       s.now().UTC(),
	}
	if err := secrets.SetJSON(ctx, s.store, issuerKey, ca); err != nil {
		return nil, err
	}
	log.Info("hub CA created",
		slog.String("cn", info.Name().CN),
		slog.String("key", info.CSR.Key.String()),
		slog.String("validation_state", string(ca.ValidationState)))
	return ca.Public(), nil
}

func (s *Service) load(ctx context.Context) (*IssuerCA, error) {
	var ca IssuerCA
	if err := secrets.GetJSON(ctx, s.store, issuerKey, &ca); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, ErrNoCA
		}
		return nil, err
	}
	return &ca, nil
}

// GetCA returns the stored hub CA without its key.
func (s *Service) GetCA(ctx context.Context) (*IssuerCA, error) {
	ca, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return ca.Public(), nil
}

// UseStoredCA hands the stored CA back to a backend that keeps its CA in
// memory. Backends that keep the CA themselves are left alone.
func (s *Service) UseStoredCA(ctx context.Context) error {
	loader, ok := s.backend.(CALoader)
	if !ok {
		s.logger.Debug("backend keeps its own CA")
		return nil
	}
	ca, err := s.load(ctx)
	if err != nil {
		return err
	}
	if err := loader.UseCA(ctx, ca.Certificate, ca.Key, ca.Policy); err != nil {
		return fmt.Errorf("loading stored hub CA: %w", err)
	}
	s.op("use_stored_ca").Info("hub CA loaded")
	return nil
}

// CreateServerCert generates a key and CSR for params, signs it with the hub
// CA and stores the result judged with the server-certificate rule set.
func (s *Service) CreateServerCert(ctx context.Context, params backend.CSRParameters, keyBits int, ttl time.Duration) (*ServerCert, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ca, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	pair, err := s.backend.CreateCSR(ctx, params, keyBits, "")
	if err != nil {
		return nil, fmt.Errorf("generating hub server CSR: %w", err)
	}
	cert, err := s.backend.Sign(ctx, pair.CSR, ttl)
	if err != nil {
		return nil, fmt.Errorf("signing hub server certificate: %w", err)
	}
	return s.storeServerCert(ctx, s.op("create_server_cert"), ca.Certificate, "", cert, pair.Key)
}

// SetServerCert stores an externally issued hub server certificate.
func (s *Service) SetServerCert(ctx context.Context, rootPEM, chainPEM, serverPEM string) (*ServerCert, error) {
	if strings.TrimSpace(serverPEM) == "" {
		return nil, &backend.InputError{Field: "serverCertificate", Reason: "is required"}
	}
	return s.storeServerCert(ctx, s.op("set_server_cert"), rootPEM, chainPEM, serverPEM, "")
}

func (s *Service) storeServerCert(ctx context.Context, log *slog.Logger, rootPEM, chainPEM, serverPEM, keyPEM string) (*ServerCert, error) {
	info, err := s.backend.CertInfo(ctx, serverPEM)
	if err != nil {
		return nil, fmt.Errorf("inspecting hub server certificate: %w", err)
	}
	report, err := s.engine.RunSet(ctx, validation.ServerCertSet(s.engine.Policy()), validation.Artifacts{
		Certificate:       serverPEM,
		RootCertificate:   rootPEM,
		IntermediateChain: chainPEM,
	})
	if err != nil {
		return nil, err
	}
	sc := &ServerCert{
		RootCertificate:       rootPEM,
		IntermediateChain:     chainPEM,
		ServerCertificate:     serverPEM,
		ServerCertificateInfo: info,
		Key:                   keyPEM,
		Validations:           report.Validations,
		ValidationState:       report.ValidationState,
		UpdatedAt:             s.now().UTC(),
	}
	if err := secrets.SetJSON(ctx, s.store, serverKey, sc); err != nil {
		return nil, err
	}
	log.Info("hub server certificate stored", slog.String("validation_state", string(sc.ValidationState)))
	return sc.Public(), nil
}

// GetServerCert returns the stored hub server certificate without its key.
func (s *Service) GetServerCert(ctx context.Context) (*ServerCert, error) {
	var sc ServerCert
	if err := secrets.GetJSON(ctx, s.store, serverKey, &sc); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, ErrNoServerCert
		}
		return nil, err
	}
	return sc.Public(), nil
}
