package enrollment

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/secrets"
	"github.com/jmcleod/pkiengine/validation"
)

// Service owns the enrollment transitions.
type Service struct {
	backend backend.Backend
	engine  *validation.Engine
	store   secrets.Store
	ids     IDGenerator
	cas     CASource
	logger  *slog.Logger
	now     func() time.Time
	signTTL time.Duration
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

// WithCASource sets where outbound validation finds a DFSP's CA.
func WithCASource(c CASource) Option {
	return func(s *Service) {
		s.cas = c
	}
}

// WithSignTTL sets the lifetime of certificates signed for inbound
// enrollments. Zero uses the backend default.
func WithSignTTL(d time.Duration) Option {
	return func(s *Service) {
		s.signTTL = d
	}
}

// New creates a Service.
func New(b backend.Backend, engine *validation.Engine, store secrets.Store, ids IDGenerator, opts ...Option) *Service {
	s := &Service{
		backend: b,
		engine:  engine,
		store:   store,
		ids:     ids,
		cas:     NoCA{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func category(d Direction) secrets.Category {
	if d == Outbound {
		return secrets.CategoryOutboundEnrollment
	}
	return secrets.CategoryInboundEnrollment
}

func key(d Direction, dfspID string, id int64) secrets.Key {
	return secrets.Key{Category: category(d), DFSPID: dfspID, ID: strconv.FormatInt(id, 10)}
}

// op returns a logger tagged with a fresh operation id.
func (s *Service) op(name string, d Direction, dfspID string) *slog.Logger {
	return s.logger.With(
		slog.String("op_id", uuid.NewString()),
		slog.String("op", name),
		slog.String("direction", string(d)),
		slog.String("dfsp_id", dfspID))
}

func checkDFSP(dfspID string) error {
	if strings.TrimSpace(dfspID) == "" {
		return &backend.InputError{Field: "dfspId", Reason: "is required"}
	}
	if strings.Contains(dfspID, "/") {
		return &backend.InputError{Field: "dfspId", Reason: "must not contain '/'"}
	}
	return nil
}

func (s *Service) load(ctx context.Context, d Direction, dfspID string, id int64) (*Enrollment, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	var e Enrollment
	if err := secrets.GetJSON(ctx, s.store, key(d, dfspID, id), &e); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s enrollment %d of %s", ErrNotFound, d, id, dfspID)
		}
		return nil, err
	}
	return &e, nil
}

func (s *Service) save(ctx context.Context, e *Enrollment) error {
	e.UpdatedAt = s.now().UTC()
	return secrets.SetJSON(ctx, s.store, key(e.Direction, e.DFSPID, e.ID), e)
}

// validate runs the direction's rule set over the record and stores the
// report on it.
func (s *Service) validate(ctx context.Context, e *Enrollment) error {
	a := validation.Artifacts{
		CSR:         e.CSR,
		Certificate: e.Certificate,
		PrivateKey:  e.Key,
	}
	set := validation.InboundSet(s.engine.Policy())
	if e.Direction == Outbound {
		set = validation.OutboundSet(s.engine.Policy())
		if e.Certificate != "" {
			ca, err := s.cas.DFSPCA(ctx, e.DFSPID)
			if err != nil {
				return fmt.Errorf("loading CA of %s: %w", e.DFSPID, err)
			}
			a.DFSPCA = ca
		}
	}
	report, err := s.engine.RunSet(ctx, set, a)
	if err != nil {
		return err
	}
	e.Validations = report.Validations
	e.ValidationState = report.ValidationState
	return nil
}

// create captures csrPEM as a new CSR_LOADED enrollment.
func (s *Service) create(ctx context.Context, log *slog.Logger, d Direction, dfspID, csrPEM, keyPEM string) (*Enrollment, error) {
	info, err := s.backend.CSRInfo(ctx, csrPEM)
	if err != nil {
		return nil, fmt.Errorf("inspecting CSR: %w", err)
	}
	id, err := s.ids.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating enrollment id: %w", err)
	}
	now := s.now().UTC()
	e := &Enrollment{
		ID:        id,
		DFSPID:    dfspID,
		Direction: d,
		CSR:       csrPEM,
		CSRInfo:   info,
		Key:       keyPEM,
		State:     StateCSRLoaded,
		CreatedAt: now,
	}
	if err := s.validate(ctx, e); err != nil {
		return nil, err
	}
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	log.Info("enrollment created",
		slog.Int64("enrollment_id", id),
		slog.String("validation_state", string(e.ValidationState)))
	return e.Public(), nil
}

// attach records certPEM on e, re-validates and stores it as CERT_SIGNED.
func (s *Service) attach(ctx context.Context, log *slog.Logger, e *Enrollment, certPEM string, caType CAType) (*Enrollment, error) {
	if strings.TrimSpace(certPEM) == "" {
		return nil, &backend.InputError{Field: "certificate", Reason: "is required"}
	}
	info, err := s.backend.CertInfo(ctx, certPEM)
	if err != nil {
		return nil, fmt.Errorf("inspecting certificate: %w", err)
	}
	e.Certificate = certPEM
	e.CertInfo = info
	e.CAType = caType
	e.State = StateCertSigned
	if err := s.validate(ctx, e); err != nil {
		return nil, err
	}
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	log.Info("certificate attached",
		slog.Int64("enrollment_id", e.ID),
		slog.String("ca_type", string(caType)),
		slog.String("validation_state", string(e.ValidationState)))
	return e.Public(), nil
}

func requireState(e *Enrollment, allowed ...State) error {
	if slices.Contains(allowed, e.State) {
		return nil
	}
	return fmt.Errorf("%w: %s enrollment %d is %s", ErrInvalidTransition, e.Direction, e.ID, e.State)
}

// Get returns the public projection of an enrollment.
func (s *Service) Get(ctx context.Context, d Direction, dfspID string, id int64) (*Enrollment, error) {
	e, err := s.load(ctx, d, dfspID, id)
	if err != nil {
		return nil, err
	}
	return e.Public(), nil
}

// List returns the public projections of a DFSP's enrollments ordered by id.
func (s *Service) List(ctx context.Context, d Direction, dfspID string) ([]*Enrollment, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	names, err := s.store.List(ctx, category(d), dfspID)
	if err != nil {
		return nil, err
	}
	out := make([]*Enrollment, 0, len(names))
	for _, name := range names {
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring enrollment with non-numeric id",
				slog.String("dfsp_id", dfspID),
				slog.String("id", name))
			continue
		}
		e, err := s.Get(ctx, d, dfspID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Enrollment) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
