package enrollment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmcleod/pkiengine/backend"
)

// CreateOutbound generates a key pair and CSR for params and records them as
// an outbound enrollment of dfspID. The returned projection has no key.
func (s *Service) CreateOutbound(ctx context.Context, dfspID string, params backend.CSRParameters, keyBits int, algorithm string) (*Enrollment, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	log := s.op("create", Outbound, dfspID)
	pair, err := s.backend.CreateCSR(ctx, params, keyBits, algorithm)
	if err != nil {
		return nil, fmt.Errorf("generating CSR: %w", err)
	}
	return s.create(ctx, log, Outbound, dfspID, pair.CSR, pair.Key)
}

// AttachOutbound records the certificate the DFSP issued for the CSR.
func (s *Service) AttachOutbound(ctx context.Context, dfspID string, id int64, certPEM string) (*Enrollment, error) {
	log := s.op("attach", Outbound, dfspID)
	e, err := s.load(ctx, Outbound, dfspID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(e, StateCSRLoaded, StateCertSigned); err != nil {
		return nil, err
	}
	return s.attach(ctx, log, e, certPEM, CATypeExternal)
}

// ValidateOutbound re-runs the outbound rule set against the DFSP's current
// CA. State stays CERT_SIGNED; only the validations change.
func (s *Service) ValidateOutbound(ctx context.Context, dfspID string, id int64) (*Enrollment, error) {
	log := s.op("validate", Outbound, dfspID)
	e, err := s.load(ctx, Outbound, dfspID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(e, StateCertSigned); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, e); err != nil {
		return nil, err
	}
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	log.Info("enrollment validated",
		slog.Int64("enrollment_id", id),
		slog.String("validation_state", string(e.ValidationState)))
	return e.Public(), nil
}

// Key returns the private key generated for an outbound enrollment, for
// installing the issued certificate. It is empty for uploaded CSRs.
func (s *Service) Key(ctx context.Context, dfspID string, id int64) (string, error) {
	e, err := s.load(ctx, Outbound, dfspID, id)
	if err != nil {
		return "", err
	}
	return e.Key, nil
}
