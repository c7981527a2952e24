package enrollment

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmcleod/pkiengine/backend"
)

// CreateInbound captures a CSR uploaded by dfspID.
func (s *Service) CreateInbound(ctx context.Context, dfspID, csrPEM string) (*Enrollment, error) {
	if err := checkDFSP(dfspID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(csrPEM) == "" {
		return nil, &backend.InputError{Field: "csr", Reason: "is required"}
	}
	return s.create(ctx, s.op("create", Inbound, dfspID), Inbound, dfspID, csrPEM, "")
}

// SignInbound has the backend's CA sign the enrollment's CSR.
func (s *Service) SignInbound(ctx context.Context, dfspID string, id int64) (*Enrollment, error) {
	log := s.op("sign", Inbound, dfspID)
	e, err := s.load(ctx, Inbound, dfspID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(e, StateCSRLoaded); err != nil {
		return nil, err
	}
	cert, err := s.backend.Sign(ctx, e.CSR, s.signTTL)
	if err != nil {
		return nil, fmt.Errorf("signing inbound enrollment %d: %w", id, err)
	}
	return s.attach(ctx, log, e, cert, CATypeInternal)
}

// AttachInbound records a certificate signed outside the engine. A signed
// enrollment may have its certificate replaced.
func (s *Service) AttachInbound(ctx context.Context, dfspID string, id int64, certPEM string) (*Enrollment, error) {
	log := s.op("attach", Inbound, dfspID)
	e, err := s.load(ctx, Inbound, dfspID, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(e, StateCSRLoaded, StateCertSigned); err != nil {
		return nil, err
	}
	return s.attach(ctx, log, e, certPEM, CATypeExternal)
}
