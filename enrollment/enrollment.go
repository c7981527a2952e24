// Package enrollment drives certificate enrollments through their lifecycle:
// a CSR is captured or generated, signed or matched with an externally signed
// certificate, and validated with the inbound or outbound rule set. Records
// are persisted in a secrets.Store under the DFSP they belong to.
package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/jmcleod/pkiengine/validation"
)

var (
	// ErrNotFound is returned when the enrollment does not exist.
	ErrNotFound = errors.New("enrollment not found")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the enrollment's current state.
	ErrInvalidTransition = errors.New("invalid enrollment state transition")
)

// State is the lifecycle position of an enrollment.
type State string

// VALIDATED and INVALID are terminal names kept for stored records; the
// transitions here keep a signed enrollment in CERT_SIGNED and report its
// trustworthiness through ValidationState instead.
const (
	StateNew        State = "NEW"
	StateCSRLoaded  State = "CSR_LOADED"
	StateCertSigned State = "CERT_SIGNED"
	StateValidated  State = "VALIDATED"
	StateInvalid    State = "INVALID"
)

// Direction tells inbound enrollments (a DFSP CSR signed by the hub) from
// outbound ones (a hub CSR signed by a DFSP).
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// CAType records who signed the certificate.
type CAType string

const (
	CATypeInternal CAType = "INTERNAL"
	CATypeExternal CAType = "EXTERNAL"
)

// Enrollment is one tracked CSR. Key is only set on outbound enrollments
// whose key pair was generated here, and never leaves Public projections.
type Enrollment struct {
	ID              int64                   `json:"id"`
	DFSPID          string                  `json:"dfspId"`
	Direction       Direction               `json:"direction"`
	CSR             string                  `json:"csr"`
	CSRInfo         *certinfo.CSRInfo       `json:"csrInfo"`
	Certificate     string                  `json:"certificate,omitempty"`
	CertInfo        *certinfo.CertInfo      `json:"certInfo,omitempty"`
	Key             string                  `json:"key,omitempty"`
	State           State                   `json:"state"`
	Validations     []validation.Validation `json:"validations"`
	ValidationState validation.State        `json:"validationState"`
	CAType          CAType                  `json:"caType,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

// Public returns a copy safe to hand to callers: the private key is removed.
func (e *Enrollment) Public() *Enrollment {
	out := *e
	out.Key = ""
	out.Validations = append([]validation.Validation(nil), e.Validations...)
	return &out
}

// IDGenerator mints enrollment ids. Ids are unique across every DFSP and
// direction, not per DFSP.
type IDGenerator interface {
	NextID(ctx context.Context) (int64, error)
}

// CASource looks up the CA a DFSP has on file. A DFSP without one yields a
// nil CA and no error.
type CASource interface {
	DFSPCA(ctx context.Context, dfspID string) (*validation.DFSPCA, error)
}

// NoCA is a CASource for deployments that never store DFSP CAs.
type NoCA struct{}

// DFSPCA always reports no CA.
func (NoCA) DFSPCA(context.Context, string) (*validation.DFSPCA, error) {
	return nil, nil
}
