// Package secrets defines the namespaced secret store that persists
// enrollments, CA records and certificates as opaque JSON blobs keyed by
// {category}/{dfspId}[/{id}].
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("secret not found")

// Category namespaces secrets by kind.
type Category string

const (
	CategoryDFSPCA             Category = "dfsp-ca"
	CategoryDFSPServerCert     Category = "dfsp-server-cert"
	CategoryDFSPJWSCerts       Category = "dfsp-jws-certs"
	CategoryHubServerCert      Category = "hub-server-cert"
	CategoryHubIssuerCA        Category = "hub-issuer-ca"
	CategoryOutboundEnrollment Category = "dfsp-outbound-enrollment"
	CategoryInboundEnrollment  Category = "dfsp-inbound-enrollment"
	CategoryHubEndpoints       Category = "hub-endpoints"
)

// DFSPCategories are the categories whose keys are scoped to a DFSP.
var DFSPCategories = []Category{
	CategoryDFSPCA,
	CategoryDFSPServerCert,
	CategoryDFSPJWSCerts,
	CategoryOutboundEnrollment,
	CategoryInboundEnrollment,
	CategoryHubEndpoints,
}

// Key addresses one secret. DFSPID is empty for hub-wide secrets and ID is
// empty for single-valued DFSP secrets.
type Key struct {
	Category Category
	DFSPID   string
	ID       string
}

// Path renders the key as {category}/{dfspId}[/{id}], skipping empty parts.
func (k Key) Path() string {
	parts := []string{string(k.Category)}
	if k.DFSPID != "" {
		parts = append(parts, k.DFSPID)
	}
	if k.ID != "" {
		parts = append(parts, k.ID)
	}
	return strings.Join(parts, "/")
}

func (k Key) String() string {
	return k.Path()
}

// Validate rejects keys whose parts would alias other keys.
func (k Key) Validate() error {
	if k.Category == "" {
		return errors.New("secret key: category is required")
	}
	for name, part := range map[string]string{"dfspId": k.DFSPID, "id": k.ID} {
		if strings.Contains(part, "/") {
			return fmt.Errorf("secret key: %s %q must not contain '/'", name, part)
		}
	}
	if k.ID != "" && k.DFSPID == "" {
		return errors.New("secret key: id requires a dfspId")
	}
	return nil
}

// Store is a namespaced blob store. List returns the ids directly under
// {category}/{dfspId}, sorted, and an empty slice when there are none.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	List(ctx context.Context, category Category, dfspID string) ([]string, error)
	Delete(ctx context.Context, key Key) error
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key Key, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and writes it at key.
func SetJSON(ctx context.Context, s Store, key Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
