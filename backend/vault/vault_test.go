package vault_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/backend/vault"
	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/jmcleod/pkiengine/internal/testpki"
	"github.com/jmcleod/pkiengine/secrets"
	"github.com/jmcleod/pkiengine/secrets/secretstest"
)

const testToken = "s.test-token"

// fakeVault emulates the auth, KV v1 and PKI endpoints the backend calls.
type fakeVault struct {
	t    *testing.T
	root *testpki.Authority

	mu            sync.Mutex
	kv            map[string]map[string]any
	loginFailures int
	logins        int
	requests      map[string]map[string]any
}

func newFakeVault(t *testing.T) *fakeVault {
	return &fakeVault{
		t:        t,
		root:     testpki.NewRoot(t, "Vault Root"),
		kv:       map[string]map[string]any{},
		requests: map[string]map[string]any{},
	}
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	f.requests[path] = body

	if path == "auth/approle/login" {
		f.logins++
		if f.loginFailures > 0 {
			f.loginFailures--
			reply(w, http.StatusServiceUnavailable, map[string]any{"errors": []string{"sealed"}})
			return
		}
		if body["role_id"] != "role" || body["secret_id"] != "secret" {
			reply(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid role or secret ID"}})
			return
		}
		reply(w, http.StatusOK, map[string]any{"auth": map[string]any{"client_token": testToken}})
		return
	}
	if r.Header.Get("X-Vault-Token") != testToken {
		reply(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	switch {
	case strings.HasPrefix(path, "secrets/"):
		f.serveKV(w, r, strings.TrimPrefix(path, "secrets/"), body)
	case path == "pki/ca/pem":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(f.root.PEM))
	case path == "pki/root/generate/exported":
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{
			"certificate": f.root.PEM,
			"private_key": testpki.KeyPEM(f.root.Key),
		}})
	case path == "pki/intermediate/generate/exported":
		cn, _ := body["common_name"].(string)
		req := testpki.NewRequest(f.t, pkix.Name{CommonName: cn}, nil, nil, 2048)
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{"csr": req.PEM, "private_key": req.KeyPEM}})
	case path == "pki/issue/hub":
		cn, _ := body["common_name"].(string)
		req := testpki.NewRequest(f.t, pkix.Name{CommonName: cn}, nil, nil, 2048)
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{
			"certificate":   f.root.Issue(f.t, req, x509.ExtKeyUsageServerAuth),
			"private_key":   req.KeyPEM,
			"issuing_ca":    f.root.PEM,
			"serial_number": "01:02",
		}})
	case path == "pki/sign/hub", path == "pki/root/sign-intermediate":
		csrPEM, _ := body["csr"].(string)
		block, _ := pem.Decode([]byte(csrPEM))
		if block == nil {
			reply(w, http.StatusBadRequest, map[string]any{"errors": []string{"bad csr"}})
			return
		}
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			reply(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
			return
		}
		cert, err := f.root.IssueCSR(csr, x509.ExtKeyUsageServerAuth)
		if err != nil {
			reply(w, http.StatusInternalServerError, map[string]any{"errors": []string{err.Error()}})
			return
		}
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{"certificate": cert}})
	case path == "pki/intermediate/set-signed", path == "pki/config/ca":
		w.WriteHeader(http.StatusNoContent)
	default:
		reply(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	}
}

func (f *fakeVault) serveKV(w http.ResponseWriter, r *http.Request, key string, body map[string]any) {
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("list") == "true":
		var keys []string
		for k := range f.kv {
			if rest, ok := strings.CutPrefix(k, key+"/"); ok {
				if i := strings.Index(rest, "/"); i >= 0 {
					rest = rest[:i+1]
				}
				if !slices.Contains(keys, rest) {
					keys = append(keys, rest)
				}
			}
		}
		if len(keys) == 0 {
			reply(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
	case r.Method == http.MethodGet:
		data, ok := f.kv[key]
		if !ok {
			reply(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		reply(w, http.StatusOK, map[string]any{"data": data})
	case r.Method == http.MethodPut || r.Method == http.MethodPost:
		f.kv[key] = body
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete:
		delete(f.kv, key)
		w.WriteHeader(http.StatusNoContent)
	}
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newBackend(t *testing.T, f *fakeVault, mutate ...func(*vault.Config)) *vault.Backend {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := vault.Config{
		Address:        srv.URL,
		Role:           "hub",
		Auth:           vault.Auth{Method: vault.AuthAppRole, RoleID: "role", SecretID: "secret"},
		ConnectRetries: 3,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := vault.New(cfg, vault.WithRetryInterval(time.Millisecond))
	require.NoError(t, err)
	return b
}

func connected(t *testing.T) (*vault.Backend, *fakeVault) {
	t.Helper()
	f := newFakeVault(t)
	b := newBackend(t, f)
	require.NoError(t, b.Connect(t.Context()))
	return b, f
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	f := newFakeVault(t)
	f.loginFailures = 2
	b := newBackend(t, f)

	require.NoError(t, b.Connect(t.Context()))
	assert.Equal(t, 3, f.logins)
}

func TestConnect_GivesUp(t *testing.T) {
	f := newFakeVault(t)
	f.loginFailures = 10
	b := newBackend(t, f)

	err := b.Connect(t.Context())
	require.ErrorIs(t, err, backend.ErrExternal)
	assert.Equal(t, 3, f.logins)
}

func TestConnect_RejectedCredentialsNotRetried(t *testing.T) {
	f := newFakeVault(t)
	b := newBackend(t, f, func(c *vault.Config) { c.Auth.SecretID = "wrong" })

	err := b.Connect(t.Context())
	require.ErrorIs(t, err, backend.ErrExternal)
	assert.Equal(t, 1, f.logins)
}

func TestConnect_Token(t *testing.T) {
	f := newFakeVault(t)
	b := newBackend(t, f, func(c *vault.Config) {
		c.Auth = vault.Auth{Method: vault.AuthToken, Token: testToken}
	})
	require.NoError(t, b.Connect(t.Context()))
	assert.Equal(t, 0, f.logins)

	_, err := b.List(t.Context(), secrets.CategoryDFSPCA, "d1")
	require.NoError(t, err)
}

func TestSecretStore(t *testing.T) {
	b, _ := connected(t)
	secretstest.Run(t, b)
}

func TestSecretStore_Unauthenticated(t *testing.T) {
	f := newFakeVault(t)
	b := newBackend(t, f)
	_, err := b.Get(t.Context(), secrets.Key{Category: secrets.CategoryDFSPCA, DFSPID: "d1"})
	assert.ErrorIs(t, err, backend.ErrExternal)
}

func TestCreateCA(t *testing.T) {
	b, f := connected(t)
	info := &backend.CAInitialInfo{
		Default: backend.SigningPolicy{Expiry: "8760h"},
		CSR: backend.CARequest{
			Hosts: []string{"hub.example.com", "10.0.0.1"},
			Names: []backend.CAName{{CN: "Hub CA", O: "Modusbox"}},
			Key:   backend.KeySpec{Algo: backend.AlgoRSA, Size: 4096},
		},
	}

	ca, err := b.CreateCA(t.Context(), info, 0)
	require.NoError(t, err)
	assert.Equal(t, f.root.PEM, ca.Cert)

	req := f.requests["pki/root/generate/exported"]
	assert.Equal(t, "Hub CA", req["common_name"])
	assert.Equal(t, "hub.example.com", req["alt_names"])
	assert.Equal(t, "10.0.0.1", req["ip_sans"])
	assert.Equal(t, "rsa", req["key_type"])
	assert.Equal(t, "31536000s", req["ttl"])

	root, err := b.RootCA(t.Context())
	require.NoError(t, err)
	assert.Equal(t, f.root.PEM, root)
}

func TestCreateCA_InvalidInputMakesNoCall(t *testing.T) {
	b, f := connected(t)
	_, err := b.CreateCA(t.Context(), &backend.CAInitialInfo{}, 0)
	assert.ErrorIs(t, err, backend.ErrInvalidInput)
	_, called := f.requests["pki/root/generate/exported"]
	assert.False(t, called)
}

func TestCreateCSRAndSign(t *testing.T) {
	b, f := connected(t)
	ctx := t.Context()
	params := backend.CSRParameters{
		Subject: backend.CSRSubject{CN: "dfsp1.example.com", O: "Modusbox"},
		Extensions: backend.CSRExtensions{SubjectAltName: certinfo.SubjectAltName{
			DNS: []string{"a.example.com"},
			IPs: []string{"163.10.5.24"},
		}},
	}

	pair, err := b.CreateCSR(ctx, params, 2048, "")
	require.NoError(t, err)
	assert.Contains(t, pair.CSR, "CERTIFICATE REQUEST")
	assert.NotEmpty(t, pair.Key)

	req := f.requests["pki/intermediate/generate/exported"]
	assert.Equal(t, "a.example.com", req["alt_names"])
	assert.Equal(t, "163.10.5.24", req["ip_sans"])
	assert.EqualValues(t, 2048, req["key_bits"])

	cert, err := b.Sign(ctx, pair.CSR, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, cert, "BEGIN CERTIFICATE")
	assert.Equal(t, "3600s", f.requests["pki/sign/hub"]["ttl"])

	info, err := b.CertInfo(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, "Vault Root", *info.Issuer.CN)
}

func TestSign_RequiresRole(t *testing.T) {
	f := newFakeVault(t)
	b := newBackend(t, f, func(c *vault.Config) { c.Role = "" })
	require.NoError(t, b.Connect(t.Context()))

	_, err := b.Sign(t.Context(), "csr", 0)
	assert.ErrorIs(t, err, backend.ErrInvalidInput)
}

func TestCreateIntermediateCA(t *testing.T) {
	b, f := connected(t)
	info := &backend.CAInitialInfo{
		CSR: backend.CARequest{
			Names: []backend.CAName{{CN: "Hub Intermediate"}},
			Key:   backend.KeySpec{Algo: backend.AlgoRSA, Size: 2048},
		},
	}

	ca, err := b.CreateIntermediateCA(t.Context(), info, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, ca.CSR)
	assert.NotEmpty(t, ca.Key)
	assert.Equal(t, ca.Cert, f.requests["pki/intermediate/set-signed"]["certificate"])
}

func TestSetCA(t *testing.T) {
	b, f := connected(t)
	require.NoError(t, b.SetCA(t.Context(), "CERT", "KEY"))
	assert.Equal(t, "KEY\nCERT\n", f.requests["pki/config/ca"]["pem_bundle"])
}

func TestIssueCertificate(t *testing.T) {
	b, f := connected(t)
	params := backend.CSRParameters{
		Subject: backend.CSRSubject{CN: "hub.example.com"},
		Extensions: backend.CSRExtensions{SubjectAltName: certinfo.SubjectAltName{
			DNS: []string{"hub.example.com"},
		}},
	}

	issued, err := b.IssueCertificate(t.Context(), params, 2*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, issued.Certificate, "BEGIN CERTIFICATE")
	assert.NotEmpty(t, issued.PrivateKey)
	assert.Equal(t, f.root.PEM, issued.IssuingCA)
	assert.Equal(t, "01:02", issued.SerialNumber)

	req := f.requests["pki/issue/hub"]
	assert.Equal(t, "hub.example.com", req["common_name"])
	assert.Equal(t, "7200s", req["ttl"])
}
