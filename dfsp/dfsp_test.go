package dfsp_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/backend/backendtest"
	"github.com/jmcleod/pkiengine/dfsp"
	"github.com/jmcleod/pkiengine/internal/testpki"
	"github.com/jmcleod/pkiengine/secrets/memory"
	"github.com/jmcleod/pkiengine/validation"
)

func newService(t *testing.T) *dfsp.Service {
	t.Helper()
	fake := backendtest.New(t)
	engine := validation.New(fake, validation.WithPolicy(validation.Policy{
		KeyLength:           2048,
		SignatureAlgorithms: []string{"sha256"},
	}))
	return dfsp.New(fake, engine, memory.NewStore())
}

func results(vs []validation.Validation) map[validation.Code]validation.Result {
	out := make(map[validation.Code]validation.Result, len(vs))
	for _, v := range vs {
		out[v.Code] = v.Result
	}
	return out
}

func TestCA(t *testing.T) {
	svc := newService(t)
	ctx := t.Context()

	_, err := svc.SetCA(ctx, "dfsp1", "", " ")
	require.ErrorIs(t, err, backend.ErrInvalidInput)

	ca, err := svc.DFSPCA(ctx, "dfsp1")
	require.NoError(t, err)
	assert.Nil(t, ca)

	root := testpki.NewRoot(t, "DFSP Root")
	inter := root.NewIntermediate(t, "DFSP Intermediate")
	inter2 := inter.NewIntermediate(t, "DFSP Issuing")

	stored, err := svc.SetCA(ctx, "dfsp1", root.PEM, inter.PEM+inter2.PEM)
	require.NoError(t, err)
	assert.Equal(t, validation.StateValid, stored.ValidationState)
	assert.Equal(t, "DFSP Root", *stored.RootCertificateInfo.Subject.Get("CN"))
	require.Len(t, stored.IntermediateChainInfo, 2)
	assert.Equal(t, "DFSP Issuing", *stored.IntermediateChainInfo[1].Subject.Get("CN"))

	got, err := svc.GetCA(ctx, "dfsp1")
	require.NoError(t, err)
	assert.Equal(t, stored.RootCertificate, got.RootCertificate)

	ca, err = svc.DFSPCA(ctx, "dfsp1")
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, validation.StateValid, ca.ValidationState)

	require.NoError(t, svc.DeleteCA(ctx, "dfsp1"))
	_, err = svc.GetCA(ctx, "dfsp1")
	assert.ErrorIs(t, err, dfsp.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteCA(ctx, "dfsp1"), dfsp.ErrNotFound)
}

func TestCA_LeafIsNotACA(t *testing.T) {
	svc := newService(t)

	stored, err := svc.SetCA(t.Context(), "dfsp1", testpki.SelfSignedLeaf(t, "not a ca"), "")
	require.NoError(t, err)
	assert.Equal(t, validation.StateInvalid, stored.ValidationState)
	assert.Equal(t, validation.ResultInvalid, results(stored.Validations)[validation.CACertificateUsage])
}

func TestServerCerts(t *testing.T) {
	svc := newService(t)
	ctx := t.Context()

	root := testpki.NewRoot(t, "DFSP Root")
	inter := root.NewIntermediate(t, "DFSP Intermediate")
	req := testpki.NewRequest(t, pkix.Name{CommonName: "dfsp1.example.com"}, []string{"dfsp1.example.com"}, nil, 2048)
	server := inter.Issue(t, req, x509.ExtKeyUsageServerAuth)

	_, err := svc.SetServerCerts(ctx, "dfsp1", root.PEM, inter.PEM, "")
	require.ErrorIs(t, err, backend.ErrInvalidInput)

	sc, err := svc.SetServerCerts(ctx, "dfsp1", root.PEM, inter.PEM, server)
	require.NoError(t, err)
	assert.Equal(t, validation.StateValid, sc.ValidationState)
	assert.Len(t, sc.Validations, len(validation.ServerCertSet(validation.DefaultPolicy()).Codes))

	client := inter.Issue(t, req, x509.ExtKeyUsageClientAuth)
	sc, err = svc.SetServerCerts(ctx, "dfsp1", root.PEM, inter.PEM, client)
	require.NoError(t, err)
	assert.Equal(t, validation.StateInvalid, sc.ValidationState)
	assert.Equal(t, validation.ResultInvalid, results(sc.Validations)[validation.CertificateUsageServer])

	got, err := svc.GetServerCerts(ctx, "dfsp1")
	require.NoError(t, err)
	assert.Equal(t, client, got.ServerCertificate)

	require.NoError(t, svc.DeleteServerCerts(ctx, "dfsp1"))
	_, err = svc.GetServerCerts(ctx, "dfsp1")
	assert.ErrorIs(t, err, dfsp.ErrNotFound)
}

func TestJWSCerts(t *testing.T) {
	svc := newService(t)
	ctx := t.Context()

	root := testpki.NewRoot(t, "DFSP Root")
	for _, id := range []string{"dfsp1", "dfsp3"} {
		req := testpki.NewRequest(t, pkix.Name{CommonName: id + " jws"}, nil, nil, 2048)
		jc, err := svc.SetJWSCert(ctx, id, root.Issue(t, req), "")
		require.NoError(t, err)
		assert.Equal(t, id, jc.DFSPID)
		assert.Equal(t, validation.StateValid, jc.ValidationState)
	}

	list, err := svc.ListJWSCerts(ctx, []string{"dfsp1", "dfsp2", "dfsp3"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dfsp1", list[0].DFSPID)
	assert.Equal(t, "dfsp3", list[1].DFSPID)

	require.NoError(t, svc.DeleteJWSCert(ctx, "dfsp1"))
	_, err = svc.GetJWSCert(ctx, "dfsp1")
	assert.ErrorIs(t, err, dfsp.ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc := newService(t)
	ctx := t.Context()
	root := testpki.NewRoot(t, "DFSP Root")

	_, err := svc.SetCA(ctx, "dfsp1", root.PEM, "")
	require.NoError(t, err)
	_, err = svc.SetCA(ctx, "dfsp2", root.PEM, "")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "dfsp1"))
	_, err = svc.GetCA(ctx, "dfsp1")
	assert.ErrorIs(t, err, dfsp.ErrNotFound)
	_, err = svc.GetCA(ctx, "dfsp2")
	assert.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, ""), backend.ErrInvalidInput)
}
