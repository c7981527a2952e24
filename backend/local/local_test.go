package local_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/backend/local"
	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/jmcleod/pkiengine/toolkit"
)

func requireOpenSSL(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(toolkit.DefaultBinary); err != nil {
		t.Skip("openssl not on PATH")
	}
}

func caInfo() *backend.CAInitialInfo {
	return &backend.CAInitialInfo{
		Default: backend.SigningPolicy{
			Expiry: "17520h",
			Usages: []string{"signing", "key encipherment", "server auth", "client auth"},
		},
		CSR: backend.CARequest{
			Names: []backend.CAName{{CN: "Hub Root CA", O: "Modusbox", OU: "PKI", C: "US"}},
			Key:   backend.KeySpec{Algo: backend.AlgoRSA, Size: 2048},
		},
	}
}

func endpointParams() backend.CSRParameters {
	return backend.CSRParameters{
		Subject: backend.CSRSubject{CN: "dfspendpoint1.test.modusbox.com", O: "Modusbox", OU: "PKI"},
		Extensions: backend.CSRExtensions{SubjectAltName: certinfo.SubjectAltName{
			DNS: []string{"a.example.com", "b.example.com"},
			IPs: []string{"163.10.5.24", "163.10.5.22"},
		}},
	}
}

func TestCreateCA_InvalidInput(t *testing.T) {
	b := local.New(local.WithPassphrase([]byte("secret")))

	info := caInfo()
	info.CSR.Names = nil
	_, err := b.CreateCA(t.Context(), info, 0)
	require.ErrorIs(t, err, backend.ErrInvalidInput)

	var inputErr *backend.InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, "csr.names", inputErr.Field)
}

func TestCreateCA_NoPassphrase(t *testing.T) {
	b := local.New()
	_, err := b.CreateCA(t.Context(), caInfo(), 0)
	assert.ErrorIs(t, err, backend.ErrNoPassphrase)
	assert.Empty(t, b.CA())
}

func TestSign_NoCA(t *testing.T) {
	b := local.New()
	_, err := b.Sign(t.Context(), "irrelevant", 0)
	assert.ErrorIs(t, err, backend.ErrNoCA)
}

func TestCreateCSR(t *testing.T) {
	b := local.New()
	ctx := t.Context()

	pair, err := b.CreateCSR(ctx, endpointParams(), 2048, "")
	require.NoError(t, err)
	assert.Contains(t, pair.CSR, "BEGIN CERTIFICATE REQUEST")
	assert.Contains(t, pair.Key, "PRIVATE KEY")

	info, err := b.CSRInfo(ctx, pair.CSR)
	require.NoError(t, err)
	assert.Equal(t, "dfspendpoint1.test.modusbox.com", *info.Subject.CN)
	assert.Equal(t, "Modusbox", *info.Subject.O)
	assert.Equal(t, "a.example.com", info.Extensions.SubjectAltName.DNS[0])
	assert.ElementsMatch(t, []string{"163.10.5.24", "163.10.5.22"}, info.Extensions.SubjectAltName.IPs)
}

func TestCreateCSR_InvalidInput(t *testing.T) {
	b := local.New()
	ctx := t.Context()

	_, err := b.CreateCSR(ctx, backend.CSRParameters{}, 0, "")
	assert.ErrorIs(t, err, backend.ErrInvalidInput)

	_, err = b.CreateCSR(ctx, endpointParams(), 1024, backend.AlgoRSA)
	assert.ErrorIs(t, err, backend.ErrInvalidInput)

	_, err = b.CreateCSR(ctx, endpointParams(), 300, backend.AlgoECDSA)
	assert.ErrorIs(t, err, backend.ErrInvalidInput)
}

func TestCreateCA_SignAndVerify(t *testing.T) {
	requireOpenSSL(t)
	ctx := t.Context()
	b := local.New(local.WithPassphrase([]byte("correct horse")))
	require.NoError(t, b.Connect(ctx))

	ca, err := b.CreateCA(ctx, caInfo(), 0)
	require.NoError(t, err)
	assert.Contains(t, ca.Cert, "BEGIN CERTIFICATE")
	assert.NotEmpty(t, ca.CSR)
	assert.True(t, b.IsEncrypted(ca.Key), "CA key must be returned encrypted")
	assert.Equal(t, ca.Cert, b.CA())

	root, err := b.ValidateRootCertificate(ctx, ca.Cert)
	require.NoError(t, err)
	assert.Equal(t, backend.RootValidSelfSigned, root.State)

	pair, err := b.CreateCSR(ctx, endpointParams(), 2048, backend.AlgoRSA)
	require.NoError(t, err)
	cert, err := b.Sign(ctx, pair.CSR, 48*time.Hour)
	require.NoError(t, err)

	res, err := b.VerifyCertificateSigning(ctx, cert, ca.Cert, "")
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Output)

	info, err := b.CertInfo(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, "dfspendpoint1.test.modusbox.com", *info.Subject.CN)
	assert.Equal(t, "Hub Root CA", *info.Issuer.CN)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), *info.NotAfter, time.Hour)

	keyMod, err := b.ComputeKeyModulus(ctx, pair.Key, backend.KindPrivateKey)
	require.NoError(t, err)
	certMod, err := b.ComputeKeyModulus(ctx, cert, backend.KindCertificate)
	require.NoError(t, err)
	assert.Equal(t, keyMod, certMod)
}

func TestUseCA_EncryptedKey(t *testing.T) {
	requireOpenSSL(t)
	ctx := t.Context()
	pass := []byte("correct horse")

	first := local.New(local.WithPassphrase(pass))
	ca, err := first.CreateCA(ctx, caInfo(), 0)
	require.NoError(t, err)

	second := local.New(local.WithPassphrase(pass))
	require.NoError(t, second.UseCA(ctx, ca.Cert, ca.Key, caInfo().Default))

	pair, err := second.CreateCSR(ctx, endpointParams(), 2048, "")
	require.NoError(t, err)
	cert, err := second.Sign(ctx, pair.CSR, 0)
	require.NoError(t, err)

	res, err := second.VerifyCertificateSigning(ctx, cert, ca.Cert, "")
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Output)

	wrong := local.New(local.WithPassphrase([]byte("wrong")))
	err = wrong.UseCA(ctx, ca.Cert, ca.Key, caInfo().Default)
	assert.ErrorIs(t, err, backend.ErrInvalidEntity)
}

func TestEncryptDecryptKey(t *testing.T) {
	requireOpenSSL(t)
	ctx := t.Context()
	b := local.New(local.WithPassphrase([]byte("pw")))

	pair, err := b.CreateCSR(ctx, endpointParams(), 2048, "")
	require.NoError(t, err)

	enc, err := b.EncryptKey(ctx, pair.Key)
	require.NoError(t, err)
	assert.True(t, b.IsEncrypted(enc))

	dec, err := b.DecryptKey(ctx, enc)
	require.NoError(t, err)
	assert.False(t, b.IsEncrypted(dec))

	_, err = local.New().EncryptKey(ctx, pair.Key)
	assert.ErrorIs(t, err, backend.ErrNoPassphrase)
}
