package backend_test

import (
	"testing"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCAInfo = `{
	"default": {"expiry": "87600h", "usages": ["signing", "key encipherment", "server auth", "client auth"], "signature_algorithm": "SHA256WithRSA"},
	"csr": {
		"hosts": ["root-ca.example.com"],
		"names": [{"CN": "Hub Root CA", "O": "Modusbox", "OU": "PKI"}],
		"key": {"algo": "rsa", "size": 4096}
	}
}`

func TestParseCAInitialInfo(t *testing.T) {
	info, err := backend.ParseCAInitialInfo([]byte(validCAInfo))
	require.NoError(t, err)
	assert.Equal(t, "Hub Root CA", info.Name().CN)
	assert.Equal(t, "rsa-4096", info.CSR.Key.String())

	d, err := info.Default.ExpiryDuration()
	require.NoError(t, err)
	assert.Equal(t, 87600.0, d.Hours())
}

func TestCAInitialInfo_Validate(t *testing.T) {
	base := func() *backend.CAInitialInfo {
		info, err := backend.ParseCAInitialInfo([]byte(validCAInfo))
		require.NoError(t, err)
		return info
	}

	tests := []struct {
		name   string
		mutate func(*backend.CAInitialInfo)
		field  string
	}{
		{"no names", func(i *backend.CAInitialInfo) { i.CSR.Names = nil }, "csr.names"},
		{"two names", func(i *backend.CAInitialInfo) { i.CSR.Names = append(i.CSR.Names, backend.CAName{CN: "x"}) }, "csr.names"},
		{"missing CN", func(i *backend.CAInitialInfo) { i.CSR.Names[0].CN = " " }, "csr.names[0].CN"},
		{"bad algo", func(i *backend.CAInitialInfo) { i.CSR.Key.Algo = "dsa" }, "csr.key.algo"},
		{"size not multiple of 256", func(i *backend.CAInitialInfo) { i.CSR.Key.Size = 1000 }, "csr.key.size"},
		{"zero size", func(i *backend.CAInitialInfo) { i.CSR.Key.Size = 0 }, "csr.key.size"},
		{"bad expiry", func(i *backend.CAInitialInfo) { i.Default.Expiry = "ten years" }, "default.expiry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := base()
			tt.mutate(info)
			err := info.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, backend.ErrInvalidInput)

			var inputErr *backend.InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)
		})
	}
}

func TestParseCAInitialInfo_Malformed(t *testing.T) {
	_, err := backend.ParseCAInitialInfo([]byte(`{"csr": `))
	assert.ErrorIs(t, err, backend.ErrInvalidInput)
}

func TestCSRParameters(t *testing.T) {
	p := backend.CSRParameters{
		Subject: backend.CSRSubject{CN: "dfspendpoint1.test.modusbox.com", O: "Modusbox", OU: "PKI"},
		Extensions: backend.CSRExtensions{SubjectAltName: certinfo.SubjectAltName{
			DNS: []string{"a.example.com"},
			IPs: []string{"163.10.5.24"},
		}},
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, []string{"a.example.com", "163.10.5.24"}, p.Hosts())

	p.Subject.CN = ""
	assert.ErrorIs(t, p.Validate(), backend.ErrInvalidInput)
}

func TestResolveKey(t *testing.T) {
	bits, algo, err := backend.ResolveKey(0, "")
	require.NoError(t, err)
	assert.Equal(t, backend.DefaultKeyBits, bits)
	assert.Equal(t, backend.DefaultAlgorithm, algo)

	bits, algo, err = backend.ResolveKey(0, backend.AlgoECDSA)
	require.NoError(t, err)
	assert.Equal(t, 256, bits)
	assert.Equal(t, backend.AlgoECDSA, algo)

	_, _, err = backend.ResolveKey(2048, "ed25519")
	assert.ErrorIs(t, err, backend.ErrInvalidInput)
}
