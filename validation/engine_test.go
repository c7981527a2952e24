package validation_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/backend/backendtest"
	"github.com/jmcleod/pkiengine/internal/testpki"
	"github.com/jmcleod/pkiengine/validation"
)

// fixture is a root, an intermediate and a server certificate issued by the
// intermediate for req.
type fixture struct {
	fake  *backendtest.Fake
	root  *testpki.Authority
	inter *testpki.Authority
	req   *testpki.Request
	cert  string
	now   time.Time
}

var dfspSubject = pkix.Name{
	CommonName:         "dfsp1.example.com",
	Organization:       []string{"Modusbox"},
	OrganizationalUnit: []string{"PKI"},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := testpki.NewRoot(t, "DFSP Root")
	inter := root.NewIntermediate(t, "DFSP Intermediate")
	req := testpki.NewRequest(t, dfspSubject, []string{"a.example.com"}, []string{"163.10.5.24"}, 2048)
	return &fixture{
		fake:  backendtest.New(t),
		root:  root,
		inter: inter,
		req:   req,
		cert:  inter.Issue(t, req, x509.ExtKeyUsageServerAuth),
		now:   time.Now(),
	}
}

func (f *fixture) engine(opts ...validation.Option) *validation.Engine {
	base := []validation.Option{
		validation.WithClock(func() time.Time { return f.now }),
		validation.WithPolicy(validation.Policy{KeyLength: 2048, SignatureAlgorithms: []string{"sha256", "sha512"}}),
	}
	return validation.New(f.fake, append(base, opts...)...)
}

func (f *fixture) chain() validation.Artifacts {
	return validation.Artifacts{
		Certificate:       f.cert,
		RootCertificate:   f.root.PEM,
		IntermediateChain: f.inter.PEM,
	}
}

func TestFold(t *testing.T) {
	assert.Equal(t, validation.StateValid, validation.Fold(nil))
	assert.Equal(t, validation.StateValid, validation.Fold([]validation.Validation{
		{Result: validation.ResultValid},
		{Result: validation.ResultNotAvailable},
	}))
	assert.Equal(t, validation.StateInvalid, validation.Fold([]validation.Validation{
		{Result: validation.ResultValid},
		{Result: validation.ResultInvalid},
		{Result: validation.ResultNotAvailable},
	}))
}

func TestRunSet_StateMatchesResults(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	results := []validation.Result{validation.ResultValid, validation.ResultInvalid, validation.ResultNotAvailable}

	e := validation.New(backendtest.New(t))
	var codes []validation.Code
	picked := map[validation.Code]validation.Result{}
	for i := range 6 {
		code := validation.Code(fmt.Sprintf("STUB_%d", i))
		codes = append(codes, code)
		e.Register(code, func(_ context.Context, _ validation.Artifacts, code validation.Code) (validation.Validation, error) {
			r := picked[code]
			return validation.Validation{Code: code, Performed: r != validation.ResultNotAvailable, Result: r}, nil
		})
	}
	set := validation.Set{Name: "stub", Codes: codes}

	for range 200 {
		anyInvalid := false
		for _, code := range codes {
			r := results[rng.IntN(len(results))]
			picked[code] = r
			anyInvalid = anyInvalid || r == validation.ResultInvalid
		}
		report, err := e.RunSet(t.Context(), set, validation.Artifacts{})
		require.NoError(t, err)
		require.Len(t, report.Validations, len(codes), "every rule runs")
		if anyInvalid {
			assert.Equal(t, validation.StateInvalid, report.ValidationState)
			assert.NotEmpty(t, report.Failed())
		} else {
			assert.Equal(t, validation.StateValid, report.ValidationState)
			assert.Empty(t, report.Failed())
		}
	}
}

func TestRunSet_SkipsUnknownCode(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	e := f.engine(validation.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	set := validation.Set{Name: "future", Codes: []validation.Code{"NOT_YET_IMPLEMENTED", validation.CertificateValidity}}
	report, err := e.RunSet(t.Context(), set, f.chain())
	require.NoError(t, err)
	require.Len(t, report.Validations, 1)
	assert.Equal(t, validation.CertificateValidity, report.Validations[0].Code)
	assert.Contains(t, buf.String(), "skipping unknown validation code")
	assert.Contains(t, buf.String(), "NOT_YET_IMPLEMENTED")
}

func TestRun_UnknownCode(t *testing.T) {
	e := validation.New(backendtest.New(t))
	_, err := e.Run(t.Context(), "NOPE", validation.Artifacts{})
	assert.ErrorIs(t, err, validation.ErrUnknownCode)
}

func TestRunSet_PropagatesUnparsableOutput(t *testing.T) {
	f := newFixture(t)
	f.fake.Texts[f.cert] = "Certificate:\n    Data:\n"

	_, err := f.engine().RunSet(t.Context(), validation.JWSCertSet(), f.chain())
	assert.ErrorIs(t, err, backend.ErrUnparsableOutput)
}

func TestRunSet_PropagatesToolMisuse(t *testing.T) {
	f := newFixture(t)
	f.fake.VerifyErr = fmt.Errorf("%w: exit status 1", backend.ErrToolMisuse)

	_, err := f.engine().RunSet(t.Context(), validation.ServerCertSet(validation.DefaultPolicy()), f.chain())
	assert.ErrorIs(t, err, backend.ErrToolMisuse)
}

func TestRunSet_Idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	set := validation.ServerCertSet(e.Policy())

	first, err := e.RunSet(t.Context(), set, f.chain())
	require.NoError(t, err)
	second, err := e.RunSet(t.Context(), set, f.chain())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestServerCertSet(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine().RunSet(t.Context(), validation.ServerCertSet(validation.Policy{KeyLength: 2048}), f.chain())
	require.NoError(t, err)
	for _, v := range report.Validations {
		assert.Equal(t, validation.ResultValid, v.Result, "%s: %s %s", v.Code, v.Message, v.Details)
	}
	assert.Equal(t, validation.StateValid, report.ValidationState)

	codes := make([]validation.Code, 0, len(report.Validations))
	for _, v := range report.Validations {
		codes = append(codes, v.Code)
	}
	assert.Equal(t, []validation.Code{
		validation.CertificateUsageServer,
		validation.CertificateValidity,
		validation.VerifyChainCertificates,
		validation.CertificatePublicKeyLength2048,
		validation.VerifyRootCertificate,
		validation.VerifyIntermediateChain,
	}, codes)
}

func TestServerCertSet_4096Policy(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine().RunSet(t.Context(), validation.ServerCertSet(validation.DefaultPolicy()), f.chain())
	require.NoError(t, err)
	assert.Equal(t, validation.StateInvalid, report.ValidationState)
	assert.Equal(t, []validation.Code{validation.CertificatePublicKeyLength4096}, report.Failed())
}

func TestCASet(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	report, err := e.RunSet(t.Context(), validation.CASet(), validation.Artifacts{
		RootCertificate:   f.root.PEM,
		IntermediateChain: f.inter.PEM,
	})
	require.NoError(t, err)
	assert.Equal(t, validation.StateValid, report.ValidationState)

	report, err = e.RunSet(t.Context(), validation.CASet(), validation.Artifacts{RootCertificate: f.root.PEM})
	require.NoError(t, err)
	assert.Equal(t, validation.StateValid, report.ValidationState)
	assert.Equal(t, validation.ResultNotAvailable, report.Validations[1].Result)
}

func TestEmptyArtifactsAreNotAvailable(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	for _, code := range e.Codes() {
		t.Run(string(code), func(t *testing.T) {
			v, err := e.Run(t.Context(), code, validation.Artifacts{})
			require.NoError(t, err)
			assert.Equal(t, code, v.Code)
			assert.False(t, v.Performed)
			assert.Equal(t, validation.ResultNotAvailable, v.Result)
			assert.NotEmpty(t, v.Message)
		})
	}
}

func TestSetByName(t *testing.T) {
	for _, name := range validation.SetNames() {
		set, ok := validation.SetByName(name, validation.DefaultPolicy())
		require.True(t, ok, name)
		assert.Equal(t, name, set.Name)
		assert.NotEmpty(t, set.Codes)
	}
	_, ok := validation.SetByName("nope", validation.DefaultPolicy())
	assert.False(t, ok)

	inbound := validation.InboundSet(validation.Policy{KeyLength: 2048})
	assert.Contains(t, inbound.Codes, validation.CSRPublicKeyLength2048)
	assert.Contains(t, inbound.Codes, validation.CSRMandatoryDistinguishedName)
	outbound := validation.OutboundSet(validation.DefaultPolicy())
	assert.Contains(t, outbound.Codes, validation.CSRPublicKeyLength4096)
	assert.Contains(t, outbound.Codes, validation.CertificateSignedByDFSPCA)
	assert.NotContains(t, outbound.Codes, validation.CSRCertSameSubjectInfo)
	assert.Equal(t, []validation.Code{validation.CertificateValidity, validation.CertificatePublicKeyLength2048},
		validation.JWSCertSet().Codes)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, validation.DefaultPolicy().Validate())
	assert.Error(t, validation.Policy{KeyLength: 1024, SignatureAlgorithms: []string{"sha256"}}.Validate())
	assert.Error(t, validation.Policy{KeyLength: 2048}.Validate())
}
