package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/certinfo"
	"github.com/jmcleod/pkiengine/toolkit"
)

// KeyLengthCheck is the outcome of CheckKeyLength.
type KeyLengthCheck struct {
	Valid  bool             `json:"valid"`
	Reason *KeyLengthReason `json:"reason,omitempty"`
}

// KeyLengthReason explains a failed KeyLengthCheck.
type KeyLengthReason struct {
	ActualKeySize int `json:"actualKeySize"`
	MinKeySize    int `json:"minKeySize"`
}

// CheckKeyLength compares the key size printed in text against minKeySize.
// Text without a "Public-Key: (<n> bit)" line is an error, not a failed check.
func CheckKeyLength(text string, minKeySize int) (KeyLengthCheck, error) {
	n, err := toolkit.KeyLength(text)
	if err != nil {
		return KeyLengthCheck{}, err
	}
	if n < minKeySize {
		return KeyLengthCheck{Reason: &KeyLengthReason{ActualKeySize: n, MinKeySize: minKeySize}}, nil
	}
	return KeyLengthCheck{Valid: true}, nil
}

func minKeySize(code Code) int {
	if strings.HasSuffix(string(code), "_4096") {
		return 4096
	}
	return 2048
}

// failed turns an inspection error into an INVALID verdict when the toolkit
// rejected the input, and propagates it otherwise.
func failed(code Code, what string, err error) (Validation, error) {
	if judged(err) {
		return unparsable(code, what, err), nil
	}
	return Validation{}, err
}

func (e *Engine) certificateUsage(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.Certificate == "" {
		return notAvailable(code, "certificate"), nil
	}
	usage := toolkit.UsageServerAuth
	if code == CertificateUsageClient {
		usage = toolkit.UsageClientAuth
	}
	text, err := e.inspector.CertificateText(ctx, a.Certificate)
	if err != nil {
		return failed(code, "certificate", err)
	}
	section, ok := toolkit.ExtendedKeyUsage(text)
	if !ok {
		return invalid(code, "The certificate has no Extended Key Usage section", ""), nil
	}
	if !strings.Contains(section, usage) {
		v := invalid(code, fmt.Sprintf("The certificate's Extended Key Usage does not include %s", usage), section)
		v.MessageTemplate = "The certificate's Extended Key Usage does not include {usage}"
		v.Data = map[string]any{"usage": usage}
		return v, nil
	}
	return valid(code, fmt.Sprintf("The certificate's Extended Key Usage includes %s", usage)), nil
}

func (e *Engine) certificateValidity(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.Certificate == "" {
		return notAvailable(code, "certificate"), nil
	}
	info, err := e.inspector.CertInfo(ctx, a.Certificate)
	if err != nil {
		return failed(code, "certificate", err)
	}
	if info.NotBefore == nil || info.NotAfter == nil {
		return invalid(code, "The certificate validity period couldn't be parsed", "notBefore or notAfter is missing"), nil
	}
	now := e.now()
	data := map[string]any{
		"notBefore": info.NotBefore.UTC().Format(time.RFC3339),
		"notAfter":  info.NotAfter.UTC().Format(time.RFC3339),
		"checkedAt": now.UTC().Format(time.RFC3339),
	}
	if now.After(*info.NotBefore) && now.Before(*info.NotAfter) {
		v := valid(code, "The certificate is within its validity period")
		v.Data = data
		return v, nil
	}
	v := invalid(code, "The certificate is outside its validity period", "")
	v.MessageTemplate = "The certificate is only valid between {notBefore} and {notAfter}"
	v.Data = data
	return v, nil
}

// verified turns a chain verification result into a Validation.
func verified(code Code, res *backend.VerifyResult, ok, failure string) Validation {
	if res.Valid {
		return valid(code, ok)
	}
	return invalid(code, failure, res.Output)
}

func (e *Engine) verifyChain(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.Certificate == "" {
		return notAvailable(code, "certificate"), nil
	}
	res, err := e.inspector.VerifyCertificateSigning(ctx, a.Certificate, a.RootCertificate, a.IntermediateChain)
	if err != nil {
		return failed(code, "certificate chain", err)
	}
	return verified(code, res, "The certificate chain is valid", "The certificate chain couldn't be verified"), nil
}

func (e *Engine) verifyRoot(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.RootCertificate == "" {
		return notAvailable(code, "root certificate"), nil
	}
	res, err := e.inspector.ValidateRootCertificate(ctx, a.RootCertificate)
	if err != nil {
		return failed(code, "root certificate", err)
	}
	var v Validation
	switch res.State {
	case backend.RootValidSelfSigned:
		v = valid(code, "The root certificate is self-signed")
	case backend.RootValidSigned:
		v = valid(code, "The root certificate is signed by a trusted root")
	default:
		v = invalid(code, "The root certificate is neither self-signed nor signed by a trusted root", res.Output)
	}
	v.Data = map[string]any{"state": string(res.State)}
	return v, nil
}

func (e *Engine) verifyIntermediateChain(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.IntermediateChain == "" {
		return notAvailable(code, "intermediate chain"), nil
	}
	first, rest := toolkit.SplitIntermediate(a.IntermediateChain)
	if first == "" {
		return invalid(code, "The intermediate chain contains no certificate", ""), nil
	}
	res, err := e.inspector.VerifyCertificateSigning(ctx, first, a.RootCertificate, rest)
	if err != nil {
		return failed(code, "intermediate chain", err)
	}
	return verified(code, res, "The intermediate chain is valid", "The intermediate chain couldn't be verified"), nil
}

func keyLengthValidation(code Code, what string, check KeyLengthCheck) Validation {
	if check.Valid {
		return valid(code, fmt.Sprintf("The %s public key length is at least %d bits", what, minKeySize(code)))
	}
	v := invalid(code, fmt.Sprintf("The %s public key is %d bits, %d required",
		what, check.Reason.ActualKeySize, check.Reason.MinKeySize), "")
	v.MessageTemplate = "The public key is {actualKeySize} bits, {minKeySize} required"
	v.Data = map[string]any{
		"actualKeySize": check.Reason.ActualKeySize,
		"minKeySize":    check.Reason.MinKeySize,
	}
	return v
}

func (e *Engine) certificateKeyLength(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.Certificate == "" {
		return notAvailable(code, "certificate"), nil
	}
	text, err := e.inspector.CertificateText(ctx, a.Certificate)
	if err != nil {
		return failed(code, "certificate", err)
	}
	check, err := CheckKeyLength(text, minKeySize(code))
	if err != nil {
		return Validation{}, err
	}
	return keyLengthValidation(code, "certificate", check), nil
}

func (e *Engine) caUsage(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	var certs []string
	if a.RootCertificate != "" {
		certs = append(certs, a.RootCertificate)
	}
	certs = append(certs, toolkit.SplitChain(a.IntermediateChain)...)
	if len(certs) == 0 {
		return notAvailable(code, "CA certificate"), nil
	}
	for i, cert := range certs {
		text, err := e.inspector.CertificateText(ctx, cert)
		if err != nil {
			return failed(code, "CA certificate", err)
		}
		if !toolkit.IsCA(text) {
			v := invalid(code, fmt.Sprintf("Certificate %d of the CA chain lacks critical Basic Constraints CA:TRUE", i+1), "")
			v.Data = map[string]any{"position": i + 1}
			return v, nil
		}
	}
	return valid(code, "Every CA certificate has critical Basic Constraints CA:TRUE"), nil
}

func (e *Engine) csrSignature(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.CSR == "" {
		return notAvailable(code, "CSR"), nil
	}
	res, err := e.inspector.VerifyCSRSignature(ctx, a.CSR)
	if err != nil {
		return failed(code, "CSR", err)
	}
	return verified(code, res, "The CSR signature is valid", "The CSR signature couldn't be verified"), nil
}

func (e *Engine) csrSignatureAlgorithm(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.CSR == "" {
		return notAvailable(code, "CSR"), nil
	}
	text, err := e.inspector.CSRText(ctx, a.CSR)
	if err != nil {
		return failed(code, "CSR", err)
	}
	alg, err := toolkit.SignatureAlgorithm(text)
	if err != nil {
		return Validation{}, err
	}
	if !e.policy.acceptsSignature(alg) {
		v := invalid(code, fmt.Sprintf("The CSR signature algorithm %s is not one of %s",
			alg, strings.Join(e.policy.SignatureAlgorithms, ", ")), "")
		v.Data = map[string]any{"algorithm": alg, "accepted": e.policy.SignatureAlgorithms}
		return v, nil
	}
	v := valid(code, fmt.Sprintf("The CSR signature algorithm is %s", alg))
	v.Data = map[string]any{"algorithm": alg}
	return v, nil
}

func (e *Engine) csrKeyLength(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.CSR == "" {
		return notAvailable(code, "CSR"), nil
	}
	text, err := e.inspector.CSRText(ctx, a.CSR)
	if err != nil {
		return failed(code, "CSR", err)
	}
	check, err := CheckKeyLength(text, minKeySize(code))
	if err != nil {
		return Validation{}, err
	}
	return keyLengthValidation(code, "CSR", check), nil
}

func (e *Engine) samePublicKey(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	switch {
	case a.CSR == "":
		return notAvailable(code, "CSR"), nil
	case a.Certificate == "":
		return notAvailable(code, "certificate"), nil
	}
	csrModulus, err := e.inspector.ComputeKeyModulus(ctx, a.CSR, backend.KindCSR)
	if err != nil {
		return failed(code, "CSR", err)
	}
	certModulus, err := e.inspector.ComputeKeyModulus(ctx, a.Certificate, backend.KindCertificate)
	if err != nil {
		return failed(code, "certificate", err)
	}
	if csrModulus != certModulus {
		return invalid(code, "The CSR and the certificate have different public keys", ""), nil
	}
	return valid(code, "The CSR and the certificate have the same public key"), nil
}

func (e *Engine) compare(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	switch {
	case a.CSR == "":
		return notAvailable(code, "CSR"), nil
	case a.Certificate == "":
		return notAvailable(code, "certificate"), nil
	}
	csrInfo, err := e.inspector.CSRInfo(ctx, a.CSR)
	if err != nil {
		return failed(code, "CSR", err)
	}
	certInfo, err := e.inspector.CertInfo(ctx, a.Certificate)
	if err != nil {
		return failed(code, "certificate", err)
	}

	var (
		cmp  certinfo.Comparison
		what string
	)
	switch code {
	case CSRCertSameCN:
		cmp, what = certinfo.CompareCNBetweenCSRandCert(csrInfo, certInfo), "common name"
	case CSRCertSameSubjectAltName:
		cmp, what = certinfo.CompareSubjectAltNameBetweenCSRandCert(csrInfo, certInfo), "subject alternative names"
	default:
		cmp, what = certinfo.CompareSubjectBetweenCSRandCert(csrInfo, certInfo), "subject"
	}
	if cmp.Valid {
		return valid(code, fmt.Sprintf("The CSR and the certificate have the same %s", what)), nil
	}
	v := invalid(code, fmt.Sprintf("The CSR and the certificate differ in %s", cmp.Reason.Field), "")
	v.MessageTemplate = "The CSR and the certificate differ in {field}"
	v.Data = map[string]any{"field": cmp.Reason.Field, "csr": cmp.Reason.CSR, "certificate": cmp.Reason.Certificate}
	return v, nil
}

func (e *Engine) signedByDFSPCA(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.Certificate == "" {
		return notAvailable(code, "certificate"), nil
	}
	ca := a.DFSPCA
	if ca == nil || (ca.RootCertificate == "" && ca.IntermediateChain == "") {
		return notAvailable(code, "DFSP CA"), nil
	}
	if ca.ValidationState == StateInvalid {
		return invalid(code, "The DFSP CA is invalid", ""), nil
	}
	res, err := e.inspector.VerifyCertificateSigning(ctx, a.Certificate, ca.RootCertificate, ca.IntermediateChain)
	if err != nil {
		return failed(code, "certificate chain", err)
	}
	return verified(code, res, "The certificate is signed by the DFSP CA", "The certificate is not signed by the DFSP CA"), nil
}

func (e *Engine) certificateAlgorithm(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.Certificate == "" {
		return notAvailable(code, "certificate"), nil
	}
	text, err := e.inspector.CertificateText(ctx, a.Certificate)
	if err != nil {
		return failed(code, "certificate", err)
	}
	alg, err := toolkit.SignatureAlgorithm(text)
	if err != nil {
		return Validation{}, err
	}
	if !strings.Contains(strings.ToLower(alg), "sha256") {
		v := invalid(code, fmt.Sprintf("The certificate signature algorithm %s is not sha256", alg), "")
		v.Data = map[string]any{"algorithm": alg}
		return v, nil
	}
	v := valid(code, fmt.Sprintf("The certificate signature algorithm is %s", alg))
	v.Data = map[string]any{"algorithm": alg}
	return v, nil
}

func (e *Engine) mandatoryDistinguishedName(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	if a.CSR == "" {
		return notAvailable(code, "CSR"), nil
	}
	info, err := e.inspector.CSRInfo(ctx, a.CSR)
	if err != nil {
		return failed(code, "CSR", err)
	}
	var missing []string
	for _, name := range []string{"CN", "O", "OU"} {
		if v := info.Subject.Get(name); v == nil || strings.TrimSpace(*v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		v := invalid(code, fmt.Sprintf("The CSR subject is missing %s", strings.Join(missing, ", ")), "")
		v.Data = map[string]any{"missing": missing}
		return v, nil
	}
	return valid(code, "The CSR subject has CN, O and OU"), nil
}

func (e *Engine) publicPrivateKeyMatch(ctx context.Context, a Artifacts, code Code) (Validation, error) {
	switch {
	case a.Certificate == "":
		return notAvailable(code, "certificate"), nil
	case a.PrivateKey == "":
		return notAvailable(code, "private key"), nil
	case e.inspector.IsEncrypted(a.PrivateKey):
		return notAvailable(code, "decrypted private key"), nil
	}
	certModulus, err := e.inspector.ComputeKeyModulus(ctx, a.Certificate, backend.KindCertificate)
	if err != nil {
		return failed(code, "certificate", err)
	}
	keyModulus, err := e.inspector.ComputeKeyModulus(ctx, a.PrivateKey, backend.KindPrivateKey)
	if err != nil {
		return failed(code, "private key", err)
	}
	if certModulus != keyModulus {
		return invalid(code, "The certificate public key does not match the private key", ""), nil
	}
	return valid(code, "The certificate public key matches the private key"), nil
}
