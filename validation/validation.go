// Package validation is the rule engine that judges certificates, CSRs and
// enrollments. Every rule is registered under a validation code and returns
// a Validation; rule sets are ordered lists of codes whose results are folded
// into a single ValidationState.
package validation

import "fmt"

// Result is the verdict of a single rule.
type Result string

const (
	ResultValid        Result = "VALID"
	ResultInvalid      Result = "INVALID"
	ResultNotAvailable Result = "NOT_AVAILABLE"
)

// State is the aggregate verdict of a rule set.
type State string

const (
	StateValid   State = "VALID"
	StateInvalid State = "INVALID"
)

// Code names a rule.
type Code string

const (
	CertificateUsageServer         Code = "CERTIFICATE_USAGE_SERVER"
	CertificateUsageClient         Code = "CERTIFICATE_USAGE_CLIENT"
	CertificateValidity            Code = "CERTIFICATE_VALIDITY"
	VerifyChainCertificates        Code = "VERIFY_CHAIN_CERTIFICATES"
	VerifyRootCertificate          Code = "VERIFY_ROOT_CERTIFICATE"
	VerifyIntermediateChain        Code = "VERIFY_INTERMEDIATE_CHAIN"
	CertificatePublicKeyLength2048 Code = "CERTIFICATE_PUBLIC_KEY_LENGTH_2048"
	CertificatePublicKeyLength4096 Code = "CERTIFICATE_PUBLIC_KEY_LENGTH_4096"
	CACertificateUsage             Code = "CA_CERTIFICATE_USAGE"
	CSRSignatureValid              Code = "CSR_SIGNATURE_VALID"
	CSRSignatureAlgorithmSHA256512 Code = "CSR_SIGNATURE_ALGORITHM_SHA256_512"
	CSRPublicKeyLength2048         Code = "CSR_PUBLIC_KEY_LENGTH_2048"
	CSRPublicKeyLength4096         Code = "CSR_PUBLIC_KEY_LENGTH_4096"
	CSRCertSamePublicKey           Code = "CSR_CERT_SAME_PUBLIC_KEY"
	CSRCertSameSubjectInfo         Code = "CSR_CERT_SAME_SUBJECT_INFO"
	CSRCertSameCN                  Code = "CSR_CERT_SAME_CN"
	CSRCertSameSubjectAltName      Code = "CSR_CERT_SAME_SUBJECT_ALT_NAME"
	CertificateSignedByDFSPCA      Code = "CERTIFICATE_SIGNED_BY_DFSP_CA"
	CertificateAlgorithmSHA256     Code = "CERTIFICATE_ALGORITHM_SHA256"
	CSRMandatoryDistinguishedName  Code = "CSR_MANDATORY_DISTINGUISHED_NAME"
	CSRCertPublicPrivateKeyMatch   Code = "CSR_CERT_PUBLIC_PRIVATE_KEY_MATCH"
)

// Validation is the outcome of one rule. A rule that could not run has
// Performed false and Result NOT_AVAILABLE.
type Validation struct {
	Code            Code           `json:"validationCode"`
	Performed       bool           `json:"performed"`
	Result          Result         `json:"result"`
	Message         string         `json:"message"`
	Details         string         `json:"details,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	MessageTemplate string         `json:"messageTemplate,omitempty"`
}

// Report is the outcome of a rule set.
type Report struct {
	Validations     []Validation `json:"validations"`
	ValidationState State        `json:"validationState"`
}

// Fold reduces validations to VALID unless one of them is INVALID.
// NOT_AVAILABLE never counts as a failure.
func Fold(validations []Validation) State {
	ok := true
	for _, v := range validations {
		ok = ok && v.Result != ResultInvalid
	}
	if ok {
		return StateValid
	}
	return StateInvalid
}

// Failed returns the codes of the INVALID validations in report order.
func (r *Report) Failed() []Code {
	var out []Code
	for _, v := range r.Validations {
		if v.Result == ResultInvalid {
			out = append(out, v.Code)
		}
	}
	return out
}

func valid(code Code, msg string) Validation {
	return Validation{Code: code, Performed: true, Result: ResultValid, Message: msg}
}

func invalid(code Code, msg, details string) Validation {
	return Validation{Code: code, Performed: true, Result: ResultInvalid, Message: msg, Details: details}
}

func notAvailable(code Code, missing string) Validation {
	return Validation{
		Code:            code,
		Result:          ResultNotAvailable,
		Message:         fmt.Sprintf("No %s available", missing),
		MessageTemplate: "No {missing} available",
		Data:            map[string]any{"missing": missing},
	}
}

// unparsable is the verdict of a rule whose input the toolkit rejected.
func unparsable(code Code, what string, err error) Validation {
	return invalid(code, fmt.Sprintf("The %s couldn't be parsed", what), err.Error())
}
