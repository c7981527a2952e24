package vault

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/jmcleod/pkiengine/backend"
)

// IssuedCertificate is a certificate issued by Vault together with the key
// Vault generated for it.
type IssuedCertificate struct {
	Certificate  string `json:"certificate"`
	PrivateKey   string `json:"privateKey"`
	IssuingCA    string `json:"issuingCa"`
	SerialNumber string `json:"serialNumber"`
}

// CreateCA generates a new root in the PKI mount. The mount signs with it
// from then on.
func (b *Backend) CreateCA(ctx context.Context, info *backend.CAInitialInfo, ttl time.Duration) (*backend.CAResult, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 && info.Default.Expiry != "" {
		ttl, _ = info.Default.ExpiryDuration()
	}

	path := b.pkiPath("root", "generate", "exported")
	data := caRequestData(info)
	data["ttl"] = b.ttl(ttl)

	secret, err := b.write(ctx, path, data)
	if err != nil {
		return nil, err
	}
	cert, err := field(secret, path, "certificate")
	if err != nil {
		return nil, err
	}
	key, _ := field(secret, path, "private_key")

	b.logger.Info("vault root CA created", slog.String("cn", info.Name().CN), slog.String("mount", b.cfg.PKIMount))
	return &backend.CAResult{Cert: cert, Key: key}, nil
}

// CreateIntermediateCA generates an intermediate in the PKI mount, signs it
// with the mount's root and installs the signed certificate.
func (b *Backend) CreateIntermediateCA(ctx context.Context, info *backend.CAInitialInfo, ttl time.Duration) (*backend.CAResult, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 && info.Default.Expiry != "" {
		ttl, _ = info.Default.ExpiryDuration()
	}

	genPath := b.pkiPath("intermediate", "generate", "exported")
	gen, err := b.write(ctx, genPath, caRequestData(info))
	if err != nil {
		return nil, err
	}
	csrPEM, err := field(gen, genPath, "csr")
	if err != nil {
		return nil, err
	}
	key, _ := field(gen, genPath, "private_key")

	signPath := b.pkiPath("root", "sign-intermediate")
	signed, err := b.write(ctx, signPath, map[string]any{
		"csr":         csrPEM,
		"common_name": info.Name().CN,
		"ttl":         b.ttl(ttl),
		"format":      "pem",
	})
	if err != nil {
		return nil, err
	}
	cert, err := field(signed, signPath, "certificate")
	if err != nil {
		return nil, err
	}

	if _, err := b.write(ctx, b.pkiPath("intermediate", "set-signed"), map[string]any{"certificate": cert}); err != nil {
		return nil, err
	}
	b.logger.Info("vault intermediate CA installed", slog.String("cn", info.Name().CN))
	return &backend.CAResult{Cert: cert, Key: key, CSR: csrPEM}, nil
}

// SetCA installs an externally created CA certificate and key as the
// mount's issuer.
func (b *Backend) SetCA(ctx context.Context, certPEM, keyPEM string) error {
	bundle := strings.TrimSpace(keyPEM) + "\n" + strings.TrimSpace(certPEM) + "\n"
	_, err := b.write(ctx, b.pkiPath("config", "ca"), map[string]any{"pem_bundle": bundle})
	return err
}

// RootCA returns the mount's CA certificate.
func (b *Backend) RootCA(ctx context.Context) (string, error) {
	path := b.pkiPath("ca", "pem")
	resp, err := b.client.Logical().ReadRawWithContext(ctx, path)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", b.wrap(path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", b.wrap(path, err)
	}
	return string(body), nil
}

// Sign signs csrPEM with the configured role.
func (b *Backend) Sign(ctx context.Context, csrPEM string, ttl time.Duration) (string, error) {
	if b.cfg.Role == "" {
		return "", &backend.InputError{Field: "vault.pki_role", Reason: "is required to sign"}
	}
	path := b.pkiPath("sign", b.cfg.Role)
	secret, err := b.write(ctx, path, map[string]any{
		"csr":    csrPEM,
		"ttl":    b.ttl(ttl),
		"format": "pem",
	})
	if err != nil {
		return "", err
	}
	return field(secret, path, "certificate")
}

// IssueCertificate has Vault generate a key and issue a certificate for
// params under the configured role.
func (b *Backend) IssueCertificate(ctx context.Context, params backend.CSRParameters, ttl time.Duration) (*IssuedCertificate, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if b.cfg.Role == "" {
		return nil, &backend.InputError{Field: "vault.pki_role", Reason: "is required to issue"}
	}
	path := b.pkiPath("issue", b.cfg.Role)
	data := sanData(params)
	data["common_name"] = params.Subject.CN
	data["ttl"] = b.ttl(ttl)
	data["format"] = "pem"

	secret, err := b.write(ctx, path, data)
	if err != nil {
		return nil, err
	}
	cert, err := field(secret, path, "certificate")
	if err != nil {
		return nil, err
	}
	out := &IssuedCertificate{Certificate: cert}
	out.PrivateKey, _ = field(secret, path, "private_key")
	out.IssuingCA, _ = field(secret, path, "issuing_ca")
	out.SerialNumber, _ = field(secret, path, "serial_number")
	return out, nil
}

// CreateCSR has Vault generate a key pair and CSR for params. The exported
// variant is used so the private key comes back for the outbound enrollment
// to store. It also replaces the mount's pending intermediate key, so it must
// not run between CreateIntermediateCA's generate and set-signed steps.
func (b *Backend) CreateCSR(ctx context.Context, params backend.CSRParameters, keyBits int, algorithm string) (*backend.KeyPair, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	bits, algo, err := backend.ResolveKey(keyBits, algorithm)
	if err != nil {
		return nil, err
	}

	path := b.pkiPath("intermediate", "generate", "exported")
	data := sanData(params)
	s := params.Subject
	data["common_name"] = s.CN
	data["key_type"] = keyType(algo)
	data["key_bits"] = bits
	setIf(data, "organization", s.O)
	setIf(data, "ou", s.OU)
	setIf(data, "country", s.C)
	setIf(data, "province", s.ST)
	setIf(data, "locality", s.L)

	secret, err := b.write(ctx, path, data)
	if err != nil {
		return nil, err
	}
	csrPEM, err := field(secret, path, "csr")
	if err != nil {
		return nil, err
	}
	key, err := field(secret, path, "private_key")
	if err != nil {
		return nil, err
	}
	return &backend.KeyPair{CSR: csrPEM, Key: key}, nil
}

func (b *Backend) write(ctx context.Context, path string, data map[string]any) (*api.Secret, error) {
	secret, err := b.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, b.wrap(path, err)
	}
	return secret, nil
}

func caRequestData(info *backend.CAInitialInfo) map[string]any {
	name := info.Name()
	data := map[string]any{
		"common_name": name.CN,
		"key_type":    keyType(info.CSR.Key.Algo),
		"key_bits":    info.CSR.Key.Size,
	}
	var dns, ips []string
	for _, h := range info.CSR.Hosts {
		if net.ParseIP(h) != nil {
			ips = append(ips, h)
		} else {
			dns = append(dns, h)
		}
	}
	setIf(data, "alt_names", strings.Join(dns, ","))
	setIf(data, "ip_sans", strings.Join(ips, ","))
	setIf(data, "organization", name.O)
	setIf(data, "ou", name.OU)
	setIf(data, "country", name.C)
	setIf(data, "province", name.ST)
	setIf(data, "locality", name.L)
	return data
}

func sanData(params backend.CSRParameters) map[string]any {
	san := params.Extensions.SubjectAltName
	data := map[string]any{}
	altNames := append(append([]string{}, san.DNS...), san.EmailAddresses...)
	setIf(data, "alt_names", strings.Join(altNames, ","))
	setIf(data, "ip_sans", strings.Join(san.IPs, ","))
	setIf(data, "uri_sans", strings.Join(san.URIs, ","))
	return data
}

func keyType(algo string) string {
	if algo == backend.AlgoECDSA {
		return "ec"
	}
	return "rsa"
}

func setIf(data map[string]any, key, value string) {
	if value != "" {
		data[key] = value
	}
}

func field(secret *api.Secret, path, name string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: vault %s returned no data", backend.ErrExternal, path)
	}
	v, ok := secret.Data[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: vault %s response lacks %q", backend.ErrExternal, path, name)
	}
	return v, nil
}
