// Package vault implements backend.Backend on HashiCorp Vault: the PKI
// secrets engine generates keys and signs certificates, and the KV secrets
// engine stores opaque JSON secrets. Inspection and chain verification
// still run through the local toolkit.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/vault/api"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/secrets"
	"github.com/jmcleod/pkiengine/toolkit"
)

// AuthMethod selects how Connect obtains a token.
type AuthMethod string

const (
	AuthAppRole    AuthMethod = "approle"
	AuthKubernetes AuthMethod = "kubernetes"
	AuthToken      AuthMethod = "token"
)

// DefaultK8sTokenPath is where the service-account token is mounted.
const DefaultK8sTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Auth holds the credentials for one AuthMethod.
type Auth struct {
	Method       AuthMethod
	RoleID       string
	SecretID     string
	K8sRole      string
	K8sTokenPath string
	Token        string
}

// Config describes the Vault deployment.
type Config struct {
	Address        string
	PKIMount       string
	KVMount        string
	Role           string
	SignExpiry     time.Duration
	Auth           Auth
	ConnectRetries uint
}

func (c *Config) applyDefaults() {
	if c.PKIMount == "" {
		c.PKIMount = "pki"
	}
	if c.KVMount == "" {
		c.KVMount = "secrets"
	}
	if c.SignExpiry == 0 {
		c.SignExpiry = 8760 * time.Hour
	}
	if c.Auth.Method == "" {
		c.Auth.Method = AuthAppRole
	}
	if c.Auth.K8sTokenPath == "" {
		c.Auth.K8sTokenPath = DefaultK8sTokenPath
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
}

// Backend is the Vault-backed Crypto Backend. It is also a secrets.Store
// over the KV mount.
type Backend struct {
	*toolkit.Toolkit

	client        *api.Client
	cfg           Config
	logger        *slog.Logger
	retryInterval time.Duration
	httpClient    *http.Client
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ secrets.Store   = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithToolkit overrides the toolkit used for inspection.
func WithToolkit(t *toolkit.Toolkit) Option {
	return func(b *Backend) {
		b.Toolkit = t
	}
}

// WithHTTPClient sets the HTTP client used to reach Vault.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = c
	}
}

// WithRetryInterval sets the initial login retry interval.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Backend) {
		b.retryInterval = d
	}
}

// New builds a Vault client for cfg. No request is made until Connect.
func New(cfg Config, opts ...Option) (*Backend, error) {
	cfg.applyDefaults()
	b := &Backend{cfg: cfg, logger: slog.Default(), retryInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(b)
	}
	if b.Toolkit == nil {
		b.Toolkit = toolkit.New(toolkit.WithLogger(b.logger))
	}

	apiCfg := api.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", apiCfg.Error)
	}
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if b.httpClient != nil {
		apiCfg.HttpClient = b.httpClient
	}
	// Connect owns retries.
	apiCfg.MaxRetries = 0

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.ClearToken()
	b.client = client
	return b, nil
}

// Connect authenticates and stores the session token, retrying transient
// failures with exponential backoff. Rejected credentials are not retried.
func (b *Backend) Connect(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryInterval

	token, err := backoff.Retry(ctx, func() (string, error) {
		return b.login(ctx)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(b.cfg.ConnectRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("vault login failed, retrying",
				slog.String("method", string(b.cfg.Auth.Method)),
				slog.Duration("next", next),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		return err
	}
	b.client.SetToken(token)
	b.logger.Info("connected to vault",
		slog.String("address", b.client.Address()),
		slog.String("method", string(b.cfg.Auth.Method)))
	return nil
}

func (b *Backend) login(ctx context.Context) (string, error) {
	var (
		path string
		data map[string]any
	)
	switch b.cfg.Auth.Method {
	case AuthToken:
		if b.cfg.Auth.Token == "" {
			return "", backoff.Permanent(&backend.InputError{Field: "vault.auth.token", Reason: "is required"})
		}
		return b.cfg.Auth.Token, nil
	case AuthAppRole:
		path = "auth/approle/login"
		data = map[string]any{"role_id": b.cfg.Auth.RoleID, "secret_id": b.cfg.Auth.SecretID}
	case AuthKubernetes:
		jwt, err := os.ReadFile(b.cfg.Auth.K8sTokenPath)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: reading service account token: %v", backend.ErrExternal, err))
		}
		path = "auth/kubernetes/login"
		data = map[string]any{"role": b.cfg.Auth.K8sRole, "jwt": strings.TrimSpace(string(jwt))}
	default:
		return "", backoff.Permanent(&backend.InputError{Field: "vault.auth.method", Reason: fmt.Sprintf("unsupported %q", b.cfg.Auth.Method)})
	}

	secret, err := b.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		err = b.wrap(path, err)
		if rejected(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return "", fmt.Errorf("%w: %s returned no token", backend.ErrExternal, path)
	}
	return secret.Auth.ClientToken, nil
}

// rejected reports whether Vault refused the request outright.
func rejected(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.StatusCode == http.StatusBadRequest ||
		respErr.StatusCode == http.StatusForbidden ||
		respErr.StatusCode == http.StatusUnauthorized
}

// wrap marks err as an external failure while keeping the Vault response
// error reachable with errors.As.
func (b *Backend) wrap(path string, err error) error {
	return fmt.Errorf("%w: vault %s: %w", backend.ErrExternal, path, err)
}

func (b *Backend) pkiPath(parts ...string) string {
	return strings.Join(append([]string{b.cfg.PKIMount}, parts...), "/")
}

func (b *Backend) kvPath(p string) string {
	return b.cfg.KVMount + "/" + p
}

func (b *Backend) ttl(ttl time.Duration) string {
	if ttl <= 0 {
		ttl = b.cfg.SignExpiry
	}
	return fmt.Sprintf("%ds", int64(ttl.Seconds()))
}
