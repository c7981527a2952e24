package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/backend/local"
	"github.com/jmcleod/pkiengine/backend/vault"
	"github.com/jmcleod/pkiengine/config"
	"github.com/jmcleod/pkiengine/dfsp"
	"github.com/jmcleod/pkiengine/enrollment"
	"github.com/jmcleod/pkiengine/hub"
	"github.com/jmcleod/pkiengine/secrets"
	bboltstore "github.com/jmcleod/pkiengine/secrets/bbolt"
	"github.com/jmcleod/pkiengine/secrets/memory"
	pgstore "github.com/jmcleod/pkiengine/secrets/postgres"
	"github.com/jmcleod/pkiengine/toolkit"
	"github.com/jmcleod/pkiengine/validation"
)

// runtime is everything a command may need, built from the configuration.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	toolkit *toolkit.Toolkit
	engine  *validation.Engine

	backend     backend.Backend
	store       secrets.Store
	hub         *hub.Service
	dfsps       *dfsp.Service
	enrollments *enrollment.Service

	closers []func() error
}

// loadConfig reads --config (or the defaults) and applies --log-level.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// openInspector builds the toolkit and the rule engine only. Inspection and
// validation never need a backend connection or a store.
func openInspector() (*runtime, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tk := toolkit.New(toolkit.WithBinary(cfg.Local.OpenSSLPath), toolkit.WithLogger(logger))
	return &runtime{
		cfg:     cfg,
		logger:  logger,
		toolkit: tk,
		engine:  validation.New(tk, validation.WithLogger(logger), validation.WithPolicy(cfg.ValidationPolicy())),
	}, nil
}

// openRuntime connects the configured backend, opens the store and wires
// the services.
func openRuntime(ctx context.Context) (*runtime, error) {
	r, err := openInspector()
	if err != nil {
		return nil, err
	}
	if err := r.open(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *runtime) open(ctx context.Context) error {
	var vb *vault.Backend
	switch r.cfg.Backend {
	case config.BackendVault:
		var err error
		vb, err = vault.New(r.cfg.VaultBackend(), vault.WithLogger(r.logger), vault.WithToolkit(r.toolkit))
		if err != nil {
			return err
		}
		r.backend = vb
	default:
		r.backend = local.New(
			local.WithLogger(r.logger),
			local.WithToolkit(r.toolkit),
			local.WithPassphrase(config.Passphrase(r.cfg.Local.PassphraseEnv)))
	}
	if err := r.backend.Connect(ctx); err != nil {
		return err
	}

	ids, err := r.openStore(ctx, vb)
	if err != nil {
		return err
	}

	r.engine = validation.New(r.backend, validation.WithLogger(r.logger), validation.WithPolicy(r.cfg.ValidationPolicy()))
	r.hub = hub.New(r.backend, r.engine, r.store, hub.WithLogger(r.logger))
	r.dfsps = dfsp.New(r.backend, r.engine, r.store, dfsp.WithLogger(r.logger))
	opts := []enrollment.Option{
		enrollment.WithLogger(r.logger),
		enrollment.WithCASource(r.dfsps),
	}
	if vb != nil {
		opts = append(opts, enrollment.WithSignTTL(r.cfg.VaultBackend().SignExpiry))
	}
	r.enrollments = enrollment.New(r.backend, r.engine, r.store, ids, opts...)

	return r.loadCA(ctx)
}

// openStore opens the configured secret store and returns the enrollment id
// generator that goes with it.
func (r *runtime) openStore(ctx context.Context, vb *vault.Backend) (enrollment.IDGenerator, error) {
	sc := r.cfg.Store
	switch sc.Driver {
	case config.DriverBbolt:
		s, err := r.openBbolt()
		if err != nil {
			return nil, err
		}
		r.store = s
		return s, nil
	case config.DriverPostgres:
		s, err := pgstore.NewStoreFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, func() error { s.Close(); return nil })
		r.store = s
		return s, nil
	case config.DriverVault:
		// The KV engine has no sequence, so ids come from a local bbolt file.
		r.store = vb
		return r.openBbolt()
	default:
		s := memory.NewStore()
		r.store = s
		return s, nil
	}
}

func (r *runtime) openBbolt() (*bboltstore.Store, error) {
	path := r.cfg.Store.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s, err := bboltstore.NewStoreFromFile(path, bboltstore.WithPassphrase(config.Passphrase(r.cfg.Store.PassphraseEnv)))
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, s.Close)
	return s, nil
}

// loadCA gives the local backend its signing CA: the configured files when
// set, otherwise the stored hub CA if there is one.
func (r *runtime) loadCA(ctx context.Context) error {
	lb, ok := r.backend.(*local.Backend)
	if !ok {
		return nil
	}
	if r.cfg.Local.CACertFile != "" {
		cert, err := os.ReadFile(r.cfg.Local.CACertFile)
		if err != nil {
			return fmt.Errorf("reading CA certificate: %w", err)
		}
		key, err := os.ReadFile(r.cfg.Local.CAKeyFile)
		if err != nil {
			return fmt.Errorf("reading CA key: %w", err)
		}
		return lb.UseCA(ctx, string(cert), string(key), backend.SigningPolicy{})
	}
	if err := r.hub.UseStoredCA(ctx); err != nil && !errors.Is(err, hub.ErrNoCA) {
		return err
	}
	return nil
}

// Close releases the store.
func (r *runtime) Close() {
	for _, c := range r.closers {
		if err := c(); err != nil {
			r.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readOptional returns the contents of path, or "" when path is empty.
func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func errRequired(flag string) error {
	return fmt.Errorf("--%s is required", flag)
}

// readRequired is readOptional for a mandatory flag.
func readRequired(flag, path string) (string, error) {
	if path == "" {
		return "", errRequired(flag)
	}
	return readOptional(path)
}

// readJSON decodes the JSON file at path into v.
func readJSON(flag, path string, v any) error {
	data, err := readRequired(flag, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decoding --%s: %w", flag, err)
	}
	return nil
}
