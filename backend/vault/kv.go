package vault

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jmcleod/pkiengine/backend"
	"github.com/jmcleod/pkiengine/secrets"
)

// valueField holds the JSON blob inside each KV entry.
const valueField = "value"

// Get reads a secret from the KV mount.
func (b *Backend) Get(ctx context.Context, key secrets.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	path := b.kvPath(key.Path())
	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, b.wrap(path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", key, secrets.ErrNotFound)
	}
	v, ok := secret.Data[valueField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: vault %s lacks %q", backend.ErrExternal, path, valueField)
	}
	return []byte(v), nil
}

// Set writes a secret to the KV mount.
func (b *Backend) Set(ctx context.Context, key secrets.Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := b.write(ctx, b.kvPath(key.Path()), map[string]any{valueField: string(value)})
	return err
}

// List returns the ids stored under {category}/{dfspId}. A missing
// namespace is an empty list.
func (b *Backend) List(ctx context.Context, category secrets.Category, dfspID string) ([]string, error) {
	path := b.kvPath(secrets.Key{Category: category, DFSPID: dfspID}.Path())
	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, b.wrap(path, err)
	}
	ids := []string{}
	if secret == nil || secret.Data == nil {
		return ids, nil
	}
	keys, _ := secret.Data["keys"].([]any)
	for _, k := range keys {
		s, ok := k.(string)
		if ok && s != "" && !strings.HasSuffix(s, "/") {
			ids = append(ids, s)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Delete removes a secret from the KV mount. Vault deletes are idempotent,
// so existence is checked first to report ErrNotFound.
func (b *Backend) Delete(ctx context.Context, key secrets.Key) error {
	if _, err := b.Get(ctx, key); err != nil {
		return err
	}
	path := b.kvPath(key.Path())
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return b.wrap(path, err)
	}
	return nil
}
