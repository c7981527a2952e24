// Package secretstest holds the behaviour every secrets.Store must share.
package secretstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkiengine/secrets"
)

// IDGenerator is the counter half of a driver.
type IDGenerator interface {
	NextID(ctx context.Context) (int64, error)
}

// Run exercises s. The store must be empty.
func Run(t *testing.T, s secrets.Store) {
	t.Helper()
	ctx := t.Context()

	caKey := secrets.Key{Category: secrets.CategoryDFSPCA, DFSPID: "dfsp1"}
	enrollKey := func(id string) secrets.Key {
		return secrets.Key{Category: secrets.CategoryInboundEnrollment, DFSPID: "dfsp1", ID: id}
	}

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, caKey)
		assert.ErrorIs(t, err, secrets.ErrNotFound)
	})

	t.Run("ListMissing", func(t *testing.T) {
		ids, err := s.List(ctx, secrets.CategoryInboundEnrollment, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, ids)
		assert.Empty(t, ids)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, caKey, []byte(`{"v":1}`)))
		got, err := s.Get(ctx, caKey)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))

		require.NoError(t, s.Set(ctx, caKey, []byte(`{"v":2}`)))
		got, err = s.Get(ctx, caKey)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		type record struct {
			Name string `json:"name"`
		}
		key := secrets.Key{Category: secrets.CategoryHubIssuerCA}
		require.NoError(t, secrets.SetJSON(ctx, s, key, record{Name: "hub"}))
		var got record
		require.NoError(t, secrets.GetJSON(ctx, s, key, &got))
		assert.Equal(t, "hub", got.Name)
	})

	t.Run("List", func(t *testing.T) {
		for _, id := range []string{"2", "1", "10"} {
			require.NoError(t, s.Set(ctx, enrollKey(id), []byte(`{}`)))
		}
		require.NoError(t, s.Set(ctx, secrets.Key{Category: secrets.CategoryInboundEnrollment, DFSPID: "dfsp2", ID: "7"}, []byte(`{}`)))

		ids, err := s.List(ctx, secrets.CategoryInboundEnrollment, "dfsp1")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "10", "2"}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, enrollKey("10")))
		_, err := s.Get(ctx, enrollKey("10"))
		assert.ErrorIs(t, err, secrets.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, enrollKey("10")), secrets.ErrNotFound)
	})

	t.Run("DeleteDFSP", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, secrets.Key{Category: secrets.CategoryDFSPJWSCerts, DFSPID: "dfsp1"}, []byte(`{}`)))
		require.NoError(t, secrets.DeleteDFSP(ctx, s, "dfsp1"))

		ids, err := s.List(ctx, secrets.CategoryInboundEnrollment, "dfsp1")
		require.NoError(t, err)
		assert.Empty(t, ids)
		_, err = s.Get(ctx, caKey)
		assert.ErrorIs(t, err, secrets.ErrNotFound)

		ids, err = s.List(ctx, secrets.CategoryInboundEnrollment, "dfsp2")
		require.NoError(t, err)
		assert.Equal(t, []string{"7"}, ids, "other DFSPs are untouched")
		_, err = s.Get(ctx, secrets.Key{Category: secrets.CategoryHubIssuerCA})
		assert.NoError(t, err, "hub secrets are untouched")
	})

	t.Run("InvalidKey", func(t *testing.T) {
		err := s.Set(ctx, secrets.Key{Category: secrets.CategoryDFSPCA, DFSPID: "a/b"}, []byte(`{}`))
		assert.Error(t, err)
	})
}

// RunCounter checks that ids are strictly increasing.
func RunCounter(t *testing.T, g IDGenerator) {
	t.Helper()
	ctx := t.Context()
	prev, err := g.NextID(ctx)
	require.NoError(t, err)
	assert.Positive(t, prev)
	for range 5 {
		next, err := g.NextID(ctx)
		require.NoError(t, err)
		assert.Greater(t, next, prev)
		prev = next
	}
}
