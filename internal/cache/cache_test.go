package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cob-systems/cob/internal/oid"
	"github.com/stretchr/testify/require"
)

func TestPutThenGet(t *testing.T) {
	ctx := context.Background()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	heads := []oid.ID{oid.New([oid.DigestLength]byte{1}), oid.New([oid.DigestLength]byte{2})}
	key := HeadsHash(heads)

	_, _, ok, err := c.Get(ctx, "xyz.example.issue/abc", key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "xyz.example.issue/abc", key, []byte(`{"title":"hi"}`), []string{"aaa", "bbb"}))

	doc, admitted, ok, err := c.Get(ctx, "xyz.example.issue/abc", key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"title":"hi"}`), doc)
	require.Equal(t, []string{"aaa", "bbb"}, admitted)
}

func TestHeadsHashOrderIndependent(t *testing.T) {
	a := oid.New([oid.DigestLength]byte{1})
	b := oid.New([oid.DigestLength]byte{2})
	require.Equal(t, HeadsHash([]oid.ID{a, b}), HeadsHash([]oid.ID{b, a}))
}

func TestPutOverwritesExistingKey(t *testing.T) {
	ctx := context.Background()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	key := HeadsHash([]oid.ID{oid.New([oid.DigestLength]byte{7})})
	require.NoError(t, c.Put(ctx, "obj", key, []byte("v1"), []string{"aaa"}))
	require.NoError(t, c.Put(ctx, "obj", key, []byte("v2"), []string{"aaa", "bbb"}))

	doc, admitted, ok, err := c.Get(ctx, "obj", key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), doc)
	require.Equal(t, []string{"aaa", "bbb"}, admitted)
}
