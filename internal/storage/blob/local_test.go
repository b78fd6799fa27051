package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := New(context.Background(), config.ExportsConfig{
		Storage: "local",
		Local:   config.ExportsLocalConfig{Directory: t.TempDir()},
	})
	require.NoError(t, err)
	return store
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	info, err := store.Put(ctx, "exports/2026/report.csv", strings.NewReader("a,b\n1,2\n"), PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"rows": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(8), info.Size)
	require.False(t, info.Modified.IsZero())

	rc, got, err := store.Get(ctx, "exports/2026/report.csv")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(body))
	require.Equal(t, "text/csv", got.ContentType)
	require.Equal(t, "1", got.Metadata["rows"])

	require.NoError(t, store.Delete(ctx, "exports/2026/report.csv"))
	_, _, err = store.Get(ctx, "exports/2026/report.csv")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStoreListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"exports/2026/01/01/a.csv", "exports/2026/03/02/b.csv", "other/c.csv"} {
		_, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{ContentType: "text/csv"})
		require.NoError(t, err)
	}

	objects, err := store.List(ctx, "exports/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Equal(t, "exports/2026/03/02/b.csv", objects[0].Key)
	require.Equal(t, "exports/2026/01/01/a.csv", objects[1].Key)
	require.Equal(t, "text/csv", objects[0].ContentType)

	objects, err = store.List(ctx, "missing/")
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestLocalStoreObjectWithoutSidecarIsMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := newLocalStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.csv"), []byte("x"), 0o600))

	_, _, err = store.Get(context.Background(), "orphan.csv")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := newLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "../outside.csv", strings.NewReader("x"), PutOptions{})
	require.Error(t, err)

	_, err = newLocalStore("  ")
	require.Error(t, err)
}
