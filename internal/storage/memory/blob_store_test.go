package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreKeepsOwnCopy(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>1</html>")
	uri, err := store.PutObject(context.Background(), "pages/nowere.net/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://pages/nowere.net/abc.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("pages/nowere.net/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html>1</html>", string(stored))
	require.Equal(t, "text/html", store.ContentType("pages/nowere.net/abc.html"))
}

func TestBlobStoreOverwriteAndList(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "b.html", "text/html", []byte("old"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "a.html", "text/html", []byte("a"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "b.html", "text/plain", []byte("new"))
	require.NoError(t, err)

	require.Equal(t, []string{"a.html", "b.html"}, store.Paths())
	got, _ := store.Object("b.html")
	require.Equal(t, "new", string(got))
	require.Equal(t, "text/plain", store.ContentType("b.html"))

	_, ok := store.Object("missing.html")
	require.False(t, ok)
}

func TestBlobStoreCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBlobStore().PutObject(ctx, "a.html", "text/html", nil)
	require.ErrorIs(t, err, context.Canceled)
}
