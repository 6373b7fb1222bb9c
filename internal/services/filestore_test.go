package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/huangang/taskboard/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalFileStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	path, size, err := store.Put(ctx, "Report.PDF", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
	assert.True(t, strings.HasSuffix(path, ".pdf"), path)

	rc, err := store.Open(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(ctx, path))
	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(path)))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, path))

	_, err = store.Open(ctx, path)
	assert.True(t, apperr.IsKind(err, apperr.KindDependency))
}

func TestLocalFileStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"../secret", "/etc/passwd", "a/../../b"} {
		_, err := store.Open(context.Background(), p)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "%s: %v", p, err)
	}
}
