package filestore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/filestore"
	"github.com/friendfund/backend/ledger"
)

func newTestLocal(t *testing.T) (*filestore.Local, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := filestore.NewLocal(dir, "http://localhost:8080/uploads/")
	require.NoError(t, err)
	return s, dir
}

func TestLocal_PutAndDelete(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestLocal(t)

	url, err := s.Put(ctx, "screenshots", "contrib-1", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/uploads/screenshots/contrib-1", url)

	data, err := os.ReadFile(filepath.Join(dir, "screenshots", "contrib-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	require.NoError(t, s.Delete(ctx, url))
	_, err = os.Stat(filepath.Join(dir, "screenshots", "contrib-1"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Deleting twice is fine.
	assert.NoError(t, s.Delete(ctx, url))
}

func TestLocal_PathEscape(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestLocal(t)

	_, err := s.Put(ctx, "../..", "../../etc/passwd", []byte("x"))
	require.NoError(t, err)

	// The file lands two levels below the root, never outside it.
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = s.Put(ctx, "screenshots", "", []byte("x"))
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))

	_, err = s.Put(ctx, "..", "x", []byte("x"))
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))
}

func TestPublicID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://res.cloudinary.com/demo/image/upload/v1234567890/screens/abc.png", "screens/abc", true},
		{"https://res.cloudinary.com/demo/image/upload/friendfund/screens/abc.jpg", "friendfund/screens/abc", true},
		{"https://example.com/nothing", "", false},
	}
	for _, tt := range tests {
		got, err := filestore.PublicID(tt.url)
		if !tt.ok {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}
