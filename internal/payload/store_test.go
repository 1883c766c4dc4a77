//go:build unit

package payload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, maxVersions int) *Store {
	t.Helper()

	store, err := NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "payload"), maxVersions)
	require.NoError(t, err)

	return store
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	store, err := NewStore(zap.NewNop(), dir, 0)
	require.NoError(t, err)

	info, err := os.Stat(store.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStore_EmptyReadsVersionZero(t *testing.T) {
	store := newTestStore(t, 0)

	version, lines, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Empty(t, lines)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, 0, latest)
}

func TestStore_WriteThenRead(t *testing.T) {
	store := newTestStore(t, 0)

	v1, err := store.Write("Hello World 1")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := store.Write("Hello World 2", "second line")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	version, lines, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, []string{"Hello World 2", "second line"}, lines)

	old, err := store.ReadVersion(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello World 1"}, old)
}

func TestStore_VersionsUseNaturalOrder(t *testing.T) {
	store := newTestStore(t, 0)

	for _, name := range []string{"2.payload", "10.payload", "9.payload", "notes.txt", "x.payload"} {
		require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), name), []byte("v\n"), 0644))
	}

	versions, err := store.Versions()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 9, 10}, versions)

	version, err := store.Write("next")
	require.NoError(t, err)
	assert.Equal(t, 11, version)
}

func TestStore_PrunesOldVersions(t *testing.T) {
	store := newTestStore(t, 2)

	for i := 0; i < 5; i++ {
		_, err := store.Write("line")
		require.NoError(t, err)
	}

	versions, err := store.Versions()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, versions)

	_, err = os.Stat(filepath.Join(store.Dir(), "1.payload"))
	assert.True(t, os.IsNotExist(err))
}

func TestGetVersionNum(t *testing.T) {
	num, err := getVersionNum("/tmp/data/12.payload")
	require.NoError(t, err)
	assert.Equal(t, 12, num)

	_, err = getVersionNum("/tmp/data/12.seg")
	assert.Error(t, err)

	_, err = getVersionNum("/tmp/data/abc.payload")
	assert.Error(t, err)
}
