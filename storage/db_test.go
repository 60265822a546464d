package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testBackends(t *testing.T) map[string]Database {
	t.Helper()
	ldb, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(ldb.Close)
	return map[string]Database{
		"memdb":   NewMemDB(),
		"leveldb": ldb,
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := []byte("k")
			_, err := db.Get(key)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put(key, []byte("v")))
			got, err := db.Get(key)
			require.NoError(t, err)
			require.Equal(t, []byte("v"), got)

			ok, err := db.Has(key)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, db.Delete(key))
			_, err = db.Get(key)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("k"), []byte("abc")))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	got[0] = 'z'

	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again, "stored value must not alias returned slices")
}

func TestBatchWrite(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("stale"), []byte("x")))

			batch := new(Batch)
			batch.Put([]byte("a"), []byte("1"))
			batch.Put([]byte("b"), []byte("2"))
			batch.Delete([]byte("stale"))
			require.Equal(t, 3, batch.Len())
			require.NoError(t, db.Write(batch))

			for key, want := range map[string]string{"a": "1", "b": "2"} {
				got, err := db.Get([]byte(key))
				require.NoError(t, err)
				require.Equal(t, want, string(got))
			}
			_, err := db.Get([]byte("stale"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBatchCopiesKeysAndValues(t *testing.T) {
	db := NewMemDB()
	key := []byte("k")
	value := []byte("v")
	batch := new(Batch)
	batch.Put(key, value)
	key[0] = 'x'
	value[0] = 'y'
	require.NoError(t, db.Write(batch))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got), "batch must snapshot its inputs")
}

func TestNilBatchWrite(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Write(nil))
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	db.Close()

	reopened, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}
