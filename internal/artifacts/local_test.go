package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return store
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestNewLocalStoreRequiresPath(t *testing.T) {
	_, err := NewLocalStore("", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base path is required")
}

func TestLocalStoreStoreAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	info, err := store.Store(ctx, "v1", strings.NewReader("model-bytes"), map[string]interface{}{"model_name": "lead"})
	require.NoError(t, err)

	assert.Equal(t, sha("model-bytes"), info.Hash)
	assert.Equal(t, filepath.Join(store.BasePath(), "models", "v1", "model.bin"), info.Path)
	assert.Greater(t, info.SizeMB, 0.0)

	rc, metadata, err := store.Load(ctx, "v1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(data))
	assert.Equal(t, "lead", metadata["model_name"])
	assert.Equal(t, info.Hash, metadata["artifact_hash"])

	hash, err := store.Hash(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, info.Hash, hash)
}

func TestLocalStoreIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Store(ctx, "v1", strings.NewReader("a"), nil)
	require.NoError(t, err)

	_, err = store.Store(ctx, "v1", strings.NewReader("b"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.ErrorIs(t, err, errors.ErrArtifactExists)

	hash, err := store.Hash(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, sha("a"), hash)
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Store(context.Background(), "../escape", strings.NewReader("x"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestLocalStoreWriteFailureIsStorageError(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Store(context.Background(), "v1", failingReader{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))

	_, statErr := os.Stat(filepath.Join(store.BasePath(), "models", "v1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLocalStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = store.Hash(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestLocalStoreDetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	info, err := store.Store(ctx, "v1", strings.NewReader("original"), nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.ArtifactPath("v1"), []byte("tampered"), 0644))

	hash, err := store.Hash(ctx, "v1")
	require.NoError(t, err)
	assert.NotEqual(t, info.Hash, hash)

	rc, _, err := store.Load(ctx, "v1")
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))
}

func TestLocalStoreBackup(t *testing.T) {
	store := newTestStore(t)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	_, err := store.Store(ctx, "v1", strings.NewReader("weights"), nil)
	require.NoError(t, err)

	dst, err := store.Backup(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.BasePath(), "backups", "v1_1700000000"), dst)

	data, err := os.ReadFile(filepath.Join(dst, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
	assert.FileExists(t, filepath.Join(dst, "metadata.json"))

	second, err := store.Backup(ctx, "v1")
	require.NoError(t, err)
	assert.NotEqual(t, dst, second)

	_, err = store.Backup(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestLocalStoreCleanupOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old-prod", "old-stale", "fresh"} {
		_, err := store.Store(ctx, id, strings.NewReader(id), nil)
		require.NoError(t, err)
	}

	past := time.Now().AddDate(0, 0, -120)
	for _, id := range []string{"old-prod", "old-stale"} {
		require.NoError(t, os.Chtimes(store.ArtifactPath(id), past, past))
	}

	removed, err := store.CleanupOlderThan(ctx, 90, func(id string) bool { return id == "old-prod" })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.FileExists(t, store.ArtifactPath("old-prod"))
	assert.FileExists(t, store.ArtifactPath("fresh"))
	assert.NoFileExists(t, store.ArtifactPath("old-stale"))

	backups, err := os.ReadDir(filepath.Join(store.BasePath(), "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, strings.HasPrefix(backups[0].Name(), "old-stale_"))
}

func TestLocalStoreCleanupRejectsNegativeRetention(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CleanupOlderThan(context.Background(), -1, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestLocalStoreConcurrentStoreSameVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Store(ctx, "shared", strings.NewReader("payload"), nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestHashReaderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := HashReader(ctx, strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
}
