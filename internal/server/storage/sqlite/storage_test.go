package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
	"github.com/iudanet/causalrepo/internal/server/storage/storagetest"
)

func setupTestStorage(t *testing.T) storage.Store {
	t.Helper()

	// Используем in-memory database для тестов
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	return s
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, setupTestStorage)
}

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	atoms := storagetest.Atoms(t)

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.StoreObjects(ctx, []models.Object{models.AtomObject(atoms[0])}))
	require.NoError(t, s.AddAtoms(ctx, "main", atoms))
	require.NoError(t, s.Close())

	// миграции применяются повторно без ошибок
	s, err = New(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	o, err := s.GetObject(ctx, atoms[0].Hash)
	require.NoError(t, err)
	assert.Equal(t, atoms[0].Hash, o.Hash())

	stage, err := s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 3)
}

func TestStorage_GetObjectsChunked(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	var (
		objects []models.Object
		hashes  []string
	)
	for i := int64(1); i <= maxQueryParams+10; i++ {
		a, err := models.NewAtom(models.AtomID{Site: "s", Sequence: i}, nil, models.BotOp{ID: "b"})
		require.NoError(t, err)
		objects = append(objects, models.AtomObject(a))
		hashes = append(hashes, a.Hash)
	}
	require.NoError(t, s.StoreObjects(ctx, objects))

	got, err := s.GetObjects(ctx, hashes)
	require.NoError(t, err)
	assert.Len(t, got, len(hashes))
}
