// Package storagetest contains behaviour tests shared by all storage.Store backends.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
)

// Factory creates an empty store. The store is closed by the suite.
type Factory func(t *testing.T) storage.Store

// Run runs the shared suite against the backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("Objects", func(t *testing.T) { testObjects(t, newStore(t)) })
	t.Run("ConcurrentObjectWrites", func(t *testing.T) { testConcurrentObjectWrites(t, newStore(t)) })
	t.Run("Branches", func(t *testing.T) { testBranches(t, newStore(t)) })
	t.Run("Stage", func(t *testing.T) { testStage(t, newStore(t)) })
	t.Run("CommitBranch", func(t *testing.T) { testCommitBranch(t, newStore(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore(t)) })
}

// Atoms returns a small causal chain bot -> tag -> value.
func Atoms(t testing.TB) []*models.Atom {
	t.Helper()
	bot, err := models.NewAtom(models.AtomID{Site: "s", Sequence: 1}, nil, models.BotOp{ID: "bot"})
	require.NoError(t, err)
	tag, err := models.NewAtom(models.AtomID{Site: "s", Sequence: 2}, &bot.ID, models.TagOp{Name: "color"})
	require.NoError(t, err)
	val, err := models.NewAtom(models.AtomID{Site: "s", Sequence: 3}, &tag.ID, models.ValueOp{Value: "red"})
	require.NoError(t, err)
	return []*models.Atom{bot, tag, val}
}

func testObjects(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	atoms := Atoms(t)
	idx := models.NewIndex(atoms)
	commit := models.NewCommit("first", time.Now(), idx, "")

	objects := []models.Object{
		models.AtomObject(atoms[0]),
		models.AtomObject(atoms[1]),
		models.AtomObject(atoms[2]),
		models.IndexObject(idx),
		models.CommitObject(commit),
	}
	require.NoError(t, s.StoreObjects(ctx, objects))
	// повторная запись ничего не меняет
	require.NoError(t, s.StoreObjects(ctx, objects))
	require.NoError(t, s.StoreObjects(ctx, nil))

	got, err := s.GetObjects(ctx, []string{atoms[0].Hash, "missing", idx.Hash, commit.Hash})
	require.NoError(t, err)
	require.Len(t, got, 3)

	hashes := make([]string, 0, len(got))
	for _, o := range got {
		hashes = append(hashes, o.Hash())
	}
	want := []string{atoms[0].Hash, idx.Hash, commit.Hash}
	sort.Strings(hashes)
	sort.Strings(want)
	assert.Equal(t, want, hashes)

	o, err := s.GetObject(ctx, commit.Hash)
	require.NoError(t, err)
	require.Equal(t, models.ObjectTypeCommit, o.Type)
	assert.Equal(t, commit.Message, o.Commit.Message)
	assert.Equal(t, commit.Index, o.Commit.Index)
	assert.True(t, commit.Time.Equal(o.Commit.Time))

	o, err = s.GetObject(ctx, atoms[2].Hash)
	require.NoError(t, err)
	require.Equal(t, models.ObjectTypeAtom, o.Type)
	assert.NoError(t, o.Atom.Validate())

	_, err = s.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	empty, err := s.GetObjects(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentObjectWrites(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	atoms := Atoms(t)
	objects := make([]models.Object, 0, len(atoms))
	for _, a := range atoms {
		objects = append(objects, models.AtomObject(a))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.StoreObjects(ctx, objects)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := s.GetObjects(ctx, []string{atoms[0].Hash, atoms[1].Hash, atoms[2].Hash})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func testBranches(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetBranch(ctx, "main")
	assert.ErrorIs(t, err, storage.ErrBranchNotFound)

	branches, err := s.GetBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, branches)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateBranch(ctx, &models.Branch{Name: "main", Hash: "c1", Time: now}, ""))

	// ветка уже существует
	err = s.UpdateBranch(ctx, &models.Branch{Name: "main", Hash: "c2", Time: now}, "")
	assert.ErrorIs(t, err, storage.ErrBranchConflict)

	// устаревший ожидаемый hash
	err = s.UpdateBranch(ctx, &models.Branch{Name: "main", Hash: "c2", Time: now}, "c0")
	assert.ErrorIs(t, err, storage.ErrBranchConflict)

	require.NoError(t, s.UpdateBranch(ctx, &models.Branch{Name: "main", Hash: "c2", Time: now}, "c1"))

	b, err := s.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "main", b.Name)
	assert.Equal(t, "c2", b.Hash)
	assert.True(t, now.Equal(b.Time))

	require.NoError(t, s.UpdateBranch(ctx, &models.Branch{Name: "dev", Hash: "d1", Time: now}, ""))
	branches, err = s.GetBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "dev", branches[0].Name)
	assert.Equal(t, "main", branches[1].Name)

	require.NoError(t, s.DeleteBranch(ctx, "dev"))
	assert.ErrorIs(t, s.DeleteBranch(ctx, "dev"), storage.ErrBranchNotFound)
}

func testStage(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	atoms := Atoms(t)

	stage, err := s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.True(t, stage.IsEmpty())

	require.NoError(t, s.AddAtoms(ctx, "main", atoms))
	require.NoError(t, s.AddAtoms(ctx, "main", atoms[:1]))
	require.NoError(t, s.AddAtoms(ctx, "other", atoms[:1]))

	stage, err = s.GetStage(ctx, "main")
	require.NoError(t, err)
	require.Len(t, stage.Additions, 3)
	for i, a := range stage.Additions {
		assert.Equal(t, atoms[i].Hash, a.Hash, "additions keep insertion order")
	}
	assert.Empty(t, stage.Deletions)

	require.NoError(t, s.RemoveAtoms(ctx, "main", atoms[2:]))

	stage, err = s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 2)
	assert.Equal(t, map[string]string{atoms[2].Hash: atoms[2].ID.String()}, stage.Deletions)

	// повторное добавление снимает удаление
	require.NoError(t, s.AddAtoms(ctx, "main", atoms[2:]))
	stage, err = s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 3)
	assert.Empty(t, stage.Deletions)

	require.NoError(t, s.RemoveAtoms(ctx, "main", atoms[:1]))
	require.NoError(t, s.ClearStage(ctx, "main"))

	stage, err = s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.True(t, stage.IsEmpty())

	other, err := s.GetStage(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, other.Additions, 1, "stages are per branch")
}

func testCommitBranch(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	atoms := Atoms(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.AddAtoms(ctx, "main", atoms))
	require.NoError(t, s.RemoveAtoms(ctx, "main", atoms[2:]))
	require.NoError(t, s.AddAtoms(ctx, "other", atoms[:1]))

	// конфликт не трогает ни ссылку, ни стейдж
	err := s.CommitBranch(ctx, &models.Branch{Name: "main", Hash: "c1", Time: now}, "c0")
	assert.ErrorIs(t, err, storage.ErrBranchConflict)

	_, err = s.GetBranch(ctx, "main")
	assert.ErrorIs(t, err, storage.ErrBranchNotFound)
	stage, err := s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 2)
	assert.Len(t, stage.Deletions, 1)

	require.NoError(t, s.CommitBranch(ctx, &models.Branch{Name: "main", Hash: "c1", Time: now}, ""))

	b, err := s.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "c1", b.Hash)
	stage, err = s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.True(t, stage.IsEmpty())

	require.NoError(t, s.AddAtoms(ctx, "main", atoms[2:]))
	err = s.CommitBranch(ctx, &models.Branch{Name: "main", Hash: "c2", Time: now}, "")
	assert.ErrorIs(t, err, storage.ErrBranchConflict)
	stage, err = s.GetStage(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 1, "stage survives a conflicting commit")

	require.NoError(t, s.CommitBranch(ctx, &models.Branch{Name: "main", Hash: "c2", Time: now}, "c1"))
	b, err = s.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "c2", b.Hash)

	other, err := s.GetStage(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, other.Additions, 1, "only the committed branch loses its stage")
}

func testClosed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	_, err := s.GetBranch(ctx, "main")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)

	err = s.StoreObjects(ctx, []models.Object{models.AtomObject(Atoms(t)[0])})
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}
