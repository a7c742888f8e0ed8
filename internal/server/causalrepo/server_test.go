package causalrepo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/repo"
	"github.com/iudanet/causalrepo/internal/server/storage/sqlite"
	"github.com/iudanet/causalrepo/internal/server/storage/storagetest"
	"github.com/iudanet/causalrepo/pkg/api"
)

// fakeConn records every message sent to it.
type fakeConn struct {
	id     string
	device models.DeviceInfo

	mu   sync.Mutex
	msgs []api.Message
}

func newConn(id, username, deviceID string) *fakeConn {
	return &fakeConn{
		id:     id,
		device: models.DeviceInfo{Username: username, DeviceID: deviceID, SessionID: "session-" + id},
	}
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Device() models.DeviceInfo { return c.device }

func (c *fakeConn) Send(msg api.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

// named returns the messages with the given name in arrival order.
func (c *fakeConn) named(name string) []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []api.Message
	for _, m := range c.msgs {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

func decodeAs[T any](t *testing.T, msg api.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Data, &v))
	return v
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	server *Server
	store  repo.Store
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return newTestEnvWithStore(t, s, cfg)
}

func newTestEnvWithStore(t *testing.T, store repo.Store, cfg Config) *testEnv {
	t.Helper()

	if cfg.Now == nil {
		clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		cfg.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		t:      t,
		ctx:    context.Background(),
		server: NewServer(logger, store, nil, cfg),
		store:  store,
	}
}

func (e *testEnv) connect(conn *fakeConn) *fakeConn {
	e.server.Connect(conn)
	return conn
}

func (e *testEnv) do(conn *fakeConn, name string, payload any) {
	e.server.Handle(e.ctx, conn, api.MustMessage(name, payload))
}

func (e *testEnv) watch(conn *fakeConn, branch string) {
	e.do(conn, api.CmdWatchBranch, api.BranchRequest{Branch: branch})
}

func (e *testEnv) add(conn *fakeConn, branch string, atoms ...*models.Atom) {
	e.do(conn, api.CmdAddAtoms, api.AddAtoms{Branch: branch, Atoms: atoms})
}

func (e *testEnv) commit(conn *fakeConn, branch, message string) string {
	e.t.Helper()
	e.do(conn, api.CmdCommit, api.CommitRequest{Branch: branch, Message: message})
	replies := conn.named(api.EventCommitCreated)
	require.NotEmpty(e.t, replies)
	created := decodeAs[api.CommitCreated](e.t, replies[len(replies)-1])
	require.Empty(e.t, created.Error)
	return created.Hash
}

func (e *testEnv) headCommit(branch string) *models.Commit {
	e.t.Helper()
	ref, err := e.store.GetBranch(e.ctx, branch)
	require.NoError(e.t, err)
	c, err := repo.GetCommit(e.ctx, e.store, ref.Hash)
	require.NoError(e.t, err)
	return c
}

func blueValue(t *testing.T, tag *models.Atom) *models.Atom {
	t.Helper()
	a, err := models.NewAtom(models.AtomID{Site: "s", Sequence: 4}, &tag.ID, models.ValueOp{Value: "blue"})
	require.NoError(t, err)
	return a
}

func hashes(atoms []*models.Atom) []string {
	out := make([]string, len(atoms))
	for i, a := range atoms {
		out[i] = a.Hash
	}
	return out
}

func TestWatchBranch_Orphan(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))

	env.watch(c1, "x")

	msgs := c1.named(api.EventAddAtoms)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"branch":"x","atoms":[],"initial":true}`, string(msgs[0].Data))

	state, ok := env.server.State("x")
	require.True(t, ok)
	assert.Empty(t, state)

	env.do(c1, api.CmdBranchInfo, api.BranchRequest{Branch: "x"})
	info := decodeAs[api.BranchInfo](t, c1.named(api.EventBranchInfo)[0])
	assert.True(t, info.Exists)

	env.do(c1, api.CmdBranchInfo, api.BranchRequest{Branch: "y"})
	info = decodeAs[api.BranchInfo](t, c1.named(api.EventBranchInfo)[1])
	assert.False(t, info.Exists)
}

func TestAddAtoms_AckAndBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	c2 := env.connect(newConn("c2", "bob", "d2"))
	env.watch(c1, "main")
	env.watch(c2, "main")

	atoms := storagetest.Atoms(t)
	orphan, err := models.NewAtom(models.AtomID{Site: "x", Sequence: 9}, &models.AtomID{Site: "missing", Sequence: 1}, models.TagOp{Name: "size"})
	require.NoError(t, err)

	env.add(c1, "main", append([]*models.Atom{orphan}, atoms...)...)

	acks := c1.named(api.EventAtomsReceived)
	require.Len(t, acks, 1)
	ack := decodeAs[api.AtomsReceived](t, acks[0])
	assert.Equal(t, "main", ack.Branch)
	assert.ElementsMatch(t, hashes(atoms), ack.Hashes)
	assert.NotContains(t, ack.Hashes, orphan.Hash)

	// отправитель не получает собственные атомы
	assert.Len(t, c1.named(api.EventAddAtoms), 1)
	assert.Empty(t, c2.named(api.EventAtomsReceived))

	broadcasts := c2.named(api.EventAddAtoms)
	require.Len(t, broadcasts, 2)
	delta := decodeAs[api.AddAtoms](t, broadcasts[1])
	assert.False(t, delta.Initial)
	assert.ElementsMatch(t, hashes(atoms), hashes(delta.Atoms))

	state, ok := env.server.State("main")
	require.True(t, ok)
	require.Contains(t, state, "bot")
	assert.Equal(t, "red", state["bot"].Tags["color"])

	// повторная отправка подтверждается, но не рассылается
	env.add(c1, "main", atoms...)
	ack = decodeAs[api.AtomsReceived](t, c1.named(api.EventAtomsReceived)[1])
	assert.ElementsMatch(t, hashes(atoms), ack.Hashes)
	assert.Len(t, c2.named(api.EventAddAtoms), 2)

	stage, err := env.store.GetStage(env.ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 3)
}

func TestAddAtoms_Removal(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	c2 := env.connect(newConn("c2", "bob", "d2"))
	env.watch(c1, "main")
	env.watch(c2, "main")

	atoms := storagetest.Atoms(t)
	env.add(c1, "main", atoms...)
	c1.reset()
	c2.reset()

	env.do(c1, api.CmdAddAtoms, api.AddAtoms{
		Branch:       "main",
		Atoms:        []*models.Atom{},
		RemovedAtoms: []string{atoms[1].Hash, "unknown"},
	})

	ack := decodeAs[api.AtomsReceived](t, c1.named(api.EventAtomsReceived)[0])
	assert.Equal(t, []string{atoms[1].Hash}, ack.Hashes)

	delta := decodeAs[api.AddAtoms](t, c2.named(api.EventAddAtoms)[0])
	assert.Empty(t, delta.Atoms)
	assert.ElementsMatch(t, []string{atoms[1].Hash, atoms[2].Hash}, delta.RemovedAtoms)

	state, _ := env.server.State("main")
	require.Contains(t, state, "bot")
	assert.Empty(t, state["bot"].Tags)

	stage, err := env.store.GetStage(env.ctx, "main")
	require.NoError(t, err)
	assert.Len(t, stage.Additions, 1)
	assert.Contains(t, stage.Deletions, atoms[1].Hash)
	assert.Contains(t, stage.Deletions, atoms[2].Hash)
}

func TestUnwatch_CommitsBeforeUnload(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	observer := env.connect(newConn("obs", "admin", "d0"))
	env.do(observer, api.CmdWatchBranches, nil)

	env.watch(c1, "main")
	env.add(c1, "main", storagetest.Atoms(t)...)
	env.do(c1, api.CmdUnwatchBranch, api.BranchRequest{Branch: "main"})

	head := env.headCommit("main")
	assert.Equal(t, unloadCommitMessage, head.Message)

	atoms, err := repo.GetCommitAtoms(env.ctx, env.store, head)
	require.NoError(t, err)
	assert.Len(t, atoms, 3)

	stage, err := env.store.GetStage(env.ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, stage.Additions)
	assert.Empty(t, stage.Deletions)

	_, loaded := env.server.State("main")
	assert.False(t, loaded)

	require.Len(t, observer.named(api.EventLoadBranch), 1)
	require.Len(t, observer.named(api.EventUnloadBranch), 1)
	ev := decodeAs[api.BranchEvent](t, observer.named(api.EventUnloadBranch)[0])
	assert.Equal(t, "main", ev.Branch)

	// при повторной загрузке атомы восстанавливаются из коммита
	env.watch(c1, "main")
	initial := decodeAs[api.AddAtoms](t, c1.named(api.EventAddAtoms)[1])
	assert.Len(t, initial.Atoms, 3)
}

func TestUnwatch_CleanBranchIsNotCommitted(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))

	env.watch(c1, "empty")
	env.do(c1, api.CmdUnwatchBranch, api.BranchRequest{Branch: "empty"})

	refs, err := env.store.GetBranches(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDisconnect_UnloadsBranches(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	c2 := env.connect(newConn("c2", "bob", "d2"))

	env.watch(c1, "main")
	env.watch(c2, "main")
	env.add(c1, "main", storagetest.Atoms(t)...)

	env.server.Disconnect(env.ctx, c1)
	_, loaded := env.server.State("main")
	assert.True(t, loaded, "c2 still watches")

	env.server.Disconnect(env.ctx, c2)
	_, loaded = env.server.State("main")
	assert.False(t, loaded)
	assert.Equal(t, unloadCommitMessage, env.headCommit("main").Message)
}

func TestCommit(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))

	t.Run("unknown branch", func(t *testing.T) {
		env.do(c1, api.CmdCommit, api.CommitRequest{Branch: "nope", Message: "m"})
		created := decodeAs[api.CommitCreated](t, c1.named(api.EventCommitCreated)[0])
		assert.Equal(t, api.ErrorBranchNotFound, created.Error)
		assert.Empty(t, created.Hash)
	})

	t.Run("history", func(t *testing.T) {
		atoms := storagetest.Atoms(t)
		env.watch(c1, "main")
		env.add(c1, "main", atoms[:2]...)
		first := env.commit(c1, "main", "first")
		env.add(c1, "main", atoms[2])
		second := env.commit(c1, "main", "second")

		watcher := env.connect(newConn("c2", "bob", "d2"))
		env.do(watcher, api.CmdWatchCommits, api.BranchRequest{Branch: "main"})

		initial := decodeAs[api.AddCommits](t, watcher.named(api.EventAddCommits)[0])
		assert.True(t, initial.Initial)
		require.Len(t, initial.Commits, 2)
		assert.Equal(t, second, initial.Commits[0].Hash)
		assert.Equal(t, first, initial.Commits[1].Hash)

		third := env.commit(c1, "main", "third")
		pushed := decodeAs[api.AddCommits](t, watcher.named(api.EventAddCommits)[1])
		assert.False(t, pushed.Initial)
		require.Len(t, pushed.Commits, 1)
		assert.Equal(t, third, pushed.Commits[0].Hash)
		assert.Equal(t, second, pushed.Commits[0].Previous)

		env.do(watcher, api.CmdUnwatchCommits, api.BranchRequest{Branch: "main"})
		env.commit(c1, "main", "fourth")
		assert.Len(t, watcher.named(api.EventAddCommits), 2)

		stage, err := env.store.GetStage(env.ctx, "main")
		require.NoError(t, err)
		assert.True(t, stage.IsEmpty())
	})

	t.Run("stored branch without watchers", func(t *testing.T) {
		env.do(c1, api.CmdUnwatchBranch, api.BranchRequest{Branch: "main"})
		hash := env.commit(c1, "main", "offline")
		assert.Equal(t, hash, env.headCommit("main").Hash)

		_, loaded := env.server.State("main")
		assert.False(t, loaded)
	})
}

func TestCheckout(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	c2 := env.connect(newConn("c2", "bob", "d2"))
	atoms := storagetest.Atoms(t)

	env.watch(c1, "main")
	env.add(c1, "main", atoms[:2]...)
	first := env.commit(c1, "main", "first")
	env.add(c1, "main", atoms[2])
	second := env.commit(c1, "main", "second")
	env.watch(c2, "main")
	c2.reset()

	t.Run("subset sends removals only", func(t *testing.T) {
		env.do(c1, api.CmdCheckout, api.CheckoutRequest{Branch: "main", Commit: first})

		out := decodeAs[api.CheckedOut](t, c1.named(api.EventCheckedOut)[0])
		assert.Empty(t, out.Error)
		assert.Equal(t, first, out.Commit)

		msgs := c2.named(api.EventAddAtoms)
		require.Len(t, msgs, 1)
		delta := decodeAs[api.AddAtoms](t, msgs[0])
		assert.Empty(t, delta.Atoms)
		assert.Equal(t, []string{atoms[2].Hash}, delta.RemovedAtoms)

		state, _ := env.server.State("main")
		assert.Empty(t, state["bot"].Tags)
		assert.Equal(t, first, env.headCommit("main").Hash)
	})

	t.Run("superset sends additions", func(t *testing.T) {
		c2.reset()
		env.do(c1, api.CmdCheckout, api.CheckoutRequest{Branch: "main", Commit: second})

		delta := decodeAs[api.AddAtoms](t, c2.named(api.EventAddAtoms)[0])
		assert.Equal(t, []string{atoms[2].Hash}, hashes(delta.Atoms))
		assert.Empty(t, delta.RemovedAtoms)

		state, _ := env.server.State("main")
		assert.Equal(t, "red", state["bot"].Tags["color"])
	})

	t.Run("discards stage", func(t *testing.T) {
		blue := blueValue(t, atoms[1])
		env.add(c1, "main", blue)
		env.do(c1, api.CmdCheckout, api.CheckoutRequest{Branch: "main", Commit: second})

		state, _ := env.server.State("main")
		assert.Equal(t, "red", state["bot"].Tags["color"])

		stage, err := env.store.GetStage(env.ctx, "main")
		require.NoError(t, err)
		assert.True(t, stage.IsEmpty())
	})

	t.Run("unknown commit", func(t *testing.T) {
		c1.reset()
		env.do(c1, api.CmdCheckout, api.CheckoutRequest{Branch: "main", Commit: "deadbeef"})
		out := decodeAs[api.CheckedOut](t, c1.named(api.EventCheckedOut)[0])
		assert.Equal(t, api.ErrorCommitNotFound, out.Error)
	})

	t.Run("unknown branch", func(t *testing.T) {
		c1.reset()
		env.do(c1, api.CmdCheckout, api.CheckoutRequest{Branch: "other", Commit: first})
		out := decodeAs[api.CheckedOut](t, c1.named(api.EventCheckedOut)[0])
		assert.Equal(t, api.ErrorBranchNotFound, out.Error)
	})
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	atoms := storagetest.Atoms(t)

	env.watch(c1, "main")
	env.add(c1, "main", atoms[:2]...)
	first := env.commit(c1, "main", "first")
	env.add(c1, "main", atoms[2])
	second := env.commit(c1, "main", "second")

	c1.reset()
	env.do(c1, api.CmdRestore, api.CheckoutRequest{Branch: "main", Commit: first})

	out := decodeAs[api.CheckedOut](t, c1.named(api.EventRestored)[0])
	assert.Empty(t, out.Error)
	assert.NotEqual(t, first, out.Commit)

	head := env.headCommit("main")
	assert.Equal(t, out.Commit, head.Hash)
	assert.Equal(t, "Restore to "+first, head.Message)
	assert.Equal(t, second, head.Previous)

	restored, err := repo.GetCommitAtoms(env.ctx, env.store, head)
	require.NoError(t, err)
	assert.ElementsMatch(t, hashes(atoms[:2]), hashes(restored))

	// watcher получает только разницу
	delta := decodeAs[api.AddAtoms](t, c1.named(api.EventAddAtoms)[0])
	assert.Equal(t, []string{atoms[2].Hash}, delta.RemovedAtoms)

	commits, err := repo.ListCommits(env.ctx, env.store, head.Hash)
	require.NoError(t, err)
	assert.Len(t, commits, 3)
}

func TestPresence(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	c2 := env.connect(newConn("c2", "bob", "d2"))
	observer := env.connect(newConn("obs", "admin", "d0"))

	env.watch(c1, "a")
	env.watch(c1, "b")

	env.do(observer, api.CmdWatchDevices, nil)
	snapshot := observer.named(api.EventDeviceConnected)
	require.Len(t, snapshot, 2)
	ev := decodeAs[api.DeviceEvent](t, snapshot[0])
	assert.Equal(t, "a", ev.Branch)
	assert.Equal(t, c1.device, ev.Device)

	env.do(observer, api.CmdWatchBranches, nil)
	loaded := observer.named(api.EventLoadBranch)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", decodeAs[api.BranchEvent](t, loaded[0]).Branch)
	assert.Equal(t, "b", decodeAs[api.BranchEvent](t, loaded[1]).Branch)

	env.watch(c2, "a")
	live := observer.named(api.EventDeviceConnected)
	require.Len(t, live, 3)
	assert.Equal(t, c2.device, decodeAs[api.DeviceEvent](t, live[2]).Device)

	env.server.Disconnect(env.ctx, c2)
	gone := observer.named(api.EventDeviceDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, api.DeviceEvent{Branch: "a", Device: c2.device}, decodeAs[api.DeviceEvent](t, gone[0]))

	env.do(observer, api.CmdUnwatchDevices, nil)
	env.watch(c2, "a")
	assert.Len(t, observer.named(api.EventDeviceConnected), 3)

	env.do(c1, api.CmdBranches, nil)
	branches := decodeAs[api.Branches](t, c1.named(api.EventBranches)[0])
	assert.Equal(t, []string{"a", "b"}, branches.Branches)
}

func TestSendEvent(t *testing.T) {
	action := json.RawMessage(`{"type":"shout","message":"hi"}`)

	tests := []struct {
		name       string
		defaultSel *models.DeviceSelector
		selector   *models.DeviceSelector
		wantAlice  int
		wantBob    int
	}{
		{
			name:     "by username",
			selector: &models.DeviceSelector{Username: "bob"},
			wantBob:  1,
		},
		{
			name:      "by session",
			selector:  &models.DeviceSelector{SessionID: "session-c1"},
			wantAlice: 1,
		},
		{
			name:       "falls back to default selector",
			defaultSel: &models.DeviceSelector{DeviceID: "d2"},
			wantBob:    1,
		},
		{
			name:       "empty selector uses default",
			defaultSel: &models.DeviceSelector{Username: "alice"},
			selector:   &models.DeviceSelector{},
			wantAlice:  1,
		},
		{
			name: "dropped without any selector",
		},
		{
			name:     "no match",
			selector: &models.DeviceSelector{Username: "carol"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{DefaultDeviceSelector: tt.defaultSel})
			alice := env.connect(newConn("c1", "alice", "d1"))
			bob := env.connect(newConn("c2", "bob", "d2"))
			env.watch(alice, "main")
			env.watch(bob, "main")

			env.do(alice, api.CmdSendEvent, api.SendEvent{Branch: "main", Selector: tt.selector, Action: action})

			assert.Len(t, alice.named(api.EventReceiveEvent), tt.wantAlice)
			assert.Len(t, bob.named(api.EventReceiveEvent), tt.wantBob)
			assert.Empty(t, alice.named(api.EventError))

			if tt.wantBob > 0 {
				ev := decodeAs[api.ReceiveEvent](t, bob.named(api.EventReceiveEvent)[0])
				assert.Equal(t, alice.device, ev.Device)
				assert.JSONEq(t, string(action), string(ev.Action))
			}
		})
	}
}

func TestAddAtoms_UnwatchedBranch(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	atoms := storagetest.Atoms(t)

	env.add(c1, "main", atoms...)

	ack := decodeAs[api.AtomsReceived](t, c1.named(api.EventAtomsReceived)[0])
	assert.Len(t, ack.Hashes, 3)

	_, loaded := env.server.State("main")
	assert.False(t, loaded)

	refs, err := env.store.GetBranches(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, refs, "temporary loads do not commit")

	env.watch(c1, "main")
	initial := decodeAs[api.AddAtoms](t, c1.named(api.EventAddAtoms)[0])
	assert.ElementsMatch(t, hashes(atoms), hashes(initial.Atoms))
}

// failingStore fails object writes.
type failingStore struct {
	repo.Store
	err error
}

func (f *failingStore) StoreObjects(context.Context, []models.Object) error {
	return f.err
}

func TestAddAtoms_StoreFailure(t *testing.T) {
	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := newTestEnvWithStore(t, &failingStore{Store: s, err: errors.New("disk full")}, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	c2 := env.connect(newConn("c2", "bob", "d2"))
	env.watch(c1, "main")
	env.watch(c2, "main")

	env.add(c1, "main", storagetest.Atoms(t)...)

	errs := c1.named(api.EventError)
	require.Len(t, errs, 1)
	payload := decodeAs[api.Error](t, errs[0])
	assert.Equal(t, api.CmdAddAtoms, payload.Command)
	assert.Equal(t, "main", payload.Branch)
	assert.Contains(t, payload.Message, "disk full")

	assert.Empty(t, c1.named(api.EventAtomsReceived))
	assert.Len(t, c2.named(api.EventAddAtoms), 1)
	assert.Empty(t, c2.named(api.EventError))

	state, _ := env.server.State("main")
	assert.Empty(t, state)
}

// flakyCommitStore fails the first CommitBranch call. When applied is set
// the write reaches the store before the error is reported.
type flakyCommitStore struct {
	repo.Store
	applied bool

	mu    sync.Mutex
	calls int
}

func (f *flakyCommitStore) CommitBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if !first {
		return f.Store.CommitBranch(ctx, branch, expectedHash)
	}
	if f.applied {
		if err := f.Store.CommitBranch(ctx, branch, expectedHash); err != nil {
			return err
		}
	}
	return errors.New("connection reset")
}

func TestCommit_StoreFailure(t *testing.T) {
	tests := []struct {
		name    string
		applied bool
		wantErr bool
	}{
		{name: "failed write leaves the branch as it was", applied: false, wantErr: true},
		{name: "write applied before the error", applied: true, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := sqlite.New(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })

			env := newTestEnvWithStore(t, &flakyCommitStore{Store: s, applied: tt.applied}, Config{})
			c1 := env.connect(newConn("c1", "alice", "d1"))
			env.watch(c1, "main")
			env.add(c1, "main", storagetest.Atoms(t)...)

			env.do(c1, api.CmdCommit, api.CommitRequest{Branch: "main", Message: "first"})

			if tt.wantErr {
				errs := c1.named(api.EventError)
				require.Len(t, errs, 1)
				assert.Contains(t, decodeAs[api.Error](t, errs[0]).Message, "connection reset")
				assert.Empty(t, c1.named(api.EventCommitCreated))

				_, err := env.store.GetBranch(env.ctx, "main")
				assert.Error(t, err, "ref must not move when the commit fails")
				stage, err := env.store.GetStage(env.ctx, "main")
				require.NoError(t, err)
				assert.Len(t, stage.Additions, 3, "stage is kept for the retry")

				// повтор проходит без конфликта
				hash := env.commit(c1, "main", "first")
				assert.Equal(t, hash, env.headCommit("main").Hash)
			} else {
				assert.Empty(t, c1.named(api.EventError))
				created := decodeAs[api.CommitCreated](t, c1.named(api.EventCommitCreated)[0])
				assert.Equal(t, created.Hash, env.headCommit("main").Hash)
			}

			stage, err := env.store.GetStage(env.ctx, "main")
			require.NoError(t, err)
			assert.True(t, stage.IsEmpty())

			// следующий коммит строится поверх первого
			require.NoError(t, env.server.SaveAll(env.ctx))
			env.add(c1, "main", blueValue(t, storagetest.Atoms(t)[1]))
			second := env.commit(c1, "main", "second")
			head := env.headCommit("main")
			assert.Equal(t, second, head.Hash)
			assert.NotEmpty(t, head.Previous)
		})
	}
}

func TestHandle_BadRequests(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))

	tests := []struct {
		name    string
		msg     api.Message
		command string
	}{
		{name: "unknown command", msg: api.Message{Name: "explode"}, command: "explode"},
		{name: "missing payload", msg: api.Message{Name: api.CmdWatchBranch}, command: api.CmdWatchBranch},
		{name: "invalid branch", msg: api.MustMessage(api.CmdWatchBranch, api.BranchRequest{Branch: "a b"}), command: api.CmdWatchBranch},
		{name: "malformed atoms", msg: api.Message{Name: api.CmdAddAtoms, Data: json.RawMessage(`{"branch":"main","atoms":[{"value":{"type":42}}]}`)}, command: api.CmdAddAtoms},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c1.reset()
			env.server.Handle(env.ctx, c1, tt.msg)

			errs := c1.named(api.EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.command, decodeAs[api.Error](t, errs[0]).Command)
		})
	}
}

func TestSaveAll(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1 := env.connect(newConn("c1", "alice", "d1"))
	env.watch(c1, "main")
	env.watch(c1, "clean")
	env.add(c1, "main", storagetest.Atoms(t)...)

	require.NoError(t, env.server.SaveAll(env.ctx))

	head := env.headCommit("main")
	assert.Equal(t, autoSaveCommitMessage, head.Message)

	_, err := env.store.GetBranch(env.ctx, "clean")
	assert.Error(t, err, "clean branches are not saved")

	// без изменений новый коммит не создается
	require.NoError(t, env.server.SaveAll(env.ctx))
	assert.Equal(t, head.Hash, env.headCommit("main").Hash)

	// выгрузка после сохранения не создает коммит
	env.do(c1, api.CmdUnwatchBranch, api.BranchRequest{Branch: "main"})
	assert.Equal(t, head.Hash, env.headCommit("main").Hash)
}

func TestConcurrentBranches(t *testing.T) {
	env := newTestEnv(t, Config{})
	atoms := storagetest.Atoms(t)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := env.connect(newConn(name, "alice", "d"+name))
			env.watch(conn, name)
			env.add(conn, name, atoms...)
		}()
	}
	wg.Wait()

	for _, name := range []string{"a", "b", "c", "d"} {
		state, ok := env.server.State(name)
		require.True(t, ok)
		assert.Equal(t, "red", state["bot"].Tags["color"])
	}
}

func TestBranchUpdated(t *testing.T) {
	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// два процесса с общим хранилищем
	a := newTestEnvWithStore(t, s, Config{})
	b := newTestEnvWithStore(t, s, Config{})
	atoms := storagetest.Atoms(t)

	writer := a.connect(newConn("w", "alice", "d1"))
	a.watch(writer, "main")
	a.add(writer, "main", atoms[:2]...)
	first := a.commit(writer, "main", "first")

	reader := b.connect(newConn("r", "bob", "d2"))
	b.watch(reader, "main")
	b.do(reader, api.CmdWatchCommits, api.BranchRequest{Branch: "main"})
	reader.reset()

	t.Run("current head is ignored", func(t *testing.T) {
		b.server.BranchUpdated(b.ctx, &models.Branch{Name: "main", Hash: first})
		assert.Empty(t, reader.named(api.EventAddAtoms))
	})

	a.add(writer, "main", atoms[2])
	second := a.commit(writer, "main", "second")

	t.Run("stale event is ignored", func(t *testing.T) {
		other := newTestEnvWithStore(t, s, Config{})
		conn := other.connect(newConn("o", "carol", "d3"))
		other.watch(conn, "main")
		conn.reset()

		other.server.BranchUpdated(other.ctx, &models.Branch{Name: "main", Hash: first})
		assert.Empty(t, conn.named(api.EventAddAtoms), "loaded after the move, already up to date")
	})

	t.Run("moved ref is pulled in", func(t *testing.T) {
		b.server.BranchUpdated(b.ctx, &models.Branch{Name: "main", Hash: second})

		added := reader.named(api.EventAddAtoms)
		require.Len(t, added, 1)
		payload := decodeAs[api.AddAtoms](t, added[0])
		assert.Equal(t, []string{atoms[2].Hash}, hashes(payload.Atoms))
		assert.Empty(t, payload.RemovedAtoms)

		commits := reader.named(api.EventAddCommits)
		require.Len(t, commits, 1)
		cs := decodeAs[api.AddCommits](t, commits[0])
		require.Len(t, cs.Commits, 1)
		assert.Equal(t, second, cs.Commits[0].Hash)

		state, ok := b.server.State("main")
		require.True(t, ok)
		assert.Equal(t, "red", state["bot"].Tags["color"])

		// повторное событие ничего не шлет
		reader.reset()
		b.server.BranchUpdated(b.ctx, &models.Branch{Name: "main", Hash: second})
		assert.Empty(t, reader.named(api.EventAddAtoms))
	})

	t.Run("branch not loaded here", func(t *testing.T) {
		b.server.BranchUpdated(b.ctx, &models.Branch{Name: "other", Hash: second})
		_, loaded := b.server.State("other")
		assert.False(t, loaded)
	})
}
