package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAtoms(t *testing.T) []*Atom {
	t.Helper()
	bot, err := NewAtom(AtomID{Site: "s", Sequence: 1}, nil, BotOp{ID: "a"})
	require.NoError(t, err)
	tag, err := NewAtom(AtomID{Site: "s", Sequence: 2}, &bot.ID, TagOp{Name: "color"})
	require.NoError(t, err)
	return []*Atom{bot, tag}
}

func TestNewIndex(t *testing.T) {
	atoms := testAtoms(t)

	idx := NewIndex(atoms)
	reversed := NewIndex([]*Atom{atoms[1], atoms[0], atoms[1]})

	assert.Len(t, idx.Atoms, 2)
	assert.Equal(t, idx, reversed, "index does not depend on order or duplicates")
	assert.NotEqual(t, idx.Hash, NewIndex(atoms[:1]).Hash)
}

func TestNewCommit(t *testing.T) {
	idx := NewIndex(testAtoms(t))
	now := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.FixedZone("x", 3600))

	c1 := NewCommit("first", now, idx, "")
	c2 := NewCommit("second", now, idx, c1.Hash)

	assert.Equal(t, time.UTC, c1.Time.Location())
	assert.Equal(t, 123000000, c1.Time.Nanosecond())
	assert.Equal(t, idx.Hash, c1.Index)
	assert.Empty(t, c1.Previous)
	assert.Equal(t, c1.Hash, c2.Previous)
	assert.NotEqual(t, c1.Hash, c2.Hash)
	assert.Equal(t, c1.Hash, NewCommit("first", now, idx, "").Hash)
}

func TestObject_MarshalRoundTrip(t *testing.T) {
	atoms := testAtoms(t)
	idx := NewIndex(atoms)
	commit := NewCommit("msg", time.Now(), idx, "")

	objects := []Object{AtomObject(atoms[1]), IndexObject(idx), CommitObject(commit)}
	for _, o := range objects {
		t.Run(string(o.Type), func(t *testing.T) {
			data, err := MarshalObject(o)
			require.NoError(t, err)

			decoded, err := UnmarshalObject(data)
			require.NoError(t, err)
			assert.Equal(t, o.Type, decoded.Type)
			assert.Equal(t, o.Hash(), decoded.Hash())
		})
	}

	_, err := MarshalObject(Object{Type: ObjectTypeAtom})
	assert.Error(t, err)
}

func TestStage_IsEmpty(t *testing.T) {
	var nilStage *Stage
	assert.True(t, nilStage.IsEmpty())

	s := NewStage()
	assert.True(t, s.IsEmpty())

	s.Deletions["h"] = "s@1"
	assert.False(t, s.IsEmpty())
}

func TestDeviceSelector_Matches(t *testing.T) {
	device := DeviceInfo{Username: "bob", DeviceID: "d1", SessionID: "s1"}

	tests := []struct {
		selector *DeviceSelector
		name     string
		want     bool
	}{
		{name: "nil", selector: nil, want: false},
		{name: "empty", selector: &DeviceSelector{}, want: false},
		{name: "session", selector: &DeviceSelector{SessionID: "s1"}, want: true},
		{name: "username", selector: &DeviceSelector{Username: "bob"}, want: true},
		{name: "all fields", selector: &DeviceSelector{Username: "bob", DeviceID: "d1", SessionID: "s1"}, want: true},
		{name: "one field differs", selector: &DeviceSelector{Username: "bob", DeviceID: "d2"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.selector.Matches(device))
		})
	}
}
