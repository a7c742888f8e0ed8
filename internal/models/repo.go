package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ObjectType identifies the kind of content-addressed object.
type ObjectType string

const (
	ObjectTypeAtom   ObjectType = "atom"
	ObjectTypeIndex  ObjectType = "index"
	ObjectTypeCommit ObjectType = "commit"
)

// Index is a set of atom hashes. Atoms are kept sorted so the hash is stable.
type Index struct {
	Hash  string   `json:"hash"`
	Atoms []string `json:"atoms"`
}

// NewIndex builds an index from the given atoms.
func NewIndex(atoms []*Atom) *Index {
	hashes := make([]string, 0, len(atoms))
	seen := make(map[string]struct{}, len(atoms))
	for _, a := range atoms {
		if _, ok := seen[a.Hash]; ok {
			continue
		}
		seen[a.Hash] = struct{}{}
		hashes = append(hashes, a.Hash)
	}
	sort.Strings(hashes)

	return &Index{
		Atoms: hashes,
		Hash:  hashStrings("index", hashes...),
	}
}

// Commit is an immutable named snapshot of an index with a parent pointer.
type Commit struct {
	Time     time.Time `json:"time"`
	Message  string    `json:"message"`
	Index    string    `json:"index"`
	Previous string    `json:"previous,omitempty"`
	Hash     string    `json:"hash"`
}

// NewCommit creates a commit for the index. previous may be empty for the first commit.
func NewCommit(message string, t time.Time, index *Index, previous string) *Commit {
	t = t.UTC().Truncate(time.Millisecond)
	return &Commit{
		Message:  message,
		Time:     t,
		Index:    index.Hash,
		Previous: previous,
		Hash:     hashStrings("commit", message, t.Format(time.RFC3339Nano), index.Hash, previous),
	}
}

// Branch is a mutable named pointer to a commit.
type Branch struct {
	Time time.Time `json:"time"`
	Name string    `json:"name"`
	Hash string    `json:"hash"`
}

// Stage holds atoms applied to a branch since its last commit.
type Stage struct {
	Deletions map[string]string `json:"deletions"` // hash -> atom id string
	Additions []*Atom           `json:"additions"`
}

// NewStage returns an empty stage.
func NewStage() *Stage {
	return &Stage{
		Additions: []*Atom{},
		Deletions: map[string]string{},
	}
}

// IsEmpty reports whether the stage carries no changes.
func (s *Stage) IsEmpty() bool {
	return s == nil || (len(s.Additions) == 0 && len(s.Deletions) == 0)
}

// Object is a tagged union over the content-addressed objects of a repository.
// Exactly one of Atom, Index or Commit is set, matching Type.
type Object struct {
	Atom   *Atom      `json:"atom,omitempty"`
	Index  *Index     `json:"index,omitempty"`
	Commit *Commit    `json:"commit,omitempty"`
	Type   ObjectType `json:"type"`
}

// AtomObject wraps an atom.
func AtomObject(a *Atom) Object { return Object{Type: ObjectTypeAtom, Atom: a} }

// IndexObject wraps an index.
func IndexObject(i *Index) Object { return Object{Type: ObjectTypeIndex, Index: i} }

// CommitObject wraps a commit.
func CommitObject(c *Commit) Object { return Object{Type: ObjectTypeCommit, Commit: c} }

// Hash returns the content hash of the wrapped object.
func (o Object) Hash() string {
	switch o.Type {
	case ObjectTypeAtom:
		if o.Atom != nil {
			return o.Atom.Hash
		}
	case ObjectTypeIndex:
		if o.Index != nil {
			return o.Index.Hash
		}
	case ObjectTypeCommit:
		if o.Commit != nil {
			return o.Commit.Hash
		}
	}
	return ""
}

// Validate checks that the object is well formed.
func (o Object) Validate() error {
	if o.Hash() == "" {
		return fmt.Errorf("invalid %q object: missing payload or hash", o.Type)
	}
	return nil
}

// MarshalObject encodes the object for storage.
func MarshalObject(o Object) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

// UnmarshalObject decodes a stored object.
func UnmarshalObject(data []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return Object{}, fmt.Errorf("failed to unmarshal object: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Object{}, err
	}
	return o, nil
}

func hashStrings(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
