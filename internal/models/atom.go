package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownOp is returned when an atom payload carries an unsupported op type.
var ErrUnknownOp = errors.New("unknown atom op type")

// AtomID уникально идентифицирует атом.
// Site - реплика, создавшая атом; Sequence - монотонный счетчик этой реплики;
// Priority - логический timestamp, используется только как дополнительный ключ сортировки.
type AtomID struct {
	Site     string `json:"site"`
	Sequence int64  `json:"seq"`
	Priority int64  `json:"priority,omitempty"`
}

// String returns the canonical id string used as a map key and in stage deletions.
func (id AtomID) String() string {
	s := id.Site + "@" + strconv.FormatInt(id.Sequence, 10)
	if id.Priority != 0 {
		s += ":" + strconv.FormatInt(id.Priority, 10)
	}
	return s
}

// OpType is the discriminator of an atom payload.
type OpType int

const (
	// OpBot creates a bot. Only meaningful for root atoms.
	OpBot OpType = 1
	// OpTag establishes a named tag slot under a bot atom.
	OpTag OpType = 2
	// OpValue sets the value of the tag it is caused by.
	OpValue OpType = 3
	// OpDelete deletes the bot atom it is caused by.
	OpDelete OpType = 4
)

// String returns a readable op name.
func (t OpType) String() string {
	switch t {
	case OpBot:
		return "bot"
	case OpTag:
		return "tag"
	case OpValue:
		return "value"
	case OpDelete:
		return "delete"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// AtomOp is the payload of an atom. The set of implementations is closed:
// BotOp, TagOp, ValueOp and DeleteOp.
type AtomOp interface {
	Type() OpType
	isAtomOp()
}

// BotOp creates the bot with the given ID.
type BotOp struct {
	ID string
}

// TagOp names a tag of the parent bot.
type TagOp struct {
	Name string
}

// ValueOp sets the parent tag to Value.
// nil and "" remove the tag from state.
type ValueOp struct {
	Value any
}

// DeleteOp deletes the parent bot.
type DeleteOp struct{}

func (BotOp) Type() OpType    { return OpBot }
func (TagOp) Type() OpType    { return OpTag }
func (ValueOp) Type() OpType  { return OpValue }
func (DeleteOp) Type() OpType { return OpDelete }

func (BotOp) isAtomOp()    {}
func (TagOp) isAtomOp()    {}
func (ValueOp) isAtomOp()  {}
func (DeleteOp) isAtomOp() {}

// wireOp is the JSON shape shared by all ops.
type wireOp struct {
	Type  OpType          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the op as {"type":1,"id":"..."}.
func (op BotOp) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOp{Type: OpBot, ID: op.ID})
}

// MarshalJSON encodes the op as {"type":2,"name":"..."}.
func (op TagOp) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOp{Type: OpTag, Name: op.Name})
}

// MarshalJSON encodes the op as {"type":3,"value":...}. A nil value is encoded as null.
func (op ValueOp) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(op.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	// omitempty не выбрасывает "null", поэтому собираем вручную
	var buf bytes.Buffer
	buf.WriteString(`{"type":3,"value":`)
	buf.Write(raw)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON encodes the op as {"type":4}.
func (op DeleteOp) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOp{Type: OpDelete})
}

// UnmarshalOp decodes an op payload. Unknown types are rejected here so the
// reducer never sees them.
func UnmarshalOp(data []byte) (AtomOp, error) {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal atom op: %w", err)
	}

	switch w.Type {
	case OpBot:
		return BotOp{ID: w.ID}, nil
	case OpTag:
		return TagOp{Name: w.Name}, nil
	case OpValue:
		var v any
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return nil, fmt.Errorf("failed to unmarshal value: %w", err)
			}
		}
		return ValueOp{Value: v}, nil
	case OpDelete:
		return DeleteOp{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, w.Type)
	}
}

// Atom is an immutable, causally linked unit of change.
type Atom struct {
	Value AtomOp  `json:"value"`
	Cause *AtomID `json:"cause"`
	Hash  string  `json:"hash"`
	ID    AtomID  `json:"id"`
}

// UnmarshalJSON decodes an atom, resolving the op payload through UnmarshalOp.
func (a *Atom) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value json.RawMessage `json:"value"`
		Cause *AtomID         `json:"cause"`
		Hash  string          `json:"hash"`
		ID    AtomID          `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Value) == 0 || bytes.Equal(raw.Value, []byte("null")) {
		return fmt.Errorf("%w: missing value", ErrUnknownOp)
	}

	op, err := UnmarshalOp(raw.Value)
	if err != nil {
		return err
	}

	a.ID = raw.ID
	a.Cause = raw.Cause
	a.Hash = raw.Hash
	a.Value = op
	return nil
}

// ComputeHash returns the hex-encoded SHA-256 digest of (id, cause, value).
// The digest is the canonical tie-breaker between competing atoms.
func ComputeHash(id AtomID, cause *AtomID, op AtomOp) (string, error) {
	payload, err := json.Marshal([]any{id, cause, op})
	if err != nil {
		return "", fmt.Errorf("failed to marshal atom for hashing: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// NewAtom creates an atom and computes its hash.
func NewAtom(id AtomID, cause *AtomID, op AtomOp) (*Atom, error) {
	if op == nil {
		return nil, fmt.Errorf("atom op cannot be nil")
	}
	hash, err := ComputeHash(id, cause, op)
	if err != nil {
		return nil, err
	}

	var c *AtomID
	if cause != nil {
		cc := *cause
		c = &cc
	}

	return &Atom{
		ID:    id,
		Cause: c,
		Value: op,
		Hash:  hash,
	}, nil
}

// Validate checks the structural fields of the atom and verifies its hash.
func (a *Atom) Validate() error {
	if a.ID.Site == "" {
		return fmt.Errorf("atom site cannot be empty")
	}
	if a.Value == nil {
		return fmt.Errorf("atom value cannot be nil")
	}
	expected, err := ComputeHash(a.ID, a.Cause, a.Value)
	if err != nil {
		return err
	}
	if expected != a.Hash {
		return fmt.Errorf("atom hash mismatch: expected %s, got %s", expected, a.Hash)
	}
	return nil
}

// IsRoot reports whether the atom has no cause.
func (a *Atom) IsRoot() bool {
	return a.Cause == nil
}

// String returns a short debug representation.
func (a *Atom) String() string {
	cause := "<root>"
	if a.Cause != nil {
		cause = a.Cause.String()
	}
	short := a.Hash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Atom(%s <- %s, %s, %s)", a.ID, cause, a.Value.Type(), short)
}
