package api

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/causalrepo/internal/models"
)

// Имена команд (client -> server) и событий (server -> client).
// add-atoms используется в обе стороны.
const (
	CmdWatchBranch     = "watch-branch"
	CmdUnwatchBranch   = "unwatch-branch"
	CmdAddAtoms        = "add-atoms"
	CmdWatchBranches   = "watch-branches"
	CmdUnwatchBranches = "unwatch-branches"
	CmdWatchDevices    = "watch-devices"
	CmdUnwatchDevices  = "unwatch-devices"
	CmdCommit          = "commit"
	CmdWatchCommits    = "watch-commits"
	CmdUnwatchCommits  = "unwatch-commits"
	CmdCheckout        = "checkout"
	CmdRestore         = "restore"
	CmdBranchInfo      = "branch-info"
	CmdBranches        = "branches"
	CmdSendEvent       = "send-event"

	EventAddAtoms           = "add-atoms"
	EventAtomsReceived      = "atoms-received"
	EventLoadBranch         = "load-branch"
	EventUnloadBranch       = "unload-branch"
	EventDeviceConnected    = "device-connected"
	EventDeviceDisconnected = "device-disconnected"
	EventAddCommits         = "add-commits"
	EventCommitCreated      = "commit-created"
	EventCheckedOut         = "checked-out"
	EventRestored           = "restored"
	EventBranchInfo         = "branch-info"
	EventBranches           = "branches"
	EventReceiveEvent       = "receive-event"
	EventError              = "error"
)

// Коды ошибок в ответах commit-created и checked-out.
const (
	ErrorBranchNotFound = "branch_not_found"
	ErrorCommitNotFound = "commit_not_found"
)

// Message is the envelope of every frame on the wire.
type Message struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes payload into a message.
func NewMessage(name string, payload any) (Message, error) {
	if payload == nil {
		return Message{Name: name}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Message{Name: name, Data: data}, nil
}

// MustMessage is NewMessage for payloads that always encode.
func MustMessage(name string, payload any) Message {
	m, err := NewMessage(name, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %q has no data", m.Name)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Name, err)
	}
	return nil
}

// BranchRequest addresses a branch: watch-branch, unwatch-branch,
// watch-commits, unwatch-commits, branch-info.
type BranchRequest struct {
	Branch string `json:"branch"`
}

// AddAtoms is the payload of add-atoms in both directions.
// RemovedAtoms holds atom hashes.
type AddAtoms struct {
	Branch       string         `json:"branch"`
	Atoms        []*models.Atom `json:"atoms"`
	RemovedAtoms []string       `json:"removedAtoms,omitempty"`
	Initial      bool           `json:"initial,omitempty"`
}

// AtomsReceived acknowledges the hashes accepted from the sender.
type AtomsReceived struct {
	Branch string   `json:"branch"`
	Hashes []string `json:"hashes"`
}

// BranchEvent is the payload of load-branch and unload-branch.
type BranchEvent struct {
	Branch string `json:"branch"`
}

// DeviceEvent is the payload of device-connected and device-disconnected.
type DeviceEvent struct {
	Branch string            `json:"branch"`
	Device models.DeviceInfo `json:"device"`
}

// CommitRequest is the payload of commit.
type CommitRequest struct {
	Branch  string `json:"branch"`
	Message string `json:"message"`
}

// CheckoutRequest is the payload of checkout and restore.
type CheckoutRequest struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// AddCommits pushes commits to commit watchers, newest first.
type AddCommits struct {
	Branch  string           `json:"branch"`
	Commits []*models.Commit `json:"commits"`
	Initial bool             `json:"initial,omitempty"`
}

// CommitCreated replies to commit.
type CommitCreated struct {
	Branch string `json:"branch"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CheckedOut replies to checkout and restore.
type CheckedOut struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	Error  string `json:"error,omitempty"`
}

// BranchInfo replies to branch-info.
type BranchInfo struct {
	Branch string `json:"branch"`
	Exists bool   `json:"exists"`
}

// Branches replies to branches.
type Branches struct {
	Branches []string `json:"branches"`
}

// SendEvent relays an opaque action to devices watching the branch.
type SendEvent struct {
	Selector *models.DeviceSelector `json:"selector,omitempty"`
	Branch   string                 `json:"branch"`
	Action   json.RawMessage        `json:"action"`
}

// ReceiveEvent is a relayed action tagged with the sender's identity.
type ReceiveEvent struct {
	Branch string            `json:"branch"`
	Action json.RawMessage   `json:"action"`
	Device models.DeviceInfo `json:"device"`
}

// Error reports a failed command to its sender.
type Error struct {
	Command string `json:"command"`
	Branch  string `json:"branch,omitempty"`
	Message string `json:"message"`
}
