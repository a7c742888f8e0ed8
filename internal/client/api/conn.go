package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/pkg/api"
)

const (
	eventBufferSize = 256
	writeWait       = 10 * time.Second
)

// ErrConnectionClosed возвращается после закрытия соединения
var ErrConnectionClosed = errors.New("connection closed")

// Conn - websocket соединение с сервером.
// Входящие сообщения доступны через Events в порядке получения.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	events chan api.Message
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		logger: logger,
		events: make(chan api.Message, eventBufferSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events returns the incoming messages. The channel is closed when the
// connection ends; Err reports why.
func (c *Conn) Events() <-chan api.Message {
	return c.events
}

// Err returns the error that ended the connection, nil while it is open or
// after Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// Send отправляет команду
func (c *Conn) Send(ctx context.Context, name string, payload any) error {
	msg, err := api.NewMessage(name, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		var msg api.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.err = fmt.Errorf("connection lost: %w", err)
				c.errMu.Unlock()
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

// Request отправляет команду и ждет первое сообщение, для которого match
// возвращает true. Событие error для этой команды возвращается как *ServerError.
// Остальные сообщения, пришедшие за это время, отбрасываются: для подписок
// читайте Events напрямую.
func (c *Conn) Request(ctx context.Context, name string, payload any, match func(api.Message) bool) (api.Message, error) {
	if err := c.Send(ctx, name, payload); err != nil {
		return api.Message{}, err
	}
	return c.Await(ctx, name, match)
}

// Await ждет ответ на уже отправленную команду name
func (c *Conn) Await(ctx context.Context, name string, match func(api.Message) bool) (api.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return api.Message{}, ctx.Err()
		case msg, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return api.Message{}, err
				}
				return api.Message{}, ErrConnectionClosed
			}

			if msg.Name == api.EventError {
				var e api.Error
				if err := msg.Decode(&e); err == nil && e.Command == name {
					return api.Message{}, &ServerError{Command: e.Command, Branch: e.Branch, Message: e.Message}
				}
				continue
			}
			if match(msg) {
				return msg, nil
			}
		}
	}
}

// reply matches the event name for the branch.
func reply(name, branch string) func(api.Message) bool {
	return func(msg api.Message) bool {
		if msg.Name != name {
			return false
		}
		var b struct {
			Branch string `json:"branch"`
		}
		return msg.Decode(&b) == nil && b.Branch == branch
	}
}

// Branches returns the names of stored and loaded branches.
func (c *Conn) Branches(ctx context.Context) ([]string, error) {
	msg, err := c.Request(ctx, api.CmdBranches, nil, func(m api.Message) bool { return m.Name == api.EventBranches })
	if err != nil {
		return nil, err
	}
	var resp api.Branches
	if err := msg.Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

// BranchInfo reports whether the branch is stored or loaded.
func (c *Conn) BranchInfo(ctx context.Context, branch string) (bool, error) {
	msg, err := c.Request(ctx, api.CmdBranchInfo, api.BranchRequest{Branch: branch}, reply(api.EventBranchInfo, branch))
	if err != nil {
		return false, err
	}
	var resp api.BranchInfo
	if err := msg.Decode(&resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Watch subscribes to the branch and returns its full atom set.
func (c *Conn) Watch(ctx context.Context, branch string) (api.AddAtoms, error) {
	match := func(m api.Message) bool {
		if !reply(api.EventAddAtoms, branch)(m) {
			return false
		}
		var a api.AddAtoms
		return m.Decode(&a) == nil && a.Initial
	}
	msg, err := c.Request(ctx, api.CmdWatchBranch, api.BranchRequest{Branch: branch}, match)
	if err != nil {
		return api.AddAtoms{}, err
	}
	var resp api.AddAtoms
	if err := msg.Decode(&resp); err != nil {
		return api.AddAtoms{}, err
	}
	return resp, nil
}

// Unwatch stops watching the branch. There is no reply.
func (c *Conn) Unwatch(ctx context.Context, branch string) error {
	return c.Send(ctx, api.CmdUnwatchBranch, api.BranchRequest{Branch: branch})
}

// AddAtoms sends a delta and returns the acknowledged hashes.
func (c *Conn) AddAtoms(ctx context.Context, req api.AddAtoms) ([]string, error) {
	msg, err := c.Request(ctx, api.CmdAddAtoms, req, reply(api.EventAtomsReceived, req.Branch))
	if err != nil {
		return nil, err
	}
	var resp api.AtomsReceived
	if err := msg.Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Hashes, nil
}

// Commit commits the branch and returns the commit hash.
func (c *Conn) Commit(ctx context.Context, branch, message string) (string, error) {
	msg, err := c.Request(ctx, api.CmdCommit, api.CommitRequest{Branch: branch, Message: message}, reply(api.EventCommitCreated, branch))
	if err != nil {
		return "", err
	}
	var resp api.CommitCreated
	if err := msg.Decode(&resp); err != nil {
		return "", err
	}
	if err := replyError(resp.Error); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Log returns the history of the branch, newest first.
func (c *Conn) Log(ctx context.Context, branch string) ([]*models.Commit, error) {
	match := func(m api.Message) bool {
		if !reply(api.EventAddCommits, branch)(m) {
			return false
		}
		var a api.AddCommits
		return m.Decode(&a) == nil && a.Initial
	}
	msg, err := c.Request(ctx, api.CmdWatchCommits, api.BranchRequest{Branch: branch}, match)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.Send(ctx, api.CmdUnwatchCommits, api.BranchRequest{Branch: branch})
	}()

	var resp api.AddCommits
	if err := msg.Decode(&resp); err != nil {
		return nil, err
	}
	return resp.Commits, nil
}

// Checkout resets the branch to the commit.
func (c *Conn) Checkout(ctx context.Context, branch, commit string) (string, error) {
	return c.reset(ctx, api.CmdCheckout, api.EventCheckedOut, branch, commit)
}

// Restore creates a new commit with the content of the commit and returns its hash.
func (c *Conn) Restore(ctx context.Context, branch, commit string) (string, error) {
	return c.reset(ctx, api.CmdRestore, api.EventRestored, branch, commit)
}

func (c *Conn) reset(ctx context.Context, cmd, event, branch, commit string) (string, error) {
	msg, err := c.Request(ctx, cmd, api.CheckoutRequest{Branch: branch, Commit: commit}, reply(event, branch))
	if err != nil {
		return "", err
	}
	var resp api.CheckedOut
	if err := msg.Decode(&resp); err != nil {
		return "", err
	}
	if err := replyError(resp.Error); err != nil {
		return "", err
	}
	return resp.Commit, nil
}

// SendEvent relays an action to the devices selected on the branch. There is no reply.
func (c *Conn) SendEvent(ctx context.Context, req api.SendEvent) error {
	return c.Send(ctx, api.CmdSendEvent, req)
}
