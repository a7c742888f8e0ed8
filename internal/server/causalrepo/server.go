// Package causalrepo implements the causal repo server: per-branch weaves
// shared by watching devices, history commands, presence and event relay.
//
// The server is transport agnostic. A transport registers every connection
// with Connect, feeds decoded messages to Handle and calls Disconnect when
// the connection goes away.
package causalrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/metrics"
	"github.com/iudanet/causalrepo/internal/server/repo"
	"github.com/iudanet/causalrepo/internal/validation"
	"github.com/iudanet/causalrepo/pkg/api"
)

// Connection is one device connected to the server.
type Connection interface {
	// ID uniquely identifies the connection.
	ID() string
	// Device returns the identity of the device behind the connection.
	Device() models.DeviceInfo
	// Send queues the message for delivery. It must not block; messages
	// are delivered in the order Send was called.
	Send(msg api.Message) error
}

// Config holds server options.
type Config struct {
	// DefaultDeviceSelector is used by send-event when the request has no selector.
	DefaultDeviceSelector *models.DeviceSelector
	// Now returns the commit time; time.Now when nil.
	Now func() time.Time
}

// Сообщения синтетических коммитов
const (
	unloadCommitMessage   = "Save before unload"
	autoSaveCommitMessage = "Auto save"
	restoreCommitPrefix   = "Restore to "
)

// Server holds the loaded branches and routes commands of all connections.
type Server struct {
	logger   *slog.Logger
	store    repo.Store
	metrics  *metrics.Metrics
	cfg      Config
	presence *presence

	mu       sync.Mutex
	branches map[string]*branch
	conns    map[string]*connState
}

// connState tracks subscriptions of a connection so they can be dropped on disconnect.
type connState struct {
	conn     Connection
	branches map[string]struct{}
	commits  map[string]struct{}
}

// NewServer creates a server on top of the store. m may be nil.
func NewServer(logger *slog.Logger, store repo.Store, m *metrics.Metrics, cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		logger:   logger,
		store:    store,
		metrics:  m,
		cfg:      cfg,
		branches: make(map[string]*branch),
		conns:    make(map[string]*connState),
	}
	s.presence = newPresence(s.send)
	return s
}

// Connect registers a connection.
func (s *Server) Connect(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn.ID()]; ok {
		return
	}
	s.conns[conn.ID()] = &connState{
		conn:     conn,
		branches: make(map[string]struct{}),
		commits:  make(map[string]struct{}),
	}
	s.logger.Debug("Connection registered", "conn_id", conn.ID(), "device_id", conn.Device().DeviceID)
}

// Disconnect drops every subscription of the connection. Branches left
// without watchers are committed and unloaded.
func (s *Server) Disconnect(ctx context.Context, conn Connection) {
	s.mu.Lock()
	st, ok := s.conns[conn.ID()]
	delete(s.conns, conn.ID())
	s.mu.Unlock()

	s.presence.removeObserver(conn.ID())
	if !ok {
		return
	}

	for name := range st.branches {
		s.unwatchBranch(ctx, conn, name)
	}
	for name := range st.commits {
		s.unwatchCommits(conn, name)
	}
	s.logger.Debug("Connection removed", "conn_id", conn.ID())
}

// Handle executes one command of the connection. Domain errors are reported
// to the sender with an error event; the connection is never closed here.
func (s *Server) Handle(ctx context.Context, conn Connection, msg api.Message) {
	started := time.Now()
	defer s.metrics.ObserveCommand(msg.Name, started)

	var err error
	switch msg.Name {
	case api.CmdWatchBranch:
		err = s.handleBranchRequest(ctx, conn, msg, s.watchBranch)
	case api.CmdUnwatchBranch:
		err = s.handleBranchRequest(ctx, conn, msg, func(ctx context.Context, conn Connection, name string) error {
			s.unwatchBranch(ctx, conn, name)
			return nil
		})
	case api.CmdAddAtoms:
		var req api.AddAtoms
		if err = msg.Decode(&req); err == nil {
			err = s.addAtoms(ctx, conn, req)
		}
	case api.CmdWatchBranches:
		s.presence.watchBranches(conn)
	case api.CmdUnwatchBranches:
		s.presence.unwatchBranches(conn.ID())
	case api.CmdWatchDevices:
		s.presence.watchDevices(conn)
	case api.CmdUnwatchDevices:
		s.presence.unwatchDevices(conn.ID())
	case api.CmdCommit:
		var req api.CommitRequest
		if err = msg.Decode(&req); err == nil {
			err = s.commit(ctx, conn, req)
		}
	case api.CmdWatchCommits:
		err = s.handleBranchRequest(ctx, conn, msg, s.watchCommits)
	case api.CmdUnwatchCommits:
		err = s.handleBranchRequest(ctx, conn, msg, func(_ context.Context, conn Connection, name string) error {
			s.unwatchCommits(conn, name)
			return nil
		})
	case api.CmdCheckout:
		var req api.CheckoutRequest
		if err = msg.Decode(&req); err == nil {
			err = s.checkout(ctx, conn, req)
		}
	case api.CmdRestore:
		var req api.CheckoutRequest
		if err = msg.Decode(&req); err == nil {
			err = s.restore(ctx, conn, req)
		}
	case api.CmdBranchInfo:
		err = s.handleBranchRequest(ctx, conn, msg, s.branchInfo)
	case api.CmdBranches:
		err = s.listBranches(ctx, conn)
	case api.CmdSendEvent:
		var req api.SendEvent
		if err = msg.Decode(&req); err == nil {
			err = s.sendEvent(conn, req)
		}
	default:
		err = fmt.Errorf("unknown command %q", msg.Name)
	}

	if err != nil {
		s.reportError(conn, msg.Name, err)
	}
}

// commandError carries the branch a failed command was addressed to.
type commandError struct {
	branch string
	err    error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func branchError(branch string, err error) error {
	return &commandError{branch: branch, err: err}
}

func (s *Server) handleBranchRequest(ctx context.Context, conn Connection, msg api.Message, fn func(context.Context, Connection, string) error) error {
	var req api.BranchRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	if err := validation.ValidateBranchName(req.Branch); err != nil {
		return branchError(req.Branch, err)
	}
	return fn(ctx, conn, req.Branch)
}

func (s *Server) reportError(conn Connection, command string, err error) {
	payload := api.Error{Command: command, Message: err.Error()}
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		payload.Branch = cmdErr.branch
	}

	s.logger.Error("Command failed",
		"command", command,
		"branch", payload.Branch,
		"conn_id", conn.ID(),
		"error", err,
	)
	s.send(conn, api.EventError, payload)
}

// send encodes and queues a message; delivery failures are logged only.
func (s *Server) send(conn Connection, name string, payload any) {
	msg, err := api.NewMessage(name, payload)
	if err != nil {
		s.logger.Error("Failed to encode message", "event", name, "error", err)
		return
	}
	s.deliver(conn, msg)
}

func (s *Server) deliver(conn Connection, msg api.Message) {
	if err := conn.Send(msg); err != nil {
		s.logger.Warn("Failed to send message",
			"event", msg.Name,
			"conn_id", conn.ID(),
			"error", err,
		)
	}
}

// broadcast sends the message to every connection except the one with skipID.
func (s *Server) broadcast(conns map[string]Connection, skipID, name string, payload any) {
	if len(conns) == 0 {
		return
	}
	msg, err := api.NewMessage(name, payload)
	if err != nil {
		s.logger.Error("Failed to encode message", "event", name, "error", err)
		return
	}
	for id, c := range conns {
		if id == skipID {
			continue
		}
		s.deliver(c, msg)
	}
}

// trackBranch records or forgets a watched branch of the connection.
func (s *Server) trackBranch(conn Connection, name string, watching bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.conns[conn.ID()]
	if !ok {
		return
	}
	if watching {
		st.branches[name] = struct{}{}
	} else {
		delete(st.branches, name)
	}
}

func (s *Server) trackCommits(conn Connection, name string, watching bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.conns[conn.ID()]
	if !ok {
		return
	}
	if watching {
		st.commits[name] = struct{}{}
	} else {
		delete(st.commits, name)
	}
}

// SaveAll commits every loaded branch that has uncommitted changes.
func (s *Server) SaveAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.branchNames() {
		b := s.lookup(name)
		if b == nil {
			continue
		}
		if b.status == statusLoaded && b.dirty {
			if _, err := s.commitBranch(ctx, b, autoSaveCommitMessage, metrics.CommitAutoSave); err != nil {
				errs = append(errs, fmt.Errorf("failed to save branch %s: %w", name, err))
			}
		}
		s.release(b)
	}
	return errors.Join(errs...)
}

// AutoSave runs SaveAll every interval until the context is done.
func (s *Server) AutoSave(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SaveAll(ctx); err != nil {
				s.logger.Error("Auto save failed", "error", err)
			}
		}
	}
}

func (s *Server) branchNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.branches))
	for name := range s.branches {
		names = append(names, name)
	}
	return names
}
