// Package commands issues OCPI commands to counterparties and correlates the
// asynchronous results they post back.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/client"
	"github.com/balu-dk/go-ocpi/internal/mutex"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// ErrCommandNotAccepted is returned when awaiting a command that was
// rejected or timed out
var ErrCommandNotAccepted = &ocpi.Error{Kind: ocpi.KindConflict, Msg: "command was not accepted"}

// Sender posts a command to the receiver
type Sender interface {
	PostCommand(ctx context.Context, url, token string, req *ocpi.CommandRequest) (*ocpi.CommandResponse, error)
}

// Resolver finds the receiver's commands endpoint and the token to call it with
type Resolver interface {
	Endpoint(ctx context.Context, party ocpi.PartyKey, module ocpi.ModuleID, role ocpi.InterfaceRole) (string, string, error)
}

// Config tunes the dispatcher
type Config struct {
	Self ocpi.PartyKey
	// CallbackURL is our commands endpoint, e.g. https://host/ocpi/emsp/2.2.1/commands
	CallbackURL string
	AwaitTime   time.Duration
	Retention   time.Duration
}

type flight struct {
	cmd  *ocpi.Command
	done chan struct{}
	// buffered holds a result that arrived before the acknowledgement
	buffered *ocpi.CommandResult
}

func (f *flight) resolve() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

// Dispatcher tracks in-flight commands. Waiting for a result never holds a
// goroutine: the result completes a future when the callback arrives.
type Dispatcher struct {
	cfg      Config
	sender   Sender
	resolver Resolver
	store    store.CommandStore

	locks mutex.Keyed[string]

	mu       sync.RWMutex
	inflight map[string]*flight

	now func() time.Time
	log *logrus.Entry
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config, sender Sender, resolver Resolver, commands store.CommandStore) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		resolver: resolver,
		store:    commands,
		inflight: make(map[string]*flight),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logrus.WithField("component", "command-dispatcher"),
	}
}

// Dispatch issues a command to receiver and waits at most the configured
// window for the synchronous acknowledgement. It is never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, receiver ocpi.PartyKey, t ocpi.CommandType, req ocpi.CommandRequest) (*ocpi.Command, *ocpi.CommandResponse, error) {
	id := uuid.NewString()
	req.ResponseURL = fmt.Sprintf("%s/%s/%s", d.cfg.CallbackURL, t, id)
	if err := req.Validate(t); err != nil {
		return nil, nil, err
	}

	url, token, err := d.resolver.Endpoint(ctx, receiver, ocpi.ModuleCommands, ocpi.InterfaceReceiver)
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	now := d.now()
	cmd := &ocpi.Command{
		ID:          id,
		Type:        t,
		ResponseURL: req.ResponseURL,
		Target:      req.CommandTarget,
		Issuer:      d.cfg.Self,
		Receiver:    receiver,
		State:       ocpi.CommandPending,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	f := &flight{cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.inflight[id] = f
	d.mu.Unlock()
	d.persist(ctx, cmd)

	log := d.log.WithFields(logrus.Fields{
		"command_id": id,
		"type":       t,
		"receiver":   receiver.String(),
	})
	log.Info("Dispatching command")

	ackCtx, cancel := context.WithTimeout(client.WithCorrelationID(ctx, id), d.cfg.AwaitTime)
	defer cancel()
	resp, err := d.sender.PostCommand(ackCtx, url+"/"+string(t), token, &req)

	switch {
	case err != nil && errors.Is(ackCtx.Err(), context.DeadlineExceeded):
		snapshot := d.settle(ctx, id, ocpi.CommandTimeout)
		log.Warn("Command acknowledgement timed out")
		return snapshot, nil, ocpi.ErrCommandAckTimeout
	case err != nil:
		snapshot := d.settle(ctx, id, ocpi.CommandRejected)
		log.WithError(err).Warn("Command dispatch failed")
		return snapshot, nil, fmt.Errorf("dispatching %s: %w", t, err)
	case resp.Result == ocpi.ResponseAccepted:
		snapshot := d.settle(ctx, id, ocpi.CommandAccepted)
		log.Info("Command accepted")
		return snapshot, resp, nil
	default:
		snapshot := d.settle(ctx, id, ocpi.CommandRejected)
		log.WithField("result", resp.Result).Info("Command rejected")
		return snapshot, resp, nil
	}
}

// settle applies the acknowledgement outcome and returns a copy of the command
func (d *Dispatcher) settle(ctx context.Context, id string, state ocpi.CommandState) *ocpi.Command {
	unlock := d.locks.Lock(id)
	defer unlock()

	f := d.flight(id)
	if f == nil || !f.cmd.State.CanTransition(state) {
		return nil
	}
	f.cmd.State = state
	f.cmd.UpdatedAt = d.now()

	switch {
	case state == ocpi.CommandAccepted && f.buffered != nil:
		f.cmd.Result = f.buffered
		f.buffered = nil
		f.resolve()
	case state != ocpi.CommandAccepted:
		f.buffered = nil
		f.resolve()
	}

	d.persist(ctx, f.cmd)
	cp := *f.cmd
	return &cp
}

// HandleResult correlates an asynchronous result with its command. Unknown
// ids are logged and dropped; repeated callbacks are no-ops.
func (d *Dispatcher) HandleResult(ctx context.Context, t ocpi.CommandType, id string, result ocpi.CommandResult) error {
	unlock := d.locks.Lock(id)
	defer unlock()

	log := d.log.WithFields(logrus.Fields{"command_id": id, "type": t, "result": result.Result})

	f := d.flight(id)
	if f == nil {
		f = d.restore(ctx, id)
	}
	if f == nil {
		log.Warn("Discarding result for unknown command")
		return nil
	}
	if f.cmd.Type != t {
		log.WithField("expected", f.cmd.Type).Warn("Discarding result with mismatched command type")
		return nil
	}
	if f.cmd.Result != nil || f.buffered != nil {
		log.Debug("Ignoring repeated command result")
		return nil
	}

	if result.CommandID != "" && result.CommandID != id {
		log.WithField("body_command_id", result.CommandID).Warn("Result command_id differs from the response URL, using the URL")
	}
	result.CommandID = id
	switch f.cmd.State {
	case ocpi.CommandPending:
		f.buffered = &result
		log.Debug("Result arrived before acknowledgement")
	case ocpi.CommandAccepted:
		f.cmd.Result = &result
		f.cmd.UpdatedAt = d.now()
		f.resolve()
		d.persist(ctx, f.cmd)
		log.Info("Command result received")
	default:
		log.WithField("state", f.cmd.State).Info("Discarding result for settled command")
	}
	return nil
}

// AwaitResult returns the result of a command, or ocpi.ErrResultPending once
// ctx is done before the result arrived
func (d *Dispatcher) AwaitResult(ctx context.Context, id string) (*ocpi.CommandResult, error) {
	f := d.flight(id)
	if f == nil {
		cmd, err := d.store.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		return outcome(cmd)
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ocpi.ErrResultPending
	}

	cmd, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return outcome(cmd)
}

func outcome(cmd *ocpi.Command) (*ocpi.CommandResult, error) {
	switch {
	case cmd.Result != nil:
		return cmd.Result, nil
	case cmd.State == ocpi.CommandExpired:
		return nil, ocpi.ErrCommandExpired
	case cmd.State == ocpi.CommandTimeout || cmd.State == ocpi.CommandRejected:
		return nil, ErrCommandNotAccepted
	}
	return nil, ocpi.ErrResultPending
}

// Get returns a snapshot of a command
func (d *Dispatcher) Get(ctx context.Context, id string) (*ocpi.Command, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	if f := d.flight(id); f != nil {
		cp := *f.cmd
		return &cp, nil
	}
	return d.store.GetCommand(ctx, id)
}

// Sweep expires accepted commands whose result never arrived and drops
// settled commands older than the retention from the in-flight table
func (d *Dispatcher) Sweep(ctx context.Context) int {
	cutoff := d.now().Add(-d.cfg.Retention)

	d.mu.RLock()
	var stale []string
	for id, f := range d.inflight {
		if f.cmd.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	d.mu.RUnlock()

	expired := 0
	for _, id := range stale {
		unlock := d.locks.Lock(id)
		if f := d.flight(id); f != nil {
			if f.cmd.State == ocpi.CommandAccepted && f.cmd.Result == nil {
				f.cmd.State = ocpi.CommandExpired
				f.cmd.UpdatedAt = d.now()
				f.resolve()
				d.persist(ctx, f.cmd)
				expired++
			}
			if f.cmd.State != ocpi.CommandPending {
				d.mu.Lock()
				delete(d.inflight, id)
				d.mu.Unlock()
			}
		}
		unlock()
	}

	if expired > 0 {
		d.log.WithField("count", expired).Info("Expired commands without result")
	}
	return expired
}

// Run sweeps periodically until ctx is done
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// List returns recent commands from the audit store
func (d *Dispatcher) List(ctx context.Context, limit int) ([]*ocpi.Command, error) {
	return d.store.ListCommands(ctx, limit)
}

func (d *Dispatcher) flight(id string) *flight {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inflight[id]
}

// restore reloads an accepted command from the store, e.g. after a restart
func (d *Dispatcher) restore(ctx context.Context, id string) *flight {
	cmd, err := d.store.GetCommand(ctx, id)
	if err != nil || cmd.State != ocpi.CommandAccepted {
		return nil
	}
	f := &flight{cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.inflight[id] = f
	d.mu.Unlock()
	return f
}

func (d *Dispatcher) persist(ctx context.Context, cmd *ocpi.Command) {
	cp := *cmd
	if err := d.store.SaveCommand(context.WithoutCancel(ctx), &cp); err != nil {
		d.log.WithError(err).WithField("command_id", cmd.ID).Error("Failed to persist command")
	}
}
