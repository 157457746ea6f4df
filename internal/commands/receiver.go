package commands

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Received is a command issued to us by a counterparty
type Received struct {
	ID      string
	Type    ocpi.CommandType
	Request ocpi.CommandRequest
	Issuer  ocpi.PartyKey
	// IssuerID is the issuer's own command id, the last segment of response_url
	IssuerID string
}

// Executor carries out received commands. Execute answers synchronously and
// reports the outcome later through the Receiver's Reply.
type Executor interface {
	Execute(ctx context.Context, cmd *Received) (*ocpi.CommandResponse, error)
}

// ResultPoster delivers results to the issuer's response_url
type ResultPoster interface {
	PostCommandResult(ctx context.Context, url, token string, result *ocpi.CommandResult) error
}

// CredentialLookup resolves the token we use to call a party
type CredentialLookup interface {
	Credentials(ctx context.Context, party ocpi.PartyKey) (*ocpi.Credentials, error)
}

// Receiver is the receiving side of the commands module
type Receiver struct {
	executor Executor
	poster   ResultPoster
	creds    CredentialLookup
	timeout  time.Duration
	log      *logrus.Entry
}

// NewReceiver creates a receiver. A nil executor answers NOT_SUPPORTED.
func NewReceiver(executor Executor, poster ResultPoster, creds CredentialLookup, timeout time.Duration) *Receiver {
	return &Receiver{
		executor: executor,
		poster:   poster,
		creds:    creds,
		timeout:  timeout,
		log:      logrus.WithField("component", "command-receiver"),
	}
}

// SetExecutor installs the executor once it is available
func (r *Receiver) SetExecutor(e Executor) {
	r.executor = e
}

// Receive validates a command from issuer and hands it to the executor
func (r *Receiver) Receive(ctx context.Context, issuer ocpi.PartyKey, t ocpi.CommandType, req ocpi.CommandRequest) (*ocpi.CommandResponse, error) {
	if err := req.Validate(t); err != nil {
		return nil, err
	}
	if _, err := r.creds.Credentials(ctx, issuer); err != nil {
		return nil, err
	}

	timeout := int(r.timeout / time.Second)
	if r.executor == nil {
		return &ocpi.CommandResponse{Result: ocpi.ResponseNotSupported, Timeout: timeout}, nil
	}

	cmd := &Received{
		ID:       uuid.NewString(),
		Type:     t,
		Request:  req,
		Issuer:   issuer,
		IssuerID: issuerCommandID(req.ResponseURL),
	}
	r.log.WithFields(logrus.Fields{
		"command_id":        cmd.ID,
		"issuer_command_id": cmd.IssuerID,
		"type":              t,
		"issuer":            issuer.String(),
	}).Info("Received command")

	resp, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if resp.Timeout == 0 {
		resp.Timeout = timeout
	}
	return resp, nil
}

// Reply posts the execution result of cmd to its response_url
func (r *Receiver) Reply(ctx context.Context, cmd *Received, result ocpi.CommandResult) error {
	theirs, err := r.creds.Credentials(ctx, cmd.Issuer)
	if err != nil {
		return fmt.Errorf("cannot reply to %s: %w", cmd.Issuer, err)
	}

	if result.CommandID == "" {
		result.CommandID = cmd.IssuerID
	}

	log := r.log.WithFields(logrus.Fields{
		"command_id":        cmd.ID,
		"issuer_command_id": result.CommandID,
		"type":              cmd.Type,
		"result":            result.Result,
	})
	if err := r.poster.PostCommandResult(ctx, cmd.Request.ResponseURL, theirs.Token, &result); err != nil {
		log.WithError(err).Error("Failed to deliver command result")
		return err
	}
	log.Info("Delivered command result")
	return nil
}

func issuerCommandID(responseURL string) string {
	u, err := url.Parse(responseURL)
	if err != nil {
		return ""
	}
	id := path.Base(strings.TrimSuffix(u.Path, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}
