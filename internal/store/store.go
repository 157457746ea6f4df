// Package store defines the storage interfaces shared by the in-memory and
// PostgreSQL backends.
package store

import (
	"context"
	"time"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// TokenStore holds the tokens we issued to counterparties
type TokenStore interface {
	// GetToken returns ocpi.ErrNotFound for unknown values
	GetToken(ctx context.Context, uid string) (*ocpi.Token, error)
	PutToken(ctx context.Context, t *ocpi.Token) error
	// ConsumeToken marks a type A token as used. It fails with
	// ocpi.ErrTokenAlreadyUsed if another caller consumed it first.
	ConsumeToken(ctx context.Context, uid string) (*ocpi.Token, error)
	// ReplacePartyToken stores t as the only valid type C token of its party,
	// invalidating every other valid type C token of that party in the same step.
	ReplacePartyToken(ctx context.Context, t *ocpi.Token) error
	// InvalidatePartyTokens invalidates all tokens issued to a party
	InvalidatePartyTokens(ctx context.Context, party ocpi.PartyKey) error
	ListTokens(ctx context.Context) ([]*ocpi.Token, error)
}

// CredentialStore holds counterparty credentials keyed by party
type CredentialStore interface {
	GetCredentials(ctx context.Context, party ocpi.PartyKey) (*ocpi.Credentials, error)
	PutCredentials(ctx context.Context, c *ocpi.Credentials) error
	DeleteCredentials(ctx context.Context, party ocpi.PartyKey) error
	ListCredentials(ctx context.Context) ([]*ocpi.Credentials, error)
}

// Query selects a page of module records
type Query struct {
	Party    *ocpi.PartyKey
	DateFrom *time.Time
	DateTo   *time.Time
	Offset   int
	Limit    int
}

// Matches reports whether a record falls inside the query filters.
// date_from is inclusive, date_to is exclusive.
func (q *Query) Matches(r *ocpi.Record) bool {
	if q.Party != nil && r.Key.Party() != *q.Party {
		return false
	}
	if q.DateFrom != nil && r.LastUpdated.Before(*q.DateFrom) {
		return false
	}
	if q.DateTo != nil && !r.LastUpdated.Before(*q.DateTo) {
		return false
	}
	return true
}

// RecordStore holds module records
type RecordStore interface {
	GetRecord(ctx context.Context, module ocpi.ModuleID, key ocpi.RecordKey) (*ocpi.Record, error)
	// PutRecord inserts or replaces a record
	PutRecord(ctx context.Context, r *ocpi.Record) error
	// InsertRecord fails with ocpi.ErrImmutableRecord when the key exists
	InsertRecord(ctx context.Context, r *ocpi.Record) error
	// ListRecords returns the requested page and the total number of matches
	ListRecords(ctx context.Context, module ocpi.ModuleID, q Query) ([]*ocpi.Record, int, error)
}

// CommandStore keeps an audit copy of every dispatched command
type CommandStore interface {
	SaveCommand(ctx context.Context, c *ocpi.Command) error
	GetCommand(ctx context.Context, id string) (*ocpi.Command, error)
	ListCommands(ctx context.Context, limit int) ([]*ocpi.Command, error)
}

// ChargePointStore tracks charge points connected over OCPP
type ChargePointStore interface {
	SaveChargePoint(ctx context.Context, cp *models.ChargePoint) error
	GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error)
	UpdateChargePointConnection(ctx context.Context, id string, connected bool) error
	UpdateHeartbeat(ctx context.Context, id string) error
	SaveConnector(ctx context.Context, c *models.Connector) error
	StartTransaction(ctx context.Context, tx *models.Transaction) error
	StopTransaction(ctx context.Context, id int, endTime time.Time, meterStop int) error
	GetTransaction(ctx context.Context, id int) (*models.Transaction, error)
	NextTransactionID(ctx context.Context) (int, error)
}

// MessageLog persists raw OCPP frames
type MessageLog interface {
	LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error
}

// Store bundles every store a party needs
type Store interface {
	TokenStore
	CredentialStore
	RecordStore
	CommandStore
	ChargePointStore
	MessageLog
	Close()
}
