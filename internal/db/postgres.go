package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*PostgresStore)(nil)

// PostgresStore handles database operations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgreSQL connection pool
func NewPostgresStore(cfg *config.Config) (*PostgresStore, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// notFound maps pgx.ErrNoRows to the given sentinel
func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

const tokenColumns = `uid, type, role, country_code, party_id, valid, whitelist, used, created_at, revoked_at, location_id`

func scanToken(row pgx.Row) (*ocpi.Token, error) {
	t := &ocpi.Token{}
	err := row.Scan(
		&t.UID, &t.Type, &t.Role, &t.CountryCode, &t.PartyID,
		&t.Valid, &t.Whitelist, &t.Used, &t.CreatedAt, &t.RevokedAt, &t.LocationID,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetToken retrieves a token by value
func (s *PostgresStore) GetToken(ctx context.Context, uid string) (*ocpi.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE uid = $1`, uid))
	if err != nil {
		return nil, notFound(err, ocpi.ErrNotFound)
	}
	return t, nil
}

const upsertToken = `
	INSERT INTO tokens (` + tokenColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (uid) DO UPDATE SET
		role = $3,
		country_code = $4,
		party_id = $5,
		valid = $6,
		whitelist = $7,
		used = $8,
		revoked_at = $10,
		location_id = $11
`

func tokenArgs(t *ocpi.Token) []interface{} {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return []interface{}{
		t.UID, t.Type, t.Role, t.CountryCode, t.PartyID,
		t.Valid, t.Whitelist, t.Used, t.CreatedAt, t.RevokedAt, t.LocationID,
	}
}

// PutToken creates or updates a token
func (s *PostgresStore) PutToken(ctx context.Context, t *ocpi.Token) error {
	_, err := s.pool.Exec(ctx, upsertToken, tokenArgs(t)...)
	return err
}

// ConsumeToken flips the used flag of a token exactly once
func (s *PostgresStore) ConsumeToken(ctx context.Context, uid string) (*ocpi.Token, error) {
	query := `UPDATE tokens SET used = TRUE WHERE uid = $1 AND used = FALSE RETURNING ` + tokenColumns

	t, err := scanToken(s.pool.QueryRow(ctx, query, uid))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetToken(ctx, uid); err != nil {
		return nil, err
	}
	return nil, ocpi.ErrTokenAlreadyUsed
}

// ReplacePartyToken stores t and invalidates the party's other type C tokens
// in one transaction
func (s *PostgresStore) ReplacePartyToken(ctx context.Context, t *ocpi.Token) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE tokens SET valid = FALSE, revoked_at = $1
			WHERE type = 'C' AND valid AND country_code = $2 AND party_id = $3 AND uid <> $4
		`, time.Now().UTC(), t.CountryCode, t.PartyID, t.UID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, upsertToken, tokenArgs(t)...)
		return err
	})
}

// InvalidatePartyTokens invalidates every token issued to a party
func (s *PostgresStore) InvalidatePartyTokens(ctx context.Context, party ocpi.PartyKey) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tokens SET valid = FALSE, revoked_at = $1
		WHERE valid AND type <> 'A' AND country_code = $2 AND party_id = $3
	`, time.Now().UTC(), party.CountryCode, party.PartyID)
	return err
}

// ListTokens returns all issued tokens
func (s *PostgresStore) ListTokens(ctx context.Context) ([]*ocpi.Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*ocpi.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// GetCredentials returns the stored credentials of a counterparty
func (s *PostgresStore) GetCredentials(ctx context.Context, party ocpi.PartyKey) (*ocpi.Credentials, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM credentials WHERE country_code = $1 AND party_id = $2`,
		party.CountryCode, party.PartyID,
	).Scan(&doc)
	if err != nil {
		return nil, notFound(err, ocpi.ErrUnknownParty)
	}

	c := &ocpi.Credentials{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("failed to decode credentials of %s: %w", party, err)
	}
	return c, nil
}

// PutCredentials creates or updates counterparty credentials
func (s *PostgresStore) PutCredentials(ctx context.Context, c *ocpi.Credentials) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials (country_code, party_id, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (country_code, party_id) DO UPDATE SET
			document = $3,
			updated_at = $4
	`, c.CountryCode, c.PartyID, doc, time.Now().UTC())
	return err
}

// DeleteCredentials removes a counterparty
func (s *PostgresStore) DeleteCredentials(ctx context.Context, party ocpi.PartyKey) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM credentials WHERE country_code = $1 AND party_id = $2`,
		party.CountryCode, party.PartyID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ocpi.ErrUnknownParty
	}
	return nil
}

// ListCredentials returns every registered counterparty
func (s *PostgresStore) ListCredentials(ctx context.Context) ([]*ocpi.Credentials, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM credentials ORDER BY country_code, party_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ocpi.Credentials
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		c := &ocpi.Credentials{}
		if err := json.Unmarshal(doc, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
