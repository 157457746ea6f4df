package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// GetRecord retrieves a module record by key
func (s *PostgresStore) GetRecord(ctx context.Context, module ocpi.ModuleID, key ocpi.RecordKey) (*ocpi.Record, error) {
	r := &ocpi.Record{Module: module, Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT last_updated, data FROM records
		WHERE module = $1 AND country_code = $2 AND party_id = $3 AND id = $4
	`, module, key.CountryCode, key.PartyID, key.ID).Scan(&r.LastUpdated, &r.Data)
	if err != nil {
		return nil, notFound(err, ocpi.ErrNotFound)
	}
	return r, nil
}

// PutRecord creates or replaces a module record
func (s *PostgresStore) PutRecord(ctx context.Context, r *ocpi.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (module, country_code, party_id, id, last_updated, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module, country_code, party_id, id) DO UPDATE SET
			last_updated = $5,
			data = $6
	`, r.Module, r.Key.CountryCode, r.Key.PartyID, r.Key.ID, r.LastUpdated, []byte(r.Data))
	return err
}

// InsertRecord stores a record that must not exist yet
func (s *PostgresStore) InsertRecord(ctx context.Context, r *ocpi.Record) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO records (module, country_code, party_id, id, last_updated, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module, country_code, party_id, id) DO NOTHING
	`, r.Module, r.Key.CountryCode, r.Key.PartyID, r.Key.ID, r.LastUpdated, []byte(r.Data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ocpi.ErrImmutableRecord
	}
	return nil
}

// ListRecords returns one page of records and the total match count
func (s *PostgresStore) ListRecords(ctx context.Context, module ocpi.ModuleID, q store.Query) ([]*ocpi.Record, int, error) {
	where := []string{"module = $1"}
	args := []interface{}{module}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Party != nil {
		add("country_code = $%d", q.Party.CountryCode)
		add("party_id = $%d", q.Party.PartyID)
	}
	if q.DateFrom != nil {
		add("last_updated >= $%d", *q.DateFrom)
	}
	if q.DateTo != nil {
		add("last_updated < $%d", *q.DateTo)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT country_code, party_id, id, last_updated, data FROM records WHERE ` + cond +
		` ORDER BY last_updated, country_code, party_id, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, q.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := []*ocpi.Record{}
	for rows.Next() {
		r := &ocpi.Record{Module: module}
		if err := rows.Scan(&r.Key.CountryCode, &r.Key.PartyID, &r.Key.ID, &r.LastUpdated, &r.Data); err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// SaveCommand creates or updates the audit copy of a command
func (s *PostgresStore) SaveCommand(ctx context.Context, c *ocpi.Command) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO commands (id, type, state, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = $3,
			document = $4,
			updated_at = $6
	`, c.ID, c.Type, c.State, doc, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCommand retrieves a command by id
func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*ocpi.Command, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, `SELECT document FROM commands WHERE id = $1`, id).Scan(&doc); err != nil {
		return nil, notFound(err, ocpi.ErrNotFound)
	}
	c := &ocpi.Command{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCommands returns the most recent commands
func (s *PostgresStore) ListCommands(ctx context.Context, limit int) ([]*ocpi.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT document FROM commands ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ocpi.Command, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return nil, err
		}
		c := &ocpi.Command{}
		return c, json.Unmarshal(doc, c)
	})
	if err != nil {
		return nil, err
	}
	return commands, nil
}
