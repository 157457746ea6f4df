package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// SaveChargePoint creates or updates a charge point in the database
func (s *PostgresStore) SaveChargePoint(ctx context.Context, cp *models.ChargePoint) error {
	query := `
		INSERT INTO charge_points (
			id, location_id, vendor, model, serial_number, firmware_version,
			last_heartbeat, registration_status, is_connected,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			location_id = CASE WHEN $2 = '' THEN charge_points.location_id ELSE $2 END,
			vendor = $3,
			model = $4,
			serial_number = $5,
			firmware_version = $6,
			last_heartbeat = $7,
			registration_status = $8,
			is_connected = $9,
			updated_at = $11
	`

	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	_, err := s.pool.Exec(ctx, query,
		cp.ID, cp.LocationID, cp.Vendor, cp.Model, cp.SerialNumber, cp.FirmwareVersion,
		cp.LastHeartbeat, cp.RegistrationStatus, cp.IsConnected,
		cp.CreatedAt, cp.UpdatedAt,
	)
	return err
}

// GetChargePoint retrieves a charge point by its ID
func (s *PostgresStore) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	query := `
		SELECT
			id, location_id, vendor, model, serial_number, firmware_version,
			last_heartbeat, registration_status, is_connected,
			created_at, updated_at
		FROM charge_points
		WHERE id = $1
	`

	cp := &models.ChargePoint{}
	var heartbeat sql.NullTime
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&cp.ID, &cp.LocationID, &cp.Vendor, &cp.Model, &cp.SerialNumber, &cp.FirmwareVersion,
		&heartbeat, &cp.RegistrationStatus, &cp.IsConnected,
		&cp.CreatedAt, &cp.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, ocpi.ErrNotFound)
	}
	if heartbeat.Valid {
		cp.LastHeartbeat = heartbeat.Time
	}
	return cp, nil
}

// UpdateChargePointConnection updates the connection status of a charge point,
// creating a placeholder row for charge points seen before their BootNotification
func (s *PostgresStore) UpdateChargePointConnection(ctx context.Context, id string, connected bool) error {
	query := `
		INSERT INTO charge_points (id, is_connected, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			is_connected = $2,
			updated_at = $3
	`
	_, err := s.pool.Exec(ctx, query, id, connected, time.Now())
	return err
}

// UpdateHeartbeat updates the last heartbeat time of a charge point
func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE charge_points
		SET last_heartbeat = $1, updated_at = $1
		WHERE id = $2
	`

	tag, err := s.pool.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ocpi.ErrNotFound
	}
	return nil
}

// SaveConnector creates or updates a connector
func (s *PostgresStore) SaveConnector(ctx context.Context, connector *models.Connector) error {
	query := `
		INSERT INTO connectors (id, charge_point_id, status, error_code, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (charge_point_id, id) DO UPDATE SET
			status = $3,
			error_code = $4,
			updated_at = $5
	`

	connector.UpdatedAt = time.Now()
	_, err := s.pool.Exec(ctx, query,
		connector.ID, connector.ChargePointID, connector.Status, connector.ErrorCode, connector.UpdatedAt,
	)
	return err
}

// NextTransactionID draws the next OCPP transaction id from the sequence
func (s *PostgresStore) NextTransactionID(ctx context.Context) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, `SELECT nextval('transaction_id_seq')`).Scan(&id)
	return id, err
}

// StartTransaction stores a new charging transaction
func (s *PostgresStore) StartTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, session_id, charge_point_id, connector_id, id_tag,
			start_time, meter_start, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	_, err := s.pool.Exec(ctx, query,
		tx.ID, tx.SessionID, tx.ChargePointID, tx.ConnectorID, tx.IdTag,
		tx.StartTime, tx.MeterStart, tx.Status, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

// StopTransaction updates a transaction when it's stopped
func (s *PostgresStore) StopTransaction(ctx context.Context, id int, endTime time.Time, meterStop int) error {
	query := `
		UPDATE transactions
		SET end_time = $1, meter_stop = $2, status = $3, updated_at = $4
		WHERE id = $5
	`

	tag, err := s.pool.Exec(ctx, query, endTime, meterStop, models.TransactionCompleted, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ocpi.ErrNotFound
	}
	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *PostgresStore) GetTransaction(ctx context.Context, id int) (*models.Transaction, error) {
	query := `
		SELECT
			id, session_id, charge_point_id, connector_id, id_tag,
			start_time, end_time, meter_start, meter_stop, status,
			created_at, updated_at
		FROM transactions
		WHERE id = $1
	`

	tx := &models.Transaction{}
	var endTime sql.NullTime
	var meterStop sql.NullInt32
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&tx.ID, &tx.SessionID, &tx.ChargePointID, &tx.ConnectorID, &tx.IdTag,
		&tx.StartTime, &endTime, &tx.MeterStart, &meterStop, &tx.Status,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, ocpi.ErrNotFound)
	}

	if endTime.Valid {
		tx.EndTime = endTime.Time
	}
	if meterStop.Valid {
		tx.MeterStop = int(meterStop.Int32)
	}

	return tx, nil
}

// LogOCPPMessage logs an OCPP message to the database
func (s *PostgresStore) LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error {
	query := `
		INSERT INTO ocpp_messages (
			charge_point_id, message_type, action, request_id, payload, direction, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	payload := []byte(msg.Payload)
	if !json.Valid(payload) {
		var err error
		if payload, err = json.Marshal(msg.Payload); err != nil {
			logrus.WithError(err).Error("Failed to marshal OCPP message payload")
			payload = []byte("{}")
		}
	}

	_, err := s.pool.Exec(ctx, query,
		msg.ChargePointID, msg.MessageType, msg.Action, msg.RequestID, payload, msg.Direction, msg.Timestamp,
	)
	return err
}
