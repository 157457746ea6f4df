package memory

import (
	"context"
	"strconv"
	"time"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// SaveChargePoint creates or updates a charge point
func (s *Store) SaveChargePoint(ctx context.Context, cp *models.ChargePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.chargePoints[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
		if cp.LocationID == "" {
			cp.LocationID = existing.LocationID
		}
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	c := *cp
	s.chargePoints[cp.ID] = &c
	return nil
}

// GetChargePoint retrieves a charge point by its ID
func (s *Store) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.chargePoints[id]
	if !ok {
		return nil, ocpi.ErrNotFound
	}
	c := *cp
	return &c, nil
}

// UpdateChargePointConnection records a connect or disconnect
func (s *Store) UpdateChargePointConnection(ctx context.Context, id string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp, ok := s.chargePoints[id]
	if !ok {
		cp = &models.ChargePoint{ID: id, CreatedAt: now}
		s.chargePoints[id] = cp
	}
	cp.IsConnected = connected
	cp.UpdatedAt = now
	return nil
}

// UpdateHeartbeat updates the last heartbeat time of a charge point
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.chargePoints[id]
	if !ok {
		return ocpi.ErrNotFound
	}
	now := time.Now()
	cp.LastHeartbeat = now
	cp.UpdatedAt = now
	return nil
}

// SaveConnector creates or updates a connector
func (s *Store) SaveConnector(ctx context.Context, c *models.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.UpdatedAt = time.Now()
	cp := *c
	s.connectors[c.ChargePointID+"/"+strconv.Itoa(c.ID)] = &cp
	return nil
}

// NextTransactionID hands out OCPP transaction ids
func (s *Store) NextTransactionID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTxID++
	return s.lastTxID, nil
}

// StartTransaction stores a new transaction
func (s *Store) StartTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

// StopTransaction completes a transaction
func (s *Store) StopTransaction(ctx context.Context, id int, endTime time.Time, meterStop int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return ocpi.ErrNotFound
	}
	tx.EndTime = endTime
	tx.MeterStop = meterStop
	tx.Status = models.TransactionCompleted
	tx.UpdatedAt = time.Now()
	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id int) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, ocpi.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

// LogOCPPMessage appends a frame to the in-memory log
func (s *Store) LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	cp.ID = len(s.messages) + 1
	s.messages = append(s.messages, &cp)
	return nil
}

// Messages returns the logged frames
func (s *Store) Messages() []*models.OCPPMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.OCPPMessage, len(s.messages))
	copy(out, s.messages)
	return out
}
