package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/modules"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// OCPI auth methods
const (
	AuthRequest   = "AUTH_REQUEST"
	AuthCommand   = "COMMAND"
	AuthWhitelist = "WHITELIST"
)

// remoteStart is a START_SESSION waiting for the charge point to begin the
// transaction
type remoteStart struct {
	token     ocpi.CommandToken
	reference string
}

// Sessions publishes OCPP transactions as OCPI sessions and CDRs
type Sessions struct {
	self     ocpi.PartyKey
	currency string
	sessions modules.Module
	cdrs     modules.Module
	tokens   modules.Module
	now      func() time.Time
	log      *logrus.Entry
}

// NewSessions resolves the modules it writes to from registry
func NewSessions(self ocpi.PartyKey, currency string, registry *modules.Registry) (*Sessions, error) {
	sessions, err := registry.Module(ocpi.ModuleSessions)
	if err != nil {
		return nil, err
	}
	cdrs, err := registry.Module(ocpi.ModuleCDRs)
	if err != nil {
		return nil, err
	}
	tokens, err := registry.Module(ocpi.ModuleTokens)
	if err != nil {
		return nil, err
	}
	return &Sessions{
		self:     self,
		currency: currency,
		sessions: sessions,
		cdrs:     cdrs,
		tokens:   tokens,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logrus.WithField("component", "ocpp-sessions"),
	}, nil
}

// SessionID derives the OCPI session id of an OCPP transaction
func SessionID(transactionID int) string {
	return strconv.Itoa(transactionID)
}

// Authorize checks an idTag against the tokens pushed by eMSPs
func (s *Sessions) Authorize(ctx context.Context, idTag string) (types.AuthorizationStatus, *ocpi.TokenObject) {
	token, err := s.findToken(ctx, idTag)
	if err != nil {
		if !errors.Is(err, ocpi.ErrNotFound) {
			s.log.WithError(err).WithField("idTag", idTag).Error("Token lookup failed")
		}
		return types.AuthorizationStatusInvalid, nil
	}

	key := ocpi.RecordKey{CountryCode: token.CountryCode, PartyID: token.PartyID, ID: token.UID}
	info, err := modules.Authorize(ctx, s.tokens, key, nil, "")
	if err != nil {
		s.log.WithError(err).WithField("idTag", idTag).Error("Token authorization failed")
		return types.AuthorizationStatusInvalid, nil
	}

	switch info.Allowed {
	case ocpi.AllowedAllowed:
		return types.AuthorizationStatusAccepted, &info.Token
	case ocpi.AllowedBlocked:
		return types.AuthorizationStatusBlocked, &info.Token
	case ocpi.AllowedExpired:
		return types.AuthorizationStatusExpired, &info.Token
	}
	return types.AuthorizationStatusInvalid, &info.Token
}

func (s *Sessions) findToken(ctx context.Context, uid string) (*ocpi.TokenObject, error) {
	page := modules.Page{}
	for {
		res, err := s.tokens.List(ctx, modules.Filter{}, page)
		if err != nil {
			return nil, err
		}
		for _, raw := range res.Items {
			var t ocpi.TokenObject
			if err := json.Unmarshal(raw, &t); err != nil {
				continue
			}
			if t.UID == uid {
				return &t, nil
			}
		}
		if res.Next == nil {
			return nil, ocpi.ErrNotFound
		}
		page = *res.Next
	}
}

// Start publishes an ACTIVE session for a transaction that just began
func (s *Sessions) Start(ctx context.Context, tx *models.Transaction, cp *models.ChargePoint, token *ocpi.TokenObject, remote *remoteStart) (*ocpi.Session, error) {
	session := &ocpi.Session{
		CountryCode:   s.self.CountryCode,
		PartyID:       s.self.PartyID,
		ID:            tx.SessionID,
		StartDateTime: tx.StartTime.UTC(),
		CdrToken:      ocpi.CdrToken{UID: tx.IdTag, Type: "RFID"},
		AuthMethod:    AuthWhitelist,
		LocationID:    cp.LocationID,
		EvseUID:       cp.ID,
		ConnectorID:   strconv.Itoa(tx.ConnectorID),
		Currency:      s.currency,
		Status:        ocpi.SessionActive,
		LastUpdated:   s.now(),
	}
	if session.LocationID == "" {
		session.LocationID = cp.ID
	}

	switch {
	case remote != nil:
		session.CdrToken = ocpi.CdrToken{
			CountryCode: remote.token.CountryCode,
			PartyID:     remote.token.PartyID,
			UID:         remote.token.UID,
			Type:        remote.token.Type,
			ContractID:  remote.token.ContractID,
		}
		session.AuthMethod = AuthCommand
		session.AuthorizationReference = remote.reference
	case token != nil:
		session.CdrToken = ocpi.CdrToken{
			CountryCode: token.CountryCode,
			PartyID:     token.PartyID,
			UID:         token.UID,
			Type:        token.Type,
			ContractID:  token.ContractID,
		}
		session.AuthMethod = AuthRequest
	}

	if err := s.put(ctx, session); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"session_id":    session.ID,
		"evse_uid":      session.EvseUID,
		"transactionId": tx.ID,
	}).Info("Session started")
	return session, nil
}

// Progress updates the energy of an active session from a meter register in Wh
func (s *Sessions) Progress(ctx context.Context, tx *models.Transaction, registerWh float64) error {
	session, err := s.get(ctx, tx.SessionID)
	if err != nil {
		return err
	}
	if session.Status != ocpi.SessionActive {
		return nil
	}
	session.KWh = energy(float64(tx.MeterStart), registerWh)
	session.LastUpdated = s.now()
	return s.put(ctx, session)
}

// Stop completes the session of a finished transaction and creates its CDR
func (s *Sessions) Stop(ctx context.Context, tx *models.Transaction) (*ocpi.CDR, error) {
	session, err := s.get(ctx, tx.SessionID)
	if err != nil {
		return nil, err
	}

	end := tx.EndTime.UTC()
	session.EndDateTime = &end
	session.KWh = energy(float64(tx.MeterStart), float64(tx.MeterStop))
	session.Status = ocpi.SessionCompleted
	session.LastUpdated = s.now()
	if err := s.put(ctx, session); err != nil {
		return nil, err
	}

	cdr := &ocpi.CDR{
		CountryCode:            session.CountryCode,
		PartyID:                session.PartyID,
		ID:                     session.ID,
		StartDateTime:          session.StartDateTime,
		EndDateTime:            end,
		SessionID:              session.ID,
		CdrToken:               session.CdrToken,
		AuthMethod:             session.AuthMethod,
		AuthorizationReference: session.AuthorizationReference,
		CdrLocation: ocpi.CdrLocation{
			ID:          session.LocationID,
			EvseUID:     session.EvseUID,
			ConnectorID: session.ConnectorID,
		},
		Currency:    session.Currency,
		TotalEnergy: session.KWh,
		TotalTime:   end.Sub(session.StartDateTime).Hours(),
		LastUpdated: s.now(),
	}
	payload, err := json.Marshal(cdr)
	if err != nil {
		return nil, err
	}
	if _, err := s.cdrs.Create(ctx, payload); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"kwh":        session.KWh,
	}).Info("Session completed")
	return cdr, nil
}

func (s *Sessions) key(id string) ocpi.RecordKey {
	return ocpi.RecordKey{CountryCode: s.self.CountryCode, PartyID: s.self.PartyID, ID: id}
}

func (s *Sessions) get(ctx context.Context, id string) (*ocpi.Session, error) {
	raw, err := s.sessions.Get(ctx, s.key(id))
	if err != nil {
		return nil, err
	}
	var session ocpi.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Sessions) put(ctx context.Context, session *ocpi.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.sessions.CreateOrUpdate(ctx, s.key(session.ID), payload)
	return err
}

// energy converts two Wh meter readings to consumed kWh
func energy(startWh, endWh float64) float64 {
	if endWh < startWh {
		return 0
	}
	return (endWh - startWh) / 1000
}
