package modules

import (
	"context"
	"errors"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// ValidSessionStatus rejects sessions with an unknown status
func ValidSessionStatus(ctx context.Context, r *ocpi.Record) error {
	var s struct {
		Status ocpi.SessionStatus `json:"status"`
	}
	if err := r.Decode(&s); err != nil {
		return ocpi.Validationf("malformed session: %v", err)
	}
	if !s.Status.Valid() {
		return ocpi.Validationf("unknown session status %q", s.Status)
	}
	return nil
}

// CDRSessionTerminal returns a validator that requires the session a CDR
// references to exist and be COMPLETED or INVALID
func CDRSessionTerminal(records store.RecordStore) Hook {
	return func(ctx context.Context, r *ocpi.Record) error {
		var cdr struct {
			SessionID string `json:"session_id"`
		}
		if err := r.Decode(&cdr); err != nil {
			return ocpi.Validationf("malformed cdr: %v", err)
		}
		if cdr.SessionID == "" {
			return ocpi.Validationf("cdr must reference a session")
		}

		key := ocpi.RecordKey{CountryCode: r.Key.CountryCode, PartyID: r.Key.PartyID, ID: cdr.SessionID}
		sr, err := records.GetRecord(ctx, ocpi.ModuleSessions, key)
		if errors.Is(err, ocpi.ErrNotFound) {
			return ocpi.Validationf("cdr references unknown session %s", cdr.SessionID)
		}
		if err != nil {
			return err
		}

		var session struct {
			Status ocpi.SessionStatus `json:"status"`
		}
		if err := sr.Decode(&session); err != nil {
			return err
		}
		if !session.Status.Terminal() {
			return ocpi.Validationf("session %s is %s, a cdr needs a completed or invalid session", cdr.SessionID, session.Status)
		}
		return nil
	}
}

// ValidToken rejects token objects with a missing type or unknown whitelist
func ValidToken(ctx context.Context, r *ocpi.Record) error {
	var t ocpi.TokenObject
	if err := r.Decode(&t); err != nil {
		return ocpi.Validationf("malformed token: %v", err)
	}
	if t.Type == "" {
		return ocpi.Validationf("token type is required")
	}
	if !t.Whitelist.Valid() {
		return ocpi.Validationf("unknown whitelist %q", t.Whitelist)
	}
	return nil
}

// Authorize answers a real-time authorization request for a pushed token.
// where is the location named in the request and scope the location a
// Token B caller is limited to; both are optional. The whitelist is handed
// back inside the token object and does not change the answer.
func Authorize(ctx context.Context, tokens Module, key ocpi.RecordKey, where *ocpi.LocationReferences, scope string) (*ocpi.AuthorizationInfo, error) {
	raw, err := tokens.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	r := ocpi.Record{Data: raw}
	var t ocpi.TokenObject
	if err := r.Decode(&t); err != nil {
		return nil, err
	}

	info := &ocpi.AuthorizationInfo{Allowed: ocpi.AllowedAllowed, Token: t, Location: where}
	if scope != "" {
		if where == nil {
			info.Location = &ocpi.LocationReferences{LocationID: scope}
		} else if where.LocationID != scope {
			info.Allowed = ocpi.AllowedNotAllowed
		}
	}
	if !t.Valid {
		info.Allowed = ocpi.AllowedBlocked
	}
	return info, nil
}
