package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/balu-dk/go-ocpi/internal/commands"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// maxWait bounds how long GetCommand blocks for a result
const maxWait = time.Minute

// IssuedToken is returned when a Token A is issued
type IssuedToken struct {
	Token       string `json:"token"`
	VersionsURL string `json:"versions_url,omitempty"`
}

// TokenView is a token with its value masked
type TokenView struct {
	UID       string         `json:"uid"`
	Type      ocpi.TokenType `json:"type"`
	Party     string         `json:"party,omitempty"`
	Role      ocpi.Role      `json:"role,omitempty"`
	Valid     bool           `json:"valid"`
	Used      bool           `json:"used"`
	Location  string         `json:"location_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TokenBRequest issues a Token B to a registered party
type TokenBRequest struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	LocationID  string `json:"location_id,omitempty"`
}

// RegisterRequest starts an outbound registration
type RegisterRequest struct {
	VersionsURL string `json:"versions_url"`
	Token       string `json:"token"`
}

// DispatchRequest issues a command to a CPO
type DispatchRequest struct {
	Receiver ocpi.PartyKey       `json:"receiver"`
	Request  ocpi.CommandRequest `json:"request"`
}

// DispatchResult carries the command record and the receiver's acknowledgement
type DispatchResult struct {
	Command  *ocpi.Command         `json:"command"`
	Response *ocpi.CommandResponse `json:"response,omitempty"`
}

// LocationRequest places a charge point at a location
type LocationRequest struct {
	LocationID string `json:"location_id"`
}

// IssueTokenA creates a registration token to hand to a counterparty
func (h *Handler) IssueTokenA(w http.ResponseWriter, r *http.Request) {
	t, err := h.party.Credentials.IssueTokenA(r.Context())
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendResponse(w, http.StatusCreated, ocpi.Success(IssuedToken{
		Token:       t.UID,
		VersionsURL: h.party.Config.VersionsURL(),
	}))
}

// IssueTokenB creates a token authorization token for a registered party
func (h *Handler) IssueTokenB(w http.ResponseWriter, r *http.Request) {
	var req TokenBRequest
	if err := decodeBody(w, r, &req); err != nil {
		SendError(w, r, err)
		return
	}
	party := ocpi.PartyKey{CountryCode: req.CountryCode, PartyID: req.PartyID}
	if party.CountryCode == "" || party.PartyID == "" {
		SendError(w, r, ocpi.Validationf("country_code and party_id are required"))
		return
	}

	t, err := h.party.Credentials.IssueTokenB(r.Context(), party, req.LocationID)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendResponse(w, http.StatusCreated, ocpi.Success(IssuedToken{Token: t.UID}))
}

// ListTokens lists issued tokens with masked values
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.party.Store.ListTokens(r.Context())
	if err != nil {
		SendError(w, r, err)
		return
	}

	views := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		v := TokenView{
			UID:       ocpi.Short(t.UID),
			Type:      t.Type,
			Role:      t.Role,
			Valid:     t.Valid,
			Used:      t.Used,
			Location:  t.LocationID,
			CreatedAt: t.CreatedAt,
		}
		if t.CountryCode != "" {
			v.Party = t.PartyKey().String()
		}
		views = append(views, v)
	}
	sendData(w, views)
}

// Register registers with a counterparty using a Token A it issued
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		SendError(w, r, err)
		return
	}
	if req.VersionsURL == "" || req.Token == "" {
		SendError(w, r, ocpi.Validationf("versions_url and token are required"))
		return
	}

	theirs, err := h.party.Credentials.Register(r.Context(), req.VersionsURL, req.Token)
	if err != nil {
		SendError(w, r, err)
		return
	}
	view := *theirs
	view.Token = ocpi.Short(view.Token)
	sendData(w, view)
}

// ListParties lists registered counterparties
func (h *Handler) ListParties(w http.ResponseWriter, r *http.Request) {
	parties, err := h.party.Credentials.Parties(r.Context())
	if err != nil {
		SendError(w, r, err)
		return
	}
	views := make([]ocpi.Credentials, 0, len(parties))
	for _, c := range parties {
		v := *c
		v.Token = ocpi.Short(v.Token)
		views = append(views, v)
	}
	sendData(w, views)
}

// RevokeParty ends the registration of a counterparty
func (h *Handler) RevokeParty(w http.ResponseWriter, r *http.Request) {
	party := ocpi.PartyKey{
		CountryCode: chi.URLParam(r, "country_code"),
		PartyID:     chi.URLParam(r, "party_id"),
	}
	if err := h.party.Credentials.RevokeParty(r.Context(), party); err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, nil)
}

// DispatchCommand issues a command and returns the acknowledgement
func (h *Handler) DispatchCommand(w http.ResponseWriter, r *http.Request) {
	t, err := ocpi.ParseCommandType(chi.URLParam(r, "command"))
	if err != nil {
		SendError(w, r, err)
		return
	}
	var req DispatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		SendError(w, r, err)
		return
	}

	cmd, resp, err := h.party.DispatchCommand(r.Context(), req.Receiver, t, req.Request)
	if err != nil && cmd != nil {
		// the command was sent and settled without an acknowledgement
		sendResponse(w, http.StatusOK, ocpi.Failure(ocpi.StatusUnableToUseClientAPI, err.Error(), DispatchResult{Command: cmd}))
		return
	}
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, DispatchResult{Command: cmd, Response: resp})
}

// ListCommands lists recently dispatched commands
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			SendError(w, r, ocpi.Validationf("invalid limit %q", v))
			return
		}
		limit = n
	}

	cmds, err := h.party.Dispatcher.List(r.Context(), limit)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, cmds)
}

// GetCommand returns a command, waiting up to ?wait= for its result.
// A command still waiting for its result is answered with 202.
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			SendError(w, r, ocpi.Validationf("invalid wait %q", v))
			return
		}
		wait = min(d, maxWait)
	}

	_, err := h.party.AwaitCommandResult(r.Context(), id, wait)
	switch {
	case err == nil,
		errors.Is(err, ocpi.ErrResultPending),
		errors.Is(err, ocpi.ErrCommandExpired),
		errors.Is(err, commands.ErrCommandNotAccepted):
	default:
		SendError(w, r, err)
		return
	}

	cmd, err := h.party.Dispatcher.Get(r.Context(), id)
	if err != nil {
		SendError(w, r, err)
		return
	}
	status := http.StatusOK
	if cmd.Result == nil && !cmd.State.Terminal() {
		status = http.StatusAccepted
	}
	sendResponse(w, status, ocpi.Success(cmd))
}

// PutOwnRecord publishes one of our own module records
func (h *Handler) PutOwnRecord(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)
	if key.Party() != h.party.Config.Party() {
		SendError(w, r, ocpi.Validationf("record party %s is not %s", key.Party(), h.party.Config.Party()))
		return
	}
	var payload json.RawMessage
	if err := decodeBody(w, r, &payload); err != nil {
		SendError(w, r, err)
		return
	}

	data, err := h.party.PutRecord(r.Context(), ocpi.ModuleID(chi.URLParam(r, "module")), key, payload)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, data)
}

// GetChargePoint returns a charge point known over OCPP
func (h *Handler) GetChargePoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.party.ChargePoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, cp)
}

// AssignLocation places a charge point at an OCPI location
func (h *Handler) AssignLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if err := decodeBody(w, r, &req); err != nil {
		SendError(w, r, err)
		return
	}
	if req.LocationID == "" {
		SendError(w, r, ocpi.Validationf("location_id is required"))
		return
	}

	cp, err := h.party.AssignLocation(r.Context(), chi.URLParam(r, "id"), req.LocationID)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, cp)
}
