package ocpi

import (
	"encoding/json"
	"time"
)

// RecordKey identifies a module record, unique per module
type RecordKey struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	ID          string `json:"id"`
}

// Party returns the owning party of the record
func (k RecordKey) Party() PartyKey {
	return PartyKey{CountryCode: k.CountryCode, PartyID: k.PartyID}
}

func (k RecordKey) String() string {
	return k.CountryCode + "/" + k.PartyID + "/" + k.ID
}

// Record is a stored module object. Data holds the full OCPI JSON document.
type Record struct {
	Module      ModuleID        `json:"module"`
	Key         RecordKey       `json:"key"`
	LastUpdated time.Time       `json:"last_updated"`
	Data        json.RawMessage `json:"data"`
}

// Decode unmarshals the record document into v
func (r *Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Data, v)
}

// SessionStatus is the lifecycle state of a charging session
type SessionStatus string

const (
	SessionActive      SessionStatus = "ACTIVE"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionInvalid     SessionStatus = "INVALID"
	SessionPending     SessionStatus = "PENDING"
	SessionReservation SessionStatus = "RESERVATION"
)

// Valid reports whether s is a known session status
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionInvalid, SessionPending, SessionReservation:
		return true
	}
	return false
}

// Terminal reports whether a CDR may reference a session in this status
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionInvalid
}

// CdrToken is the token reference carried by sessions and CDRs
type CdrToken struct {
	CountryCode string `json:"country_code,omitempty"`
	PartyID     string `json:"party_id,omitempty"`
	UID         string `json:"uid"`
	Type        string `json:"type"`
	ContractID  string `json:"contract_id,omitempty"`
}

// Price is an amount with and without VAT
type Price struct {
	ExclVat float64  `json:"excl_vat"`
	InclVat *float64 `json:"incl_vat,omitempty"`
}

// Session is the OCPI session object
type Session struct {
	CountryCode            string        `json:"country_code"`
	PartyID                string        `json:"party_id"`
	ID                     string        `json:"id"`
	StartDateTime          time.Time     `json:"start_date_time"`
	EndDateTime            *time.Time    `json:"end_date_time,omitempty"`
	KWh                    float64       `json:"kwh"`
	CdrToken               CdrToken      `json:"cdr_token"`
	AuthMethod             string        `json:"auth_method"`
	AuthorizationReference string        `json:"authorization_reference,omitempty"`
	LocationID             string        `json:"location_id"`
	EvseUID                string        `json:"evse_uid"`
	ConnectorID            string        `json:"connector_id"`
	MeterID                string        `json:"meter_id,omitempty"`
	Currency               string        `json:"currency"`
	TotalCost              *Price        `json:"total_cost,omitempty"`
	Status                 SessionStatus `json:"status"`
	LastUpdated            time.Time     `json:"last_updated"`
}

// CdrLocation is the location snapshot embedded in a CDR
type CdrLocation struct {
	ID          string `json:"id"`
	EvseUID     string `json:"evse_uid"`
	ConnectorID string `json:"connector_id"`
}

// CDR is the OCPI charge detail record
type CDR struct {
	CountryCode            string      `json:"country_code"`
	PartyID                string      `json:"party_id"`
	ID                     string      `json:"id"`
	StartDateTime          time.Time   `json:"start_date_time"`
	EndDateTime            time.Time   `json:"end_date_time"`
	SessionID              string      `json:"session_id"`
	CdrToken               CdrToken    `json:"cdr_token"`
	AuthMethod             string      `json:"auth_method"`
	AuthorizationReference string      `json:"authorization_reference,omitempty"`
	CdrLocation            CdrLocation `json:"cdr_location"`
	MeterID                string      `json:"meter_id,omitempty"`
	Currency               string      `json:"currency"`
	TotalCost              Price       `json:"total_cost"`
	TotalEnergy            float64     `json:"total_energy"`
	TotalTime              float64     `json:"total_time"`
	LastUpdated            time.Time   `json:"last_updated"`
}

// TokenObject is a token pushed through the tokens module. It is distinct
// from the credentials tokens used to authenticate requests.
type TokenObject struct {
	CountryCode string    `json:"country_code"`
	PartyID     string    `json:"party_id"`
	UID         string    `json:"uid"`
	Type        string    `json:"type"`
	ContractID  string    `json:"contract_id"`
	Issuer      string    `json:"issuer"`
	Valid       bool      `json:"valid"`
	Whitelist   Whitelist `json:"whitelist"`
	LastUpdated time.Time `json:"last_updated"`
}

// Allowed is the outcome of a real-time token authorization
type Allowed string

const (
	AllowedAllowed    Allowed = "ALLOWED"
	AllowedBlocked    Allowed = "BLOCKED"
	AllowedExpired    Allowed = "EXPIRED"
	AllowedNoCredit   Allowed = "NO_CREDIT"
	AllowedNotAllowed Allowed = "NOT_ALLOWED"
)

// LocationReferences names the location a token authorization is asked for
type LocationReferences struct {
	LocationID string   `json:"location_id"`
	EVSEUIDs   []string `json:"evse_uids,omitempty"`
}

// AuthorizationInfo answers a token authorization request
type AuthorizationInfo struct {
	Allowed                Allowed             `json:"allowed"`
	Token                  TokenObject         `json:"token"`
	Location               *LocationReferences `json:"location,omitempty"`
	AuthorizationReference string              `json:"authorization_reference,omitempty"`
	Info                   *DisplayText        `json:"info,omitempty"`
}
