package ocpi

import (
	"encoding/json"
	"time"
)

// CommandType is one of the commands a sender may issue
type CommandType string

const (
	CommandStartSession      CommandType = "START_SESSION"
	CommandStopSession       CommandType = "STOP_SESSION"
	CommandReserveNow        CommandType = "RESERVE_NOW"
	CommandCancelReservation CommandType = "CANCEL_RESERVATION"
	CommandUnlockConnector   CommandType = "UNLOCK_CONNECTOR"
)

// ParseCommandType validates a command type taken from a URL
func ParseCommandType(s string) (CommandType, error) {
	switch t := CommandType(s); t {
	case CommandStartSession, CommandStopSession, CommandReserveNow,
		CommandCancelReservation, CommandUnlockConnector:
		return t, nil
	}
	return "", Validationf("unknown command type %q", s)
}

// CommandState tracks a dispatched command.
//
// PENDING -> ACCEPTED | REJECTED, PENDING -> TIMEOUT, ACCEPTED -> EXPIRED.
type CommandState string

const (
	CommandPending  CommandState = "PENDING"
	CommandAccepted CommandState = "ACCEPTED"
	CommandRejected CommandState = "REJECTED"
	CommandTimeout  CommandState = "TIMEOUT"
	CommandExpired  CommandState = "EXPIRED"
)

// Terminal reports whether no further acknowledgement can change the state
func (s CommandState) Terminal() bool {
	return s == CommandRejected || s == CommandTimeout || s == CommandExpired
}

// CanTransition reports whether the state machine allows s -> next
func (s CommandState) CanTransition(next CommandState) bool {
	switch s {
	case CommandPending:
		return next == CommandAccepted || next == CommandRejected || next == CommandTimeout
	case CommandAccepted:
		return next == CommandExpired
	}
	return false
}

// CommandResponseType is the synchronous acknowledgement of a command
type CommandResponseType string

const (
	ResponseAccepted       CommandResponseType = "ACCEPTED"
	ResponseRejected       CommandResponseType = "REJECTED"
	ResponseNotSupported   CommandResponseType = "NOT_SUPPORTED"
	ResponseUnknownSession CommandResponseType = "UNKNOWN_SESSION"
)

// CommandResultType is the asynchronous execution outcome of a command
type CommandResultType string

const (
	ResultAccepted            CommandResultType = "ACCEPTED"
	ResultCanceledReservation CommandResultType = "CANCELED_RESERVATION"
	ResultEVSEOccupied        CommandResultType = "EVSE_OCCUPIED"
	ResultEVSEInoperative     CommandResultType = "EVSE_INOPERATIVE"
	ResultFailed              CommandResultType = "FAILED"
	ResultNotSupported        CommandResultType = "NOT_SUPPORTED"
	ResultRejected            CommandResultType = "REJECTED"
	ResultTimeout             CommandResultType = "TIMEOUT"
	ResultUnknownReservation  CommandResultType = "UNKNOWN_RESERVATION"
	ResultUnknownLocation     CommandResultType = "UNKNOWN_LOCATION"
)

// DisplayText is a localized message
type DisplayText struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// CommandTarget carries the references a command acts on
type CommandTarget struct {
	LocationID    string `json:"location_id,omitempty"`
	EvseUID       string `json:"evse_uid,omitempty"`
	ConnectorID   string `json:"connector_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
}

// CommandToken is the token a START_SESSION or RESERVE_NOW is issued for
type CommandToken struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
	UID         string `json:"uid"`
	Type        string `json:"type"`
	ContractID  string `json:"contract_id"`
}

// CommandRequest is the payload posted to a receiver's commands endpoint
type CommandRequest struct {
	ResponseURL string        `json:"response_url"`
	Token       *CommandToken `json:"token,omitempty"`
	ExpiryDate  *time.Time    `json:"expiry_date,omitempty"`
	CommandTarget
}

// Validate checks the fields required for the command type
func (r *CommandRequest) Validate(t CommandType) error {
	if r.ResponseURL == "" {
		return Validationf("response_url is required")
	}
	switch t {
	case CommandStartSession:
		if r.Token == nil || r.Token.UID == "" {
			return Validationf("token is required for %s", t)
		}
		if r.LocationID == "" {
			return Validationf("location_id is required for %s", t)
		}
	case CommandStopSession:
		if r.SessionID == "" {
			return Validationf("session_id is required for %s", t)
		}
	case CommandReserveNow:
		if r.Token == nil || r.Token.UID == "" {
			return Validationf("token is required for %s", t)
		}
		if r.ReservationID == "" || r.LocationID == "" || r.ExpiryDate == nil {
			return Validationf("reservation_id, location_id and expiry_date are required for %s", t)
		}
	case CommandCancelReservation:
		if r.ReservationID == "" {
			return Validationf("reservation_id is required for %s", t)
		}
	case CommandUnlockConnector:
		if r.LocationID == "" || r.EvseUID == "" || r.ConnectorID == "" {
			return Validationf("location_id, evse_uid and connector_id are required for %s", t)
		}
	}
	return nil
}

// CommandResponse is the synchronous answer of a receiver
type CommandResponse struct {
	Result  CommandResponseType `json:"result"`
	Timeout int                 `json:"timeout"`
	Message []DisplayText       `json:"message,omitempty"`
}

// CommandResult is delivered asynchronously to the issuer's response_url
type CommandResult struct {
	CommandID string            `json:"command_id,omitempty"`
	Result    CommandResultType `json:"result"`
	Message   []DisplayText     `json:"message,omitempty"`
}

// Command is the issuer-side record of a dispatched command
type Command struct {
	ID          string          `json:"id"`
	Type        CommandType     `json:"type"`
	ResponseURL string          `json:"response_url"`
	Target      CommandTarget   `json:"target"`
	Issuer      PartyKey        `json:"issuer"`
	Receiver    PartyKey        `json:"receiver"`
	State       CommandState    `json:"state"`
	Result      *CommandResult  `json:"result,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
