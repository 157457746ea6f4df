package ocpi

import (
	"strings"
	"time"
)

// Version is the only OCPI version this backend speaks
const Version = "2.2.1"

// Role is the OCPI role of a party
type Role string

const (
	RoleEMSP Role = "EMSP"
	RoleCPO  Role = "CPO"
)

// ParseRole parses a role name case-insensitively
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleEMSP:
		return RoleEMSP, nil
	case RoleCPO:
		return RoleCPO, nil
	}
	return "", Validationf("unknown role %q", s)
}

// Counterparty returns the role on the other side of a bilateral connection
func (r Role) Counterparty() Role {
	if r == RoleCPO {
		return RoleEMSP
	}
	return RoleCPO
}

// TokenType distinguishes registration, ad-hoc and bilateral tokens
type TokenType string

const (
	TokenTypeA TokenType = "A"
	TokenTypeB TokenType = "B"
	TokenTypeC TokenType = "C"
)

// Whitelist tells a CPO how a token may be authorized
type Whitelist string

const (
	WhitelistAlways         Whitelist = "ALWAYS"
	WhitelistAllowed        Whitelist = "ALLOWED"
	WhitelistAllowedOffline Whitelist = "ALLOWED_OFFLINE"
	WhitelistNever          Whitelist = "NEVER"
)

// Valid reports whether w is one of the defined whitelist values
func (w Whitelist) Valid() bool {
	switch w {
	case WhitelistAlways, WhitelistAllowed, WhitelistAllowedOffline, WhitelistNever:
		return true
	}
	return false
}

// Token is an issued authentication token.
//
// For type C tokens, Role/CountryCode/PartyID identify the counterparty that
// presents the token. Type A tokens carry no party until they are consumed.
// Type B tokens belong to a registered party and may be scoped to the
// location given by LocationID.
type Token struct {
	UID         string     `json:"uid"`
	Type        TokenType  `json:"type"`
	Role        Role       `json:"role,omitempty"`
	CountryCode string     `json:"country_code,omitempty"`
	PartyID     string     `json:"party_id,omitempty"`
	Valid       bool       `json:"valid"`
	Whitelist   Whitelist  `json:"whitelist"`
	Used        bool       `json:"used"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LocationID  string     `json:"location_id,omitempty"`
}

// PartyKey returns the composite key of the party the token belongs to
func (t *Token) PartyKey() PartyKey {
	return PartyKey{CountryCode: t.CountryCode, PartyID: t.PartyID}
}

// Short returns the first characters of a token value for logging
func Short(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// PartyKey identifies a party by (country_code, party_id)
type PartyKey struct {
	CountryCode string `json:"country_code"`
	PartyID     string `json:"party_id"`
}

func (k PartyKey) String() string {
	return k.CountryCode + "/" + k.PartyID
}

// Image is an OCPI image reference
type Image struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// BusinessDetails describes the operator behind a party
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Logo    *Image `json:"logo,omitempty"`
}

// Credentials are exchanged by both parties during registration
type Credentials struct {
	Token           string          `json:"token"`
	URL             string          `json:"url"`
	BusinessDetails BusinessDetails `json:"business_details"`
	PartyID         string          `json:"party_id"`
	CountryCode     string          `json:"country_code"`
	Role            Role            `json:"role"`
}

// Key returns the party key of the credentials owner
func (c *Credentials) Key() PartyKey {
	return PartyKey{CountryCode: c.CountryCode, PartyID: c.PartyID}
}

// Validate checks the fields every credentials object must carry
func (c *Credentials) Validate() error {
	if c.Token == "" {
		return Validationf("credentials token is required")
	}
	if c.URL == "" {
		return Validationf("credentials url is required")
	}
	if len(c.CountryCode) != 2 {
		return Validationf("country_code must be 2 characters")
	}
	if len(c.PartyID) != 3 {
		return Validationf("party_id must be 3 characters")
	}
	if c.Role != RoleEMSP && c.Role != RoleCPO {
		return Validationf("role must be EMSP or CPO")
	}
	if c.BusinessDetails.Name == "" {
		return Validationf("business_details.name is required")
	}
	return nil
}

// Identity is the authenticated caller of a request
type Identity struct {
	Role        Role      `json:"role"`
	CountryCode string    `json:"country_code"`
	PartyID     string    `json:"party_id"`
	TokenType   TokenType `json:"token_type"`
	LocationID  string    `json:"location_id,omitempty"`
	Token       string    `json:"-"`
}

// Party returns the caller's party key
func (i *Identity) Party() PartyKey {
	return PartyKey{CountryCode: i.CountryCode, PartyID: i.PartyID}
}

// ModuleID names an OCPI module
type ModuleID string

const (
	ModuleCredentials ModuleID = "credentials"
	ModuleLocations   ModuleID = "locations"
	ModuleSessions    ModuleID = "sessions"
	ModuleCDRs        ModuleID = "cdrs"
	ModuleTariffs     ModuleID = "tariffs"
	ModuleTokens      ModuleID = "tokens"
	ModuleCommands    ModuleID = "commands"
)

// InterfaceRole is the OCPI interface role of a module endpoint
type InterfaceRole string

const (
	InterfaceSender   InterfaceRole = "SENDER"
	InterfaceReceiver InterfaceRole = "RECEIVER"
)

// VersionInfo is one entry of the versions list
type VersionInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Endpoint is one module endpoint of a version details object
type Endpoint struct {
	Identifier ModuleID      `json:"identifier"`
	Role       InterfaceRole `json:"role"`
	URL        string        `json:"url"`
}

// VersionDetails lists the endpoints of one version
type VersionDetails struct {
	Version   string     `json:"version"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Find returns the endpoint for a module and interface role
func (d *VersionDetails) Find(module ModuleID, role InterfaceRole) (Endpoint, bool) {
	for _, ep := range d.Endpoints {
		if ep.Identifier == module && (ep.Role == role || ep.Role == "") {
			return ep, true
		}
	}
	return Endpoint{}, false
}
