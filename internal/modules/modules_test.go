package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store/memory"
)

func newRegistry(t *testing.T, role ocpi.Role, max int) (*Registry, *memory.Store) {
	t.Helper()
	s := memory.New()
	return NewRegistry(role, s, Pager{MaxPageSize: max}, Hooks{}), s
}

func key(id string) ocpi.RecordKey {
	return ocpi.RecordKey{CountryCode: "NL", PartyID: "CPO", ID: id}
}

func TestDocuments_LimitTruncatedSilently(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 10)
	locations, err := reg.Module(ocpi.ModuleLocations)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		_, err := locations.CreateOrUpdate(ctx, key(fmt.Sprintf("LOC%03d", i)), json.RawMessage(`{"name":"x"}`))
		require.NoError(t, err)
	}

	res, err := locations.List(ctx, Filter{}, Page{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
	assert.Equal(t, 10, res.Limit)
	assert.Equal(t, 25, res.Total)
	require.NotNil(t, res.Next)
	assert.Equal(t, Page{Offset: 10, Limit: 10}, *res.Next)

	res, err = locations.List(ctx, Filter{}, Page{Offset: 20})
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
	assert.Nil(t, res.Next)

	_, err = locations.List(ctx, Filter{}, Page{Offset: -1})
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func TestDocuments_UpsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	locations, err := reg.Module(ocpi.ModuleLocations)
	require.NoError(t, err)

	stored, err := locations.CreateOrUpdate(ctx, key("LOC001"), json.RawMessage(`{"name":"Downtown"}`))
	require.NoError(t, err)

	got, err := locations.Get(ctx, key("LOC001"))
	require.NoError(t, err)
	assert.JSONEq(t, string(stored), string(got))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(got, &doc))
	assert.Equal(t, "LOC001", doc["id"])
	assert.Equal(t, "NL", doc["country_code"])
	assert.Equal(t, "Downtown", doc["name"])
	assert.NotEmpty(t, doc["last_updated"])

	_, err = locations.CreateOrUpdate(ctx, key("LOC001"), json.RawMessage(`{"name":"Uptown"}`))
	require.NoError(t, err)
	got, err = locations.Get(ctx, key("LOC001"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(got, &doc))
	assert.Equal(t, "Uptown", doc["name"])

	_, err = locations.Get(ctx, key("LOC404"))
	assert.ErrorIs(t, err, ocpi.ErrNotFound)
}

func TestDocuments_IdentityMismatchRejected(t *testing.T) {
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	locations, err := reg.Module(ocpi.ModuleLocations)
	require.NoError(t, err)

	_, err = locations.CreateOrUpdate(context.Background(), key("LOC001"), json.RawMessage(`{"id":"OTHER"}`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)

	_, err = locations.CreateOrUpdate(context.Background(), key("LOC001"), json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func TestDocuments_DateFilter(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	tariffs, err := reg.Module(ocpi.ModuleTariffs)
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		body := fmt.Sprintf(`{"last_updated":%q}`, base.Add(time.Duration(i)*time.Hour).Format(time.RFC3339))
		_, err := tariffs.CreateOrUpdate(ctx, key(fmt.Sprintf("T%d", i)), json.RawMessage(body))
		require.NoError(t, err)
	}

	from := base.Add(time.Hour)
	to := base.Add(3 * time.Hour)
	res, err := tariffs.List(ctx, Filter{DateFrom: &from, DateTo: &to}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	_, err = tariffs.List(ctx, Filter{DateFrom: &to, DateTo: &from}, Page{})
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func completedSession(t *testing.T, reg *Registry, id string, status ocpi.SessionStatus) {
	t.Helper()
	sessions, err := reg.Module(ocpi.ModuleSessions)
	require.NoError(t, err)
	_, err = sessions.CreateOrUpdate(context.Background(), key(id), json.RawMessage(fmt.Sprintf(`{"status":%q,"kwh":12.5}`, status)))
	require.NoError(t, err)
}

func TestCDRs_ResubmissionConflicts(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	completedSession(t, reg, "SES001", ocpi.SessionCompleted)

	cdrs, err := reg.Module(ocpi.ModuleCDRs)
	require.NoError(t, err)

	body := json.RawMessage(`{"country_code":"NL","party_id":"CPO","id":"CDR001","session_id":"SES001","total_energy":12.5}`)
	_, err = cdrs.Create(ctx, body)
	require.NoError(t, err)

	_, err = cdrs.Create(ctx, body)
	assert.ErrorIs(t, err, ocpi.ErrImmutableRecord)
	assert.Equal(t, ocpi.KindConflict, ocpi.KindOf(err))

	_, err = cdrs.CreateOrUpdate(ctx, key("CDR001"), body)
	assert.ErrorIs(t, err, ocpi.ErrImmutableRecord)
}

func TestCDRs_RequireTerminalSession(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	completedSession(t, reg, "SES-ACTIVE", ocpi.SessionActive)

	cdrs, err := reg.Module(ocpi.ModuleCDRs)
	require.NoError(t, err)

	_, err = cdrs.Create(ctx, json.RawMessage(`{"country_code":"NL","party_id":"CPO","id":"CDR1","session_id":"SES-ACTIVE"}`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)

	_, err = cdrs.Create(ctx, json.RawMessage(`{"country_code":"NL","party_id":"CPO","id":"CDR2","session_id":"SES-MISSING"}`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)

	_, err = cdrs.Create(ctx, json.RawMessage(`{"country_code":"NL","id":"CDR3"}`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func TestCDRs_HookRunsAfterCreate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	var notified []string
	reg := NewRegistry(ocpi.RoleEMSP, s, Pager{MaxPageSize: 10}, Hooks{
		CDRCreated: func(ctx context.Context, r *ocpi.Record) error {
			notified = append(notified, r.Key.ID)
			return nil
		},
	})
	completedSession(t, reg, "SES1", ocpi.SessionInvalid)

	cdrs, err := reg.Module(ocpi.ModuleCDRs)
	require.NoError(t, err)
	_, err = cdrs.Create(ctx, json.RawMessage(`{"country_code":"NL","party_id":"CPO","id":"CDR1","session_id":"SES1"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"CDR1"}, notified)
}

func TestSessions_StatusValidated(t *testing.T) {
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	sessions, err := reg.Module(ocpi.ModuleSessions)
	require.NoError(t, err)

	_, err = sessions.CreateOrUpdate(context.Background(), key("S1"), json.RawMessage(`{"status":"CHARGING"}`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)

	_, err = sessions.Create(context.Background(), json.RawMessage(`{"country_code":"NL","party_id":"CPO","id":"S1","status":"ACTIVE"}`))
	assert.ErrorIs(t, err, ocpi.ErrForbidden)
}

func TestRegistry_AccessByRole(t *testing.T) {
	emsp, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	cpo := &ocpi.Identity{Role: ocpi.RoleCPO, CountryCode: "NL", PartyID: "CPO", TokenType: ocpi.TokenTypeC}

	party, err := emsp.Authorize(ocpi.ModuleLocations, cpo, true)
	require.NoError(t, err)
	assert.Equal(t, ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"}, *party)

	_, err = emsp.Authorize(ocpi.ModuleTokens, cpo, true)
	assert.ErrorIs(t, err, ocpi.ErrForbidden)

	party, err = emsp.Authorize(ocpi.ModuleTokens, cpo, false)
	require.NoError(t, err)
	assert.Nil(t, party)

	sameRole := &ocpi.Identity{Role: ocpi.RoleEMSP, TokenType: ocpi.TokenTypeC}
	_, err = emsp.Authorize(ocpi.ModuleLocations, sameRole, false)
	assert.ErrorIs(t, err, ocpi.ErrForbidden)

	tokenA := &ocpi.Identity{TokenType: ocpi.TokenTypeA}
	_, err = emsp.Authorize(ocpi.ModuleLocations, tokenA, false)
	assert.ErrorIs(t, err, ocpi.ErrForbidden)

	cpoReg, _ := newRegistry(t, ocpi.RoleCPO, 50)
	emspCaller := &ocpi.Identity{Role: ocpi.RoleEMSP, CountryCode: "US", PartyID: "EMS", TokenType: ocpi.TokenTypeC}
	_, err = cpoReg.Authorize(ocpi.ModuleLocations, emspCaller, true)
	assert.ErrorIs(t, err, ocpi.ErrForbidden)
	_, err = cpoReg.Authorize(ocpi.ModuleCommands, emspCaller, true)
	assert.NoError(t, err)
}

func TestRegistry_TokenAuthorization(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	tokens, err := reg.Module(ocpi.ModuleTokens)
	require.NoError(t, err)

	_, err = tokens.CreateOrUpdate(ctx, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "TOKEN123"},
		json.RawMessage(`{"type":"RFID","contract_id":"C1","issuer":"EMSP","valid":true,"whitelist":"ALLOWED"}`))
	require.NoError(t, err)
	_, err = tokens.CreateOrUpdate(ctx, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "BLOCKED1"},
		json.RawMessage(`{"type":"RFID","contract_id":"C2","issuer":"EMSP","valid":false,"whitelist":"ALWAYS"}`))
	require.NoError(t, err)

	_, err = tokens.CreateOrUpdate(ctx, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "ONLINE1"},
		json.RawMessage(`{"type":"RFID","contract_id":"C3","issuer":"EMSP","valid":true,"whitelist":"NEVER"}`))
	require.NoError(t, err)

	info, err := Authorize(ctx, tokens, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "TOKEN123"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedAllowed, info.Allowed)
	assert.Equal(t, "TOKEN123", info.Token.UID)
	assert.Nil(t, info.Location)

	info, err = Authorize(ctx, tokens, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "BLOCKED1"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedBlocked, info.Allowed)

	// the whitelist travels back to the CPO untouched
	info, err = Authorize(ctx, tokens, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "ONLINE1"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedAllowed, info.Allowed)
	assert.Equal(t, ocpi.WhitelistNever, info.Token.Whitelist)

	_, err = tokens.CreateOrUpdate(ctx, ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "BAD"},
		json.RawMessage(`{"type":"RFID","whitelist":"SOMETIMES"}`))
	assert.ErrorIs(t, err, ocpi.ErrValidation)

	assert.NoError(t, reg.AuthorizeTokenCheck(&ocpi.Identity{TokenType: ocpi.TokenTypeB, Role: ocpi.RoleCPO}))
	assert.NoError(t, reg.AuthorizeTokenCheck(&ocpi.Identity{TokenType: ocpi.TokenTypeC, Role: ocpi.RoleCPO}))
	assert.ErrorIs(t, reg.AuthorizeTokenCheck(&ocpi.Identity{TokenType: ocpi.TokenTypeB, Role: ocpi.RoleEMSP}), ocpi.ErrForbidden)
	assert.ErrorIs(t, reg.AuthorizeTokenCheck(&ocpi.Identity{TokenType: ocpi.TokenTypeA}), ocpi.ErrForbidden)
}

func TestAuthorize_TokenBLocationScope(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, ocpi.RoleEMSP, 50)
	tokens, err := reg.Module(ocpi.ModuleTokens)
	require.NoError(t, err)
	key := ocpi.RecordKey{CountryCode: "US", PartyID: "EMS", ID: "TOKEN123"}
	_, err = tokens.CreateOrUpdate(ctx, key,
		json.RawMessage(`{"type":"RFID","contract_id":"C1","issuer":"EMSP","valid":true,"whitelist":"ALLOWED"}`))
	require.NoError(t, err)

	info, err := Authorize(ctx, tokens, key, nil, "LOC1")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedAllowed, info.Allowed)
	require.NotNil(t, info.Location)
	assert.Equal(t, "LOC1", info.Location.LocationID)

	info, err = Authorize(ctx, tokens, key, &ocpi.LocationReferences{LocationID: "LOC1", EVSEUIDs: []string{"CP1"}}, "LOC1")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedAllowed, info.Allowed)
	assert.Equal(t, []string{"CP1"}, info.Location.EVSEUIDs)

	info, err = Authorize(ctx, tokens, key, &ocpi.LocationReferences{LocationID: "LOC2"}, "LOC1")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedNotAllowed, info.Allowed)

	info, err = Authorize(ctx, tokens, key, &ocpi.LocationReferences{LocationID: "LOC2"}, "")
	require.NoError(t, err)
	assert.Equal(t, ocpi.AllowedAllowed, info.Allowed)
}

func TestRegistry_Endpoints(t *testing.T) {
	reg, _ := newRegistry(t, ocpi.RoleCPO, 50)
	endpoints := reg.Endpoints("http://cpo/ocpi/cpo/2.2.1")
	details := ocpi.VersionDetails{Version: ocpi.Version, Endpoints: endpoints}

	ep, ok := details.Find(ocpi.ModuleCommands, ocpi.InterfaceReceiver)
	require.True(t, ok)
	assert.Equal(t, "http://cpo/ocpi/cpo/2.2.1/commands", ep.URL)

	_, ok = details.Find(ocpi.ModuleLocations, ocpi.InterfaceReceiver)
	assert.False(t, ok)
}
