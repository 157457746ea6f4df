package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpi/internal/commands"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/modules"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store/memory"
)

var self = ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"}

// fakeController answers every call immediately with the configured status
type fakeController struct {
	mu          sync.Mutex
	startStatus types.RemoteStartStopStatus
	reserve     reservation.ReservationStatus
	unlock      core.UnlockStatus
	sendErr     error

	idTags     []string
	connectors []int
	stopped    []int
	cancelled  []int
}

func (f *fakeController) RemoteStartTransaction(clientId string, callback func(*core.RemoteStartTransactionConfirmation, error), idTag string, props ...func(request *core.RemoteStartTransactionRequest)) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	req := core.NewRemoteStartTransactionRequest(idTag)
	for _, p := range props {
		p(req)
	}
	f.mu.Lock()
	f.idTags = append(f.idTags, idTag)
	if req.ConnectorId != nil {
		f.connectors = append(f.connectors, *req.ConnectorId)
	}
	f.mu.Unlock()
	callback(core.NewRemoteStartTransactionConfirmation(f.startStatus), nil)
	return nil
}

func (f *fakeController) RemoteStopTransaction(clientId string, callback func(*core.RemoteStopTransactionConfirmation, error), transactionId int, props ...func(request *core.RemoteStopTransactionRequest)) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, transactionId)
	f.mu.Unlock()
	callback(core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil)
	return nil
}

func (f *fakeController) UnlockConnector(clientId string, callback func(*core.UnlockConnectorConfirmation, error), connectorId int, props ...func(request *core.UnlockConnectorRequest)) error {
	callback(core.NewUnlockConnectorConfirmation(f.unlock), nil)
	return nil
}

func (f *fakeController) ReserveNow(clientId string, callback func(*reservation.ReserveNowConfirmation, error), connectorId int, expiryDate *types.DateTime, idTag string, reservationId int, props ...func(request *reservation.ReserveNowRequest)) error {
	callback(reservation.NewReserveNowConfirmation(f.reserve), nil)
	return nil
}

func (f *fakeController) CancelReservation(clientId string, callback func(*reservation.CancelReservationConfirmation, error), reservationId int, props ...func(request *reservation.CancelReservationRequest)) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, reservationId)
	f.mu.Unlock()
	callback(reservation.NewCancelReservationConfirmation(reservation.CancelReservationStatusAccepted), nil)
	return nil
}

type chanReplier chan ocpi.CommandResult

func (c chanReplier) Reply(ctx context.Context, cmd *commands.Received, result ocpi.CommandResult) error {
	c <- result
	return nil
}

func (c chanReplier) next(t *testing.T) ocpi.CommandResult {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(time.Second):
		t.Fatal("no command result was replied")
		return ocpi.CommandResult{}
	}
}

type fixture struct {
	store    *memory.Store
	registry *modules.Registry
	cs       *CentralSystem
	handler  *CentralSystemHandler
	ctrl     *fakeController
	replies  chanReplier
	exec     *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	reg := modules.NewRegistry(ocpi.RoleCPO, s, modules.Pager{MaxPageSize: 2}, modules.Hooks{})
	sessions, err := NewSessions(self, "EUR", reg)
	require.NoError(t, err)

	cs := NewCentralSystem(Config{Port: 0, Path: "/ocpp", HeartbeatInterval: 60}, nil, s, s, sessions)
	ctrl := &fakeController{
		startStatus: types.RemoteStartStopStatusAccepted,
		reserve:     reservation.ReservationStatusAccepted,
		unlock:      core.UnlockStatusUnlocked,
	}
	replies := make(chanReplier, 4)

	require.NoError(t, s.SaveChargePoint(context.Background(), &models.ChargePoint{
		ID: "CP1", LocationID: "LOC1", IsConnected: true,
	}))

	return &fixture{
		store:    s,
		registry: reg,
		cs:       cs,
		handler:  &CentralSystemHandler{cs: cs},
		ctrl:     ctrl,
		replies:  replies,
		exec:     newExecutor(ctrl, cs, replies),
	}
}

func (f *fixture) pushToken(t *testing.T, uid string, valid bool) {
	t.Helper()
	tokens, err := f.registry.Module(ocpi.ModuleTokens)
	require.NoError(t, err)
	doc, err := json.Marshal(ocpi.TokenObject{
		CountryCode: "DE", PartyID: "EMS", UID: uid, Type: "RFID",
		ContractID: "DE-EMS-C1", Valid: valid, Whitelist: ocpi.WhitelistAllowed,
	})
	require.NoError(t, err)
	_, err = tokens.CreateOrUpdate(context.Background(), ocpi.RecordKey{CountryCode: "DE", PartyID: "EMS", ID: uid}, doc)
	require.NoError(t, err)
}

func (f *fixture) session(t *testing.T, id string) ocpi.Session {
	t.Helper()
	r, err := f.store.GetRecord(context.Background(), ocpi.ModuleSessions, ocpi.RecordKey{CountryCode: "NL", PartyID: "CPO", ID: id})
	require.NoError(t, err)
	var s ocpi.Session
	require.NoError(t, r.Decode(&s))
	return s
}

func received(t ocpi.CommandType, req ocpi.CommandRequest) *commands.Received {
	req.ResponseURL = "http://emsp/ocpi/emsp/2.2.1/commands/" + string(t) + "/cmd-1"
	return &commands.Received{ID: "cmd-1", Type: t, Request: req, Issuer: ocpi.PartyKey{CountryCode: "DE", PartyID: "EMS"}}
}

func TestExecutor_StartSessionToCDR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd := received(ocpi.CommandStartSession, ocpi.CommandRequest{
		Token:         &ocpi.CommandToken{CountryCode: "DE", PartyID: "EMS", UID: "TOKEN123", Type: "APP_USER", ContractID: "DE-EMS-C1"},
		CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "CP1", ConnectorID: "1"},
	})
	resp, err := f.exec.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseAccepted, resp.Result)
	assert.Equal(t, []string{"TOKEN123"}, f.ctrl.idTags)
	assert.Equal(t, []int{1}, f.ctrl.connectors)
	assert.Equal(t, ocpi.ResultAccepted, f.replies.next(t).Result)

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	conf, err := f.handler.OnStartTransaction("CP1", &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TOKEN123",
		MeterStart:  1000,
		Timestamp:   types.NewDateTime(start),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, conf.IdTagInfo.Status)
	sessionID := SessionID(conf.TransactionId)

	session := f.session(t, sessionID)
	assert.Equal(t, ocpi.SessionActive, session.Status)
	assert.Equal(t, AuthCommand, session.AuthMethod)
	assert.Equal(t, "cmd-1", session.AuthorizationReference)
	assert.Equal(t, "DE", session.CdrToken.CountryCode)
	assert.Equal(t, "LOC1", session.LocationID)
	assert.Equal(t, "CP1", session.EvseUID)

	txID := conf.TransactionId
	_, err = f.handler.OnMeterValues("CP1", &core.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &txID,
		MeterValue: []types.MeterValue{{
			Timestamp: types.NewDateTime(start.Add(30 * time.Minute)),
			SampledValue: []types.SampledValue{
				{Value: "5000", Measurand: types.MeasurandEnergyActiveImportRegister, Unit: types.UnitOfMeasureWh},
			},
		}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, f.session(t, sessionID).KWh, 0.001)

	_, err = f.handler.OnStopTransaction("CP1", &core.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     11000,
		Timestamp:     types.NewDateTime(start.Add(time.Hour)),
	})
	require.NoError(t, err)

	session = f.session(t, sessionID)
	assert.Equal(t, ocpi.SessionCompleted, session.Status)
	assert.InDelta(t, 10.0, session.KWh, 0.001)

	r, err := f.store.GetRecord(ctx, ocpi.ModuleCDRs, ocpi.RecordKey{CountryCode: "NL", PartyID: "CPO", ID: sessionID})
	require.NoError(t, err)
	var cdr ocpi.CDR
	require.NoError(t, r.Decode(&cdr))
	assert.Equal(t, sessionID, cdr.SessionID)
	assert.InDelta(t, 10.0, cdr.TotalEnergy, 0.001)
	assert.InDelta(t, 1.0, cdr.TotalTime, 0.001)
	assert.Equal(t, "CP1", cdr.CdrLocation.EvseUID)

	// the transaction is over, so stopping it again finds no session
	resp, err = f.exec.Execute(ctx, received(ocpi.CommandStopSession, ocpi.CommandRequest{
		CommandTarget: ocpi.CommandTarget{SessionID: sessionID},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseUnknownSession, resp.Result)
}

func TestExecutor_StopSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pushToken(t, "RFID1", true)

	conf, err := f.handler.OnStartTransaction("CP1", &core.StartTransactionRequest{ConnectorId: 2, IdTag: "RFID1", MeterStart: 0})
	require.NoError(t, err)
	assert.Equal(t, AuthRequest, f.session(t, SessionID(conf.TransactionId)).AuthMethod)

	resp, err := f.exec.Execute(ctx, received(ocpi.CommandStopSession, ocpi.CommandRequest{
		CommandTarget: ocpi.CommandTarget{SessionID: SessionID(conf.TransactionId)},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseAccepted, resp.Result)
	assert.Equal(t, []int{conf.TransactionId}, f.ctrl.stopped)
	assert.Equal(t, ocpi.ResultAccepted, f.replies.next(t).Result)
}

func TestExecutor_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveChargePoint(ctx, &models.ChargePoint{ID: "CP2", LocationID: "LOC1"}))

	token := &ocpi.CommandToken{UID: "TOKEN123", Type: "RFID"}
	tests := []struct {
		name   string
		t      ocpi.CommandType
		req    ocpi.CommandRequest
		result ocpi.CommandResponseType
	}{
		{"unknown evse", ocpi.CommandStartSession, ocpi.CommandRequest{Token: token, CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "NOPE"}}, ocpi.ResponseRejected},
		{"missing evse", ocpi.CommandStartSession, ocpi.CommandRequest{Token: token, CommandTarget: ocpi.CommandTarget{LocationID: "LOC1"}}, ocpi.ResponseRejected},
		{"wrong location", ocpi.CommandStartSession, ocpi.CommandRequest{Token: token, CommandTarget: ocpi.CommandTarget{LocationID: "LOC9", EvseUID: "CP1"}}, ocpi.ResponseRejected},
		{"offline", ocpi.CommandStartSession, ocpi.CommandRequest{Token: token, CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "CP2"}}, ocpi.ResponseRejected},
		{"bad connector", ocpi.CommandUnlockConnector, ocpi.CommandRequest{CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "CP1", ConnectorID: "A"}}, ocpi.ResponseRejected},
		{"unknown session", ocpi.CommandStopSession, ocpi.CommandRequest{CommandTarget: ocpi.CommandTarget{SessionID: "999"}}, ocpi.ResponseUnknownSession},
		{"foreign session id", ocpi.CommandStopSession, ocpi.CommandRequest{CommandTarget: ocpi.CommandTarget{SessionID: "SES-X"}}, ocpi.ResponseUnknownSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.exec.Execute(ctx, received(tt.t, tt.req))
			require.NoError(t, err)
			assert.Equal(t, tt.result, resp.Result)
			assert.NotEmpty(t, resp.Message)
		})
	}
	assert.Empty(t, f.ctrl.idTags)
}

func TestExecutor_UnreachableChargePoint(t *testing.T) {
	f := newFixture(t)
	f.ctrl.sendErr = errors.New("client not connected")

	resp, err := f.exec.Execute(context.Background(), received(ocpi.CommandStartSession, ocpi.CommandRequest{
		Token:         &ocpi.CommandToken{UID: "TOKEN123", Type: "RFID"},
		CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "CP1"},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseRejected, resp.Result)
	assert.Nil(t, f.cs.takeStart("CP1", "TOKEN123"))
}

func TestExecutor_ReserveAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)

	resp, err := f.exec.Execute(ctx, received(ocpi.CommandReserveNow, ocpi.CommandRequest{
		Token:         &ocpi.CommandToken{UID: "TOKEN123", Type: "RFID"},
		ExpiryDate:    &expiry,
		CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "CP1", ReservationID: "42"},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseAccepted, resp.Result)
	assert.Equal(t, ocpi.ResultAccepted, f.replies.next(t).Result)

	resp, err = f.exec.Execute(ctx, received(ocpi.CommandCancelReservation, ocpi.CommandRequest{
		CommandTarget: ocpi.CommandTarget{ReservationID: "42"},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseAccepted, resp.Result)
	assert.Equal(t, ocpi.ResultCanceledReservation, f.replies.next(t).Result)
	assert.Equal(t, []int{42}, f.ctrl.cancelled)

	// the reservation is gone
	_, err = f.exec.Execute(ctx, received(ocpi.CommandCancelReservation, ocpi.CommandRequest{
		CommandTarget: ocpi.CommandTarget{ReservationID: "42"},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResultUnknownReservation, f.replies.next(t).Result)
}

func TestExecutor_UnlockConnector(t *testing.T) {
	f := newFixture(t)
	f.ctrl.unlock = core.UnlockStatusUnlockFailed

	resp, err := f.exec.Execute(context.Background(), received(ocpi.CommandUnlockConnector, ocpi.CommandRequest{
		CommandTarget: ocpi.CommandTarget{LocationID: "LOC1", EvseUID: "CP1", ConnectorID: "1"},
	}))
	require.NoError(t, err)
	assert.Equal(t, ocpi.ResponseAccepted, resp.Result)
	assert.Equal(t, ocpi.ResultFailed, f.replies.next(t).Result)
}

func TestResultMapping(t *testing.T) {
	assert.Equal(t, ocpi.ResultEVSEOccupied, reserveResult(reservation.NewReserveNowConfirmation(reservation.ReservationStatusOccupied), nil))
	assert.Equal(t, ocpi.ResultEVSEInoperative, reserveResult(reservation.NewReserveNowConfirmation(reservation.ReservationStatusFaulted), nil))
	assert.Equal(t, ocpi.ResultRejected, reserveResult(reservation.NewReserveNowConfirmation(reservation.ReservationStatusRejected), nil))
	assert.Equal(t, ocpi.ResultFailed, reserveResult(nil, errors.New("timeout")))

	assert.Equal(t, ocpi.ResultNotSupported, unlockResult(core.NewUnlockConnectorConfirmation(core.UnlockStatusNotSupported), nil))
	assert.Equal(t, ocpi.ResultUnknownReservation, cancelResult(reservation.NewCancelReservationConfirmation(reservation.CancelReservationStatusRejected), nil))
	assert.Equal(t, ocpi.ResultRejected, startStopResult(core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil))
	assert.Equal(t, ocpi.ResultFailed, startStopResult(nil, errors.New("timeout")))
}

func TestHandler_AuthorizeAgainstPushedTokens(t *testing.T) {
	f := newFixture(t)
	// page size 2 forces the lookup across pages
	f.pushToken(t, "A", true)
	f.pushToken(t, "B", true)
	f.pushToken(t, "BLOCKED", false)

	tests := map[string]types.AuthorizationStatus{
		"A":       types.AuthorizationStatusAccepted,
		"BLOCKED": types.AuthorizationStatusBlocked,
		"UNKNOWN": types.AuthorizationStatusInvalid,
	}
	for idTag, want := range tests {
		conf, err := f.handler.OnAuthorize("CP1", &core.AuthorizeRequest{IdTag: idTag})
		require.NoError(t, err)
		assert.Equal(t, want, conf.IdTagInfo.Status, idTag)
	}
}

func TestHandler_UnauthorizedStartCreatesNoSession(t *testing.T) {
	f := newFixture(t)

	conf, err := f.handler.OnStartTransaction("CP1", &core.StartTransactionRequest{ConnectorId: 1, IdTag: "STRANGER"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusInvalid, conf.IdTagInfo.Status)

	_, err = f.store.GetRecord(context.Background(), ocpi.ModuleSessions, ocpi.RecordKey{CountryCode: "NL", PartyID: "CPO", ID: SessionID(conf.TransactionId)})
	assert.ErrorIs(t, err, ocpi.ErrNotFound)
}

func TestHandler_BootAndStatusAreLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.handler.OnBootNotification("CP3", core.NewBootNotificationRequest("Model", "Vendor"))
	require.NoError(t, err)
	cp, err := f.store.GetChargePoint(ctx, "CP3")
	require.NoError(t, err)
	assert.Equal(t, "Vendor", cp.Vendor)
	assert.True(t, cp.IsConnected)

	_, err = f.handler.OnStatusNotification("CP3", core.NewStatusNotificationRequest(1, core.NoError, core.ChargePointStatusAvailable))
	require.NoError(t, err)

	f.cs.handleChargePointDisconnected("CP3")
	cp, err = f.store.GetChargePoint(ctx, "CP3")
	require.NoError(t, err)
	assert.False(t, cp.IsConnected)

	var actions []string
	for _, m := range f.store.Messages() {
		actions = append(actions, m.Action+"/"+m.MessageType)
	}
	assert.Equal(t, []string{
		"BootNotification/Request", "BootNotification/Response",
		"StatusNotification/Request", "StatusNotification/Response",
	}, actions)
}

func TestEnergyRegister(t *testing.T) {
	wh, ok := energyRegister([]types.MeterValue{{SampledValue: []types.SampledValue{
		{Value: "230", Measurand: types.MeasurandVoltage},
		{Value: "2.5", Unit: types.UnitOfMeasureKWh},
	}}})
	require.True(t, ok)
	assert.InDelta(t, 2500.0, wh, 0.001)

	_, ok = energyRegister(nil)
	assert.False(t, ok)
}
