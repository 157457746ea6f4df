package ocpp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/commands"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Controller is the part of the OCPP central system that sends calls to
// charge points. Confirmations arrive asynchronously through the callbacks.
type Controller interface {
	RemoteStartTransaction(clientId string, callback func(*core.RemoteStartTransactionConfirmation, error), idTag string, props ...func(request *core.RemoteStartTransactionRequest)) error
	RemoteStopTransaction(clientId string, callback func(*core.RemoteStopTransactionConfirmation, error), transactionId int, props ...func(request *core.RemoteStopTransactionRequest)) error
	UnlockConnector(clientId string, callback func(*core.UnlockConnectorConfirmation, error), connectorId int, props ...func(request *core.UnlockConnectorRequest)) error
	ReserveNow(clientId string, callback func(*reservation.ReserveNowConfirmation, error), connectorId int, expiryDate *types.DateTime, idTag string, reservationId int, props ...func(request *reservation.ReserveNowRequest)) error
	CancelReservation(clientId string, callback func(*reservation.CancelReservationConfirmation, error), reservationId int, props ...func(request *reservation.CancelReservationRequest)) error
}

// Replier reports a command result to its issuer
type Replier interface {
	Reply(ctx context.Context, cmd *commands.Received, result ocpi.CommandResult) error
}

// rejection is a command refused before reaching a charge point
type rejection struct {
	result ocpi.CommandResponseType
	msg    string
}

func (r *rejection) Error() string { return r.msg }

func reject(format string, args ...interface{}) error {
	return &rejection{result: ocpi.ResponseRejected, msg: fmt.Sprintf(format, args...)}
}

func unknownSession(id string) error {
	return &rejection{result: ocpi.ResponseUnknownSession, msg: "unknown session " + id}
}

// Executor carries out received OCPI commands on OCPP charge points
type Executor struct {
	ctrl    Controller
	cs      *CentralSystem
	replier Replier
	// replyTimeout bounds result delivery, retries included
	replyTimeout time.Duration
	log          *logrus.Entry
}

// Executor returns a command executor driving this central system's charge points
func (cs *CentralSystem) Executor(replier Replier) *Executor {
	return newExecutor(cs.OcppServer, cs, replier)
}

func newExecutor(ctrl Controller, cs *CentralSystem, replier Replier) *Executor {
	return &Executor{
		ctrl:         ctrl,
		cs:           cs,
		replier:      replier,
		replyTimeout: time.Minute,
		log:          logrus.WithField("component", "ocpp-executor"),
	}
}

// Execute forwards cmd to the charge point it targets. ACCEPTED means the
// call was sent; the charge point's confirmation is replied later.
func (e *Executor) Execute(ctx context.Context, cmd *commands.Received) (*ocpi.CommandResponse, error) {
	var err error
	switch cmd.Type {
	case ocpi.CommandStartSession:
		err = e.startSession(ctx, cmd)
	case ocpi.CommandStopSession:
		err = e.stopSession(ctx, cmd)
	case ocpi.CommandReserveNow:
		err = e.reserveNow(ctx, cmd)
	case ocpi.CommandCancelReservation:
		err = e.cancelReservation(ctx, cmd)
	case ocpi.CommandUnlockConnector:
		err = e.unlockConnector(ctx, cmd)
	default:
		return &ocpi.CommandResponse{Result: ocpi.ResponseNotSupported}, nil
	}

	var rej *rejection
	if errors.As(err, &rej) {
		e.log.WithFields(logrus.Fields{
			"command_id": cmd.ID,
			"type":       cmd.Type,
			"result":     rej.result,
		}).Info(rej.msg)
		return &ocpi.CommandResponse{
			Result:  rej.result,
			Message: []ocpi.DisplayText{{Language: "en", Text: rej.msg}},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ocpi.CommandResponse{Result: ocpi.ResponseAccepted}, nil
}

// chargePoint resolves the connected charge point serving an EVSE
func (e *Executor) chargePoint(ctx context.Context, locationID, evseUID string) (*models.ChargePoint, error) {
	if evseUID == "" {
		return nil, reject("evse_uid is required to reach a charge point")
	}
	cp, err := e.cs.stations.GetChargePoint(ctx, evseUID)
	if errors.Is(err, ocpi.ErrNotFound) {
		return nil, reject("unknown EVSE %s", evseUID)
	}
	if err != nil {
		return nil, err
	}
	if cp.LocationID != "" && locationID != "" && cp.LocationID != locationID {
		return nil, reject("EVSE %s is not at location %s", evseUID, locationID)
	}
	if !cp.IsConnected {
		return nil, reject("EVSE %s is offline", evseUID)
	}
	return cp, nil
}

func connectorNumber(id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return 0, reject("connector_id %q is not an OCPP connector number", id)
	}
	return n, nil
}

func (e *Executor) startSession(ctx context.Context, cmd *commands.Received) error {
	req := cmd.Request
	cp, err := e.chargePoint(ctx, req.LocationID, req.EvseUID)
	if err != nil {
		return err
	}
	connector, err := connectorNumber(req.ConnectorID)
	if err != nil {
		return err
	}

	var props []func(*core.RemoteStartTransactionRequest)
	if connector > 0 {
		props = append(props, func(r *core.RemoteStartTransactionRequest) { r.ConnectorId = &connector })
	}

	e.cs.expectStart(cp.ID, &remoteStart{token: *req.Token, reference: cmd.ID})
	err = e.ctrl.RemoteStartTransaction(cp.ID, func(conf *core.RemoteStartTransactionConfirmation, err error) {
		result := startStopResult(conf, err)
		if result != ocpi.ResultAccepted {
			e.cs.dropStart(cp.ID)
		}
		go e.reply(cmd, result)
	}, req.Token.UID, props...)
	if err != nil {
		e.cs.dropStart(cp.ID)
		return reject("charge point %s unreachable: %v", cp.ID, err)
	}
	return nil
}

func (e *Executor) stopSession(ctx context.Context, cmd *commands.Received) error {
	id := cmd.Request.SessionID
	txID, err := strconv.Atoi(id)
	if err != nil {
		return unknownSession(id)
	}
	tx, err := e.cs.stations.GetTransaction(ctx, txID)
	if errors.Is(err, ocpi.ErrNotFound) {
		return unknownSession(id)
	}
	if err != nil {
		return err
	}
	if tx.Status != models.TransactionInProgress {
		return unknownSession(id)
	}

	err = e.ctrl.RemoteStopTransaction(tx.ChargePointID, func(conf *core.RemoteStopTransactionConfirmation, err error) {
		var status *types.RemoteStartStopStatus
		if conf != nil {
			status = &conf.Status
		}
		go e.reply(cmd, remoteStatusResult(status, err))
	}, tx.ID)
	if err != nil {
		return reject("charge point %s unreachable: %v", tx.ChargePointID, err)
	}
	return nil
}

func (e *Executor) reserveNow(ctx context.Context, cmd *commands.Received) error {
	req := cmd.Request
	cp, err := e.chargePoint(ctx, req.LocationID, req.EvseUID)
	if err != nil {
		return err
	}
	connector, err := connectorNumber(req.ConnectorID)
	if err != nil {
		return err
	}
	reservationID, err := strconv.Atoi(req.ReservationID)
	if err != nil {
		return reject("reservation_id %q is not an OCPP reservation id", req.ReservationID)
	}

	expiry := types.NewDateTime(*req.ExpiryDate)
	err = e.ctrl.ReserveNow(cp.ID, func(conf *reservation.ReserveNowConfirmation, err error) {
		result := reserveResult(conf, err)
		if result == ocpi.ResultAccepted {
			e.cs.holdReservation(reservationID, cp.ID)
		}
		go e.reply(cmd, result)
	}, connector, expiry, req.Token.UID, reservationID)
	if err != nil {
		return reject("charge point %s unreachable: %v", cp.ID, err)
	}
	return nil
}

func (e *Executor) cancelReservation(ctx context.Context, cmd *commands.Received) error {
	reservationID, err := strconv.Atoi(cmd.Request.ReservationID)
	if err != nil {
		go e.reply(cmd, ocpi.ResultUnknownReservation)
		return nil
	}
	cpID, ok := e.cs.reservation(reservationID)
	if !ok {
		go e.reply(cmd, ocpi.ResultUnknownReservation)
		return nil
	}

	err = e.ctrl.CancelReservation(cpID, func(conf *reservation.CancelReservationConfirmation, err error) {
		result := cancelResult(conf, err)
		if result == ocpi.ResultCanceledReservation {
			e.cs.releaseReservation(reservationID)
		}
		go e.reply(cmd, result)
	}, reservationID)
	if err != nil {
		return reject("charge point %s unreachable: %v", cpID, err)
	}
	return nil
}

func (e *Executor) unlockConnector(ctx context.Context, cmd *commands.Received) error {
	req := cmd.Request
	cp, err := e.chargePoint(ctx, req.LocationID, req.EvseUID)
	if err != nil {
		return err
	}
	connector, err := connectorNumber(req.ConnectorID)
	if err != nil {
		return err
	}
	if connector == 0 {
		return reject("connector 0 cannot be unlocked")
	}

	err = e.ctrl.UnlockConnector(cp.ID, func(conf *core.UnlockConnectorConfirmation, err error) {
		go e.reply(cmd, unlockResult(conf, err))
	}, connector)
	if err != nil {
		return reject("charge point %s unreachable: %v", cp.ID, err)
	}
	return nil
}

func (e *Executor) reply(cmd *commands.Received, result ocpi.CommandResultType) {
	ctx, cancel := context.WithTimeout(context.Background(), e.replyTimeout)
	defer cancel()

	if err := e.replier.Reply(ctx, cmd, ocpi.CommandResult{Result: result}); err != nil {
		e.log.WithError(err).WithField("command_id", cmd.ID).Error("Failed to report command result")
	}
}

func startStopResult(conf *core.RemoteStartTransactionConfirmation, err error) ocpi.CommandResultType {
	var status *types.RemoteStartStopStatus
	if conf != nil {
		status = &conf.Status
	}
	return remoteStatusResult(status, err)
}

func remoteStatusResult(status *types.RemoteStartStopStatus, err error) ocpi.CommandResultType {
	switch {
	case err != nil || status == nil:
		return ocpi.ResultFailed
	case *status == types.RemoteStartStopStatusAccepted:
		return ocpi.ResultAccepted
	}
	return ocpi.ResultRejected
}

func reserveResult(conf *reservation.ReserveNowConfirmation, err error) ocpi.CommandResultType {
	if err != nil || conf == nil {
		return ocpi.ResultFailed
	}
	switch conf.Status {
	case reservation.ReservationStatusAccepted:
		return ocpi.ResultAccepted
	case reservation.ReservationStatusOccupied:
		return ocpi.ResultEVSEOccupied
	case reservation.ReservationStatusFaulted, reservation.ReservationStatusUnavailable:
		return ocpi.ResultEVSEInoperative
	}
	return ocpi.ResultRejected
}

func cancelResult(conf *reservation.CancelReservationConfirmation, err error) ocpi.CommandResultType {
	if err != nil || conf == nil {
		return ocpi.ResultFailed
	}
	if conf.Status == reservation.CancelReservationStatusAccepted {
		return ocpi.ResultCanceledReservation
	}
	return ocpi.ResultUnknownReservation
}

func unlockResult(conf *core.UnlockConnectorConfirmation, err error) ocpi.CommandResultType {
	if err != nil || conf == nil {
		return ocpi.ResultFailed
	}
	switch conf.Status {
	case core.UnlockStatusUnlocked:
		return ocpi.ResultAccepted
	case core.UnlockStatusNotSupported:
		return ocpi.ResultNotSupported
	}
	return ocpi.ResultFailed
}
