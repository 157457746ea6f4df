// Package ocpp bridges OCPP 1.6 charge points into the OCPI CPO role: charge
// point transactions become OCPI sessions and CDRs, and received OCPI commands
// are executed as OCPP calls.
package ocpp

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// Config configures the central system
type Config struct {
	Port              int
	Path              string
	HeartbeatInterval int
}

// CentralSystem manages the OCPP central system
type CentralSystem struct {
	OcppServer ocpp16.CentralSystem
	stations   store.ChargePointStore
	sessions   *Sessions
	logger     *MessageLogger
	config     Config

	mu sync.Mutex
	// starts holds remote starts by charge point until StartTransaction arrives
	starts map[string]*remoteStart
	// reservations maps OCPP reservation ids to the charge point holding them
	reservations map[int]string
}

// NewCentralSystem creates a new OCPP central system. A nil server creates
// the default OCPP 1.6 websocket server.
func NewCentralSystem(cfg Config, server ocpp16.CentralSystem, stations store.ChargePointStore, messages store.MessageLog, sessions *Sessions) *CentralSystem {
	if server == nil {
		server = ocpp16.NewCentralSystem(nil, nil)
	}
	cs := &CentralSystem{
		OcppServer:   server,
		stations:     stations,
		sessions:     sessions,
		logger:       NewMessageLogger(messages),
		config:       cfg,
		starts:       make(map[string]*remoteStart),
		reservations: make(map[int]string),
	}

	handler := &CentralSystemHandler{cs: cs}
	cs.OcppServer.SetCoreHandler(handler)
	cs.OcppServer.SetFirmwareManagementHandler(handler)

	cs.OcppServer.SetNewChargePointHandler(func(cp ocpp16.ChargePointConnection) {
		cs.handleNewChargePoint(cp.ID())
	})
	cs.OcppServer.SetChargePointDisconnectedHandler(func(cp ocpp16.ChargePointConnection) {
		cs.handleChargePointDisconnected(cp.ID())
	})

	return cs
}

// Run serves charge points until ctx is done
func (cs *CentralSystem) Run(ctx context.Context) error {
	logrus.Infof("Starting OCPP central system on port %d with path %s", cs.config.Port, cs.config.Path)
	go cs.OcppServer.Start(cs.config.Port, cs.config.Path)
	<-ctx.Done()
	return nil
}

func (cs *CentralSystem) handleNewChargePoint(id string) {
	logrus.WithField("chargePointID", id).Info("New charge point connected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Full details arrive with BootNotification
	chargePoint, err := cs.stations.GetChargePoint(ctx, id)
	if err != nil {
		chargePoint = &models.ChargePoint{
			ID:                 id,
			Vendor:             "Unknown",
			Model:              "Unknown",
			RegistrationStatus: "Pending",
		}
	}
	chargePoint.IsConnected = true

	if err := cs.stations.SaveChargePoint(ctx, chargePoint); err != nil {
		logrus.WithError(err).WithField("chargePointID", id).Error("Failed to save charge point")
	}
}

func (cs *CentralSystem) handleChargePointDisconnected(id string) {
	logrus.WithField("chargePointID", id).Info("Charge point disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cs.stations.UpdateChargePointConnection(ctx, id, false); err != nil {
		logrus.WithError(err).WithField("chargePointID", id).Error("Failed to update charge point connection status")
	}
}

func (cs *CentralSystem) expectStart(chargePointID string, rs *remoteStart) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.starts[chargePointID] = rs
}

// takeStart returns the remote start pending on a charge point for idTag
func (cs *CentralSystem) takeStart(chargePointID, idTag string) *remoteStart {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	rs, ok := cs.starts[chargePointID]
	if !ok || rs.token.UID != idTag {
		return nil
	}
	delete(cs.starts, chargePointID)
	return rs
}

func (cs *CentralSystem) dropStart(chargePointID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.starts, chargePointID)
}

func (cs *CentralSystem) holdReservation(id int, chargePointID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.reservations[id] = chargePointID
}

func (cs *CentralSystem) reservation(id int) (string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cp, ok := cs.reservations[id]
	return cp, ok
}

func (cs *CentralSystem) releaseReservation(id int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.reservations, id)
}

// CentralSystemHandler implements the OCPP handlers
type CentralSystemHandler struct {
	cs *CentralSystem
}

func timeOf(dt *types.DateTime) time.Time {
	if dt == nil {
		return time.Now()
	}
	return dt.Time
}

// OnBootNotification handles BootNotification requests
func (h *CentralSystemHandler) OnBootNotification(chargePointID string, request *core.BootNotificationRequest) (confirmation *core.BootNotificationConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"vendor":        request.ChargePointVendor,
		"model":         request.ChargePointModel,
	}).Info("Boot notification received")

	h.cs.logger.LogRequest(chargePointID, "BootNotification", request, Inbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chargePoint := &models.ChargePoint{
		ID:                 chargePointID,
		Vendor:             request.ChargePointVendor,
		Model:              request.ChargePointModel,
		SerialNumber:       request.ChargePointSerialNumber,
		FirmwareVersion:    request.FirmwareVersion,
		LastHeartbeat:      time.Now(),
		RegistrationStatus: string(core.RegistrationStatusAccepted),
		IsConnected:        true,
	}

	if err := h.cs.stations.SaveChargePoint(ctx, chargePoint); err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).Error("Failed to save charge point")
	}

	conf := core.NewBootNotificationConfirmation(
		types.NewDateTime(time.Now()),
		h.cs.config.HeartbeatInterval,
		core.RegistrationStatusAccepted,
	)

	h.cs.logger.LogResponse(chargePointID, "BootNotification", conf, Outbound)
	return conf, nil
}

// OnHeartbeat handles Heartbeat requests
func (h *CentralSystemHandler) OnHeartbeat(chargePointID string, request *core.HeartbeatRequest) (confirmation *core.HeartbeatConfirmation, err error) {
	logrus.WithField("chargePointID", chargePointID).Debug("Heartbeat received")

	h.cs.logger.LogRequest(chargePointID, "Heartbeat", request, Inbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.cs.stations.UpdateHeartbeat(ctx, chargePointID); err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).Error("Failed to update heartbeat")
	}

	conf := core.NewHeartbeatConfirmation(types.NewDateTime(time.Now()))

	h.cs.logger.LogResponse(chargePointID, "Heartbeat", conf, Outbound)
	return conf, nil
}

// OnStatusNotification handles StatusNotification requests
func (h *CentralSystemHandler) OnStatusNotification(chargePointID string, request *core.StatusNotificationRequest) (confirmation *core.StatusNotificationConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
		"status":        request.Status,
		"errorCode":     request.ErrorCode,
	}).Info("Status notification received")

	h.cs.logger.LogRequest(chargePointID, "StatusNotification", request, Inbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connector := &models.Connector{
		ID:            request.ConnectorId,
		ChargePointID: chargePointID,
		Status:        string(request.Status),
		ErrorCode:     string(request.ErrorCode),
	}

	if err := h.cs.stations.SaveConnector(ctx, connector); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"connectorId":   request.ConnectorId,
		}).Error("Failed to save connector status")
	}

	conf := core.NewStatusNotificationConfirmation()

	h.cs.logger.LogResponse(chargePointID, "StatusNotification", conf, Outbound)
	return conf, nil
}

// OnMeterValues handles MeterValues requests
func (h *CentralSystemHandler) OnMeterValues(chargePointID string, request *core.MeterValuesRequest) (confirmation *core.MeterValuesConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
	}).Debug("Meter values received")

	h.cs.logger.LogRequest(chargePointID, "MeterValues", request, Inbound)

	conf := core.NewMeterValuesConfirmation()
	defer h.cs.logger.LogResponse(chargePointID, "MeterValues", conf, Outbound)

	if request.TransactionId == nil {
		return conf, nil
	}
	register, ok := energyRegister(request.MeterValue)
	if !ok {
		return conf, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := h.cs.stations.GetTransaction(ctx, *request.TransactionId)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"transactionId": *request.TransactionId,
		}).Warn("Meter values for unknown transaction")
		return conf, nil
	}
	if err := h.cs.sessions.Progress(ctx, tx, register); err != nil {
		logrus.WithError(err).WithField("session_id", tx.SessionID).Error("Failed to update session energy")
	}
	return conf, nil
}

// energyRegister returns the last Energy.Active.Import.Register sample in Wh
func energyRegister(values []types.MeterValue) (float64, bool) {
	var (
		wh    float64
		found bool
	)
	for _, meterValue := range values {
		for _, sampled := range meterValue.SampledValue {
			if sampled.Measurand != "" && sampled.Measurand != types.MeasurandEnergyActiveImportRegister {
				continue
			}
			v, err := strconv.ParseFloat(sampled.Value, 64)
			if err != nil {
				continue
			}
			if sampled.Unit == types.UnitOfMeasureKWh {
				v *= 1000
			}
			wh, found = v, true
		}
	}
	return wh, found
}

// OnStartTransaction handles StartTransaction requests
func (h *CentralSystemHandler) OnStartTransaction(chargePointID string, request *core.StartTransactionRequest) (confirmation *core.StartTransactionConfirmation, err error) {
	log := logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
		"idTag":         request.IdTag,
	})
	log.Info("Start transaction request received")

	h.cs.logger.LogRequest(chargePointID, "StartTransaction", request, Inbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := types.AuthorizationStatusAccepted
	var token *ocpi.TokenObject
	remote := h.cs.takeStart(chargePointID, request.IdTag)
	if remote == nil {
		status, token = h.cs.sessions.Authorize(ctx, request.IdTag)
	}

	txID, err := h.cs.stations.NextTransactionID(ctx)
	if err != nil {
		return nil, err
	}
	conf := core.NewStartTransactionConfirmation(types.NewIdTagInfo(status), txID)
	defer h.cs.logger.LogResponse(chargePointID, "StartTransaction", conf, Outbound)

	if status != types.AuthorizationStatusAccepted {
		log.WithField("status", status).Warn("Transaction not authorized")
		return conf, nil
	}

	transaction := &models.Transaction{
		ID:            txID,
		SessionID:     SessionID(txID),
		ChargePointID: chargePointID,
		ConnectorID:   request.ConnectorId,
		IdTag:         request.IdTag,
		StartTime:     timeOf(request.Timestamp),
		MeterStart:    request.MeterStart,
		Status:        models.TransactionInProgress,
	}
	if err := h.cs.stations.StartTransaction(ctx, transaction); err != nil {
		log.WithError(err).Error("Failed to save transaction")
		return conf, nil
	}

	chargePoint, err := h.cs.stations.GetChargePoint(ctx, chargePointID)
	if err != nil {
		chargePoint = &models.ChargePoint{ID: chargePointID}
	}
	if _, err := h.cs.sessions.Start(ctx, transaction, chargePoint, token, remote); err != nil {
		log.WithError(err).Error("Failed to publish session")
	}
	return conf, nil
}

// OnStopTransaction handles StopTransaction requests
func (h *CentralSystemHandler) OnStopTransaction(chargePointID string, request *core.StopTransactionRequest) (confirmation *core.StopTransactionConfirmation, err error) {
	log := logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"transactionId": request.TransactionId,
	})
	log.Info("Stop transaction request received")

	h.cs.logger.LogRequest(chargePointID, "StopTransaction", request, Inbound)

	conf := core.NewStopTransactionConfirmation()
	defer h.cs.logger.LogResponse(chargePointID, "StopTransaction", conf, Outbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.cs.stations.StopTransaction(ctx, request.TransactionId, timeOf(request.Timestamp), request.MeterStop); err != nil {
		log.WithError(err).Error("Failed to update transaction")
		return conf, nil
	}
	tx, err := h.cs.stations.GetTransaction(ctx, request.TransactionId)
	if err != nil {
		log.WithError(err).Error("Failed to load transaction")
		return conf, nil
	}

	if _, err := h.cs.sessions.Stop(ctx, tx); err != nil {
		if errors.Is(err, ocpi.ErrImmutableRecord) {
			log.Warn("CDR already exists for transaction")
		} else {
			log.WithError(err).Error("Failed to complete session")
		}
	}
	return conf, nil
}

// OnAuthorize handles Authorize requests
func (h *CentralSystemHandler) OnAuthorize(chargePointID string, request *core.AuthorizeRequest) (confirmation *core.AuthorizeConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"idTag":         request.IdTag,
	}).Info("Authorize request received")

	h.cs.logger.LogRequest(chargePointID, "Authorize", request, Inbound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, _ := h.cs.sessions.Authorize(ctx, request.IdTag)
	conf := core.NewAuthorizationConfirmation(types.NewIdTagInfo(status))

	h.cs.logger.LogResponse(chargePointID, "Authorize", conf, Outbound)
	return conf, nil
}

// OnDataTransfer handles DataTransfer requests
func (h *CentralSystemHandler) OnDataTransfer(chargePointID string, request *core.DataTransferRequest) (confirmation *core.DataTransferConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"vendorId":      request.VendorId,
		"messageId":     request.MessageId,
	}).Info("Data transfer request received")

	h.cs.logger.LogRequest(chargePointID, "DataTransfer", request, Inbound)

	// No vendor extensions are supported
	conf := core.NewDataTransferConfirmation(core.DataTransferStatusRejected)

	h.cs.logger.LogResponse(chargePointID, "DataTransfer", conf, Outbound)
	return conf, nil
}

// OnDiagnosticsStatusNotification handles DiagnosticsStatusNotification requests
func (h *CentralSystemHandler) OnDiagnosticsStatusNotification(chargePointID string, request *firmware.DiagnosticsStatusNotificationRequest) (confirmation *firmware.DiagnosticsStatusNotificationConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"status":        request.Status,
	}).Info("Diagnostics status notification received")

	h.cs.logger.LogRequest(chargePointID, "DiagnosticsStatusNotification", request, Inbound)
	conf := firmware.NewDiagnosticsStatusNotificationConfirmation()
	h.cs.logger.LogResponse(chargePointID, "DiagnosticsStatusNotification", conf, Outbound)
	return conf, nil
}

// OnFirmwareStatusNotification handles FirmwareStatusNotification requests
func (h *CentralSystemHandler) OnFirmwareStatusNotification(chargePointID string, request *firmware.FirmwareStatusNotificationRequest) (confirmation *firmware.FirmwareStatusNotificationConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"status":        request.Status,
	}).Info("Firmware status notification received")

	h.cs.logger.LogRequest(chargePointID, "FirmwareStatusNotification", request, Inbound)
	conf := firmware.NewFirmwareStatusNotificationConfirmation()
	h.cs.logger.LogResponse(chargePointID, "FirmwareStatusNotification", conf, Outbound)
	return conf, nil
}
