package ocpp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// Message directions
const (
	Inbound  = "Inbound"
	Outbound = "Outbound"
)

// MessageLogger writes OCPP frames to the message log
type MessageLogger struct {
	log store.MessageLog
}

// NewMessageLogger creates a logger backed by log. A nil log discards frames.
func NewMessageLogger(log store.MessageLog) *MessageLogger {
	return &MessageLogger{log: log}
}

// LogRequest logs an OCPP request
func (l *MessageLogger) LogRequest(chargePointID, action string, payload interface{}, direction string) {
	l.logMessage(chargePointID, "Request", action, payload, direction)
}

// LogResponse logs an OCPP response
func (l *MessageLogger) LogResponse(chargePointID, action string, payload interface{}, direction string) {
	l.logMessage(chargePointID, "Response", action, payload, direction)
}

func (l *MessageLogger) logMessage(chargePointID, messageType, action string, payload interface{}, direction string) {
	if l.log == nil {
		return
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal OCPP message payload")
		payloadJSON = []byte("{}")
	}

	msg := &models.OCPPMessage{
		ChargePointID: chargePointID,
		MessageType:   messageType,
		Action:        action,
		Payload:       string(payloadJSON),
		Direction:     direction,
		Timestamp:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.log.LogOCPPMessage(ctx, msg); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"action":        action,
		}).Error("Failed to log OCPP message")
	}
}
