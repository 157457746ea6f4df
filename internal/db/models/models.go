package models

import (
	"time"
)

// ChargePoint is an OCPP charge point. Its identity doubles as the OCPI
// EVSE uid it serves.
type ChargePoint struct {
	ID                 string    `json:"id"`
	LocationID         string    `json:"locationId"`
	Vendor             string    `json:"vendor"`
	Model              string    `json:"model"`
	SerialNumber       string    `json:"serialNumber"`
	FirmwareVersion    string    `json:"firmwareVersion"`
	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	RegistrationStatus string    `json:"registrationStatus"`
	IsConnected        bool      `json:"isConnected"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Connector is one plug of a charge point, as last reported by StatusNotification
type Connector struct {
	ID            int       `json:"id"`
	ChargePointID string    `json:"chargePointId"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"errorCode"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transaction links an OCPP transaction to the OCPI session it produced
type Transaction struct {
	ID            int       `json:"id"`
	SessionID     string    `json:"sessionId"`
	ChargePointID string    `json:"chargePointId"`
	ConnectorID   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime,omitempty"`
	MeterStart    int       `json:"meterStart"`
	MeterStop     int       `json:"meterStop,omitempty"`
	Status        string    `json:"status"` // InProgress, Completed
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transaction statuses
const (
	TransactionInProgress = "InProgress"
	TransactionCompleted  = "Completed"
)

// OCPPMessage is a logged OCPP frame
type OCPPMessage struct {
	ID            int       `json:"id"`
	ChargePointID string    `json:"chargePointId"`
	MessageType   string    `json:"messageType"` // Request or Response
	Action        string    `json:"action"`
	RequestID     string    `json:"requestId"`
	Payload       string    `json:"payload"`
	Direction     string    `json:"direction"` // Inbound or Outbound
	Timestamp     time.Time `json:"timestamp"`
}
