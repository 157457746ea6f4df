// Package handlers implements the OCPI and operator HTTP endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/auth"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/service"
)

// maxBodySize bounds request bodies
const maxBodySize = 1 << 20

// Handler handles API requests
type Handler struct {
	party *service.Party
}

// NewHandler creates a new API handler
func NewHandler(party *service.Party) *Handler {
	return &Handler{
		party: party,
	}
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"role":   string(h.party.Config.Role),
	})
}

// GetVersions lists the supported OCPI versions
func (h *Handler) GetVersions(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r, ocpi.TokenTypeA, ocpi.TokenTypeC); err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, h.party.Versions())
}

// GetVersionDetails lists our module endpoints
func (h *Handler) GetVersionDetails(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r, ocpi.TokenTypeA, ocpi.TokenTypeC); err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, h.party.VersionDetails())
}

// caller returns the authenticated caller if it presented one of types
func caller(r *http.Request, types ...ocpi.TokenType) (*ocpi.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, ocpi.ErrInvalidToken
	}
	if err := auth.Require(id, types...); err != nil {
		return nil, err
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ocpi.Validationf("invalid request body: %v", err)
	}
	return nil
}

func sendData(w http.ResponseWriter, data interface{}) {
	sendResponse(w, http.StatusOK, ocpi.Success(data))
}

func sendResponse(w http.ResponseWriter, status int, response ocpi.Response) {
	sendJSON(w, status, response)
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

// SendError renders err as an OCPI error envelope
func SendError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := ocpi.HTTPStatus(err)

	log := logrus.WithError(err).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
		message = "internal server error"
	} else {
		log.Debug("Request rejected")
	}

	sendResponse(w, status, ocpi.Failure(code, message, nil))
}
