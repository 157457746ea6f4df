package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// GetCredentials returns our credentials as seen by the caller
func (h *Handler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r, ocpi.TokenTypeC)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, h.party.Credentials.Own(id.Token))
}

// PostCredentials registers the caller, consuming its Token A
func (h *Handler) PostCredentials(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r, ocpi.TokenTypeA)
	if err != nil {
		SendError(w, r, err)
		return
	}

	var theirs ocpi.Credentials
	if err := decodeBody(w, r, &theirs); err != nil {
		SendError(w, r, err)
		return
	}

	ours, err := h.party.Credentials.InitiateRegistration(r.Context(), id.Token, &theirs)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, ours)
}

// PutCredentials rotates the caller's Token C. The old token stays valid
// until the response carrying the new one has been written.
func (h *Handler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r, ocpi.TokenTypeC)
	if err != nil {
		SendError(w, r, err)
		return
	}

	var theirs ocpi.Credentials
	if err := decodeBody(w, r, &theirs); err != nil {
		SendError(w, r, err)
		return
	}

	ours, rot, err := h.party.Credentials.RotateCredentials(r.Context(), id.Token, &theirs)
	if err != nil {
		SendError(w, r, err)
		return
	}

	body, err := json.Marshal(ocpi.Success(ours))
	if err != nil {
		rot.Abort()
		SendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logrus.WithError(err).Warn("Failed to deliver rotated credentials")
		rot.Abort()
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := rot.Commit(ctx); err != nil {
		logrus.WithError(err).Error("Failed to commit credentials rotation")
	}
}

// DeleteCredentials ends the registration of the caller
func (h *Handler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r, ocpi.TokenTypeC)
	if err != nil {
		SendError(w, r, err)
		return
	}

	if err := h.party.Credentials.RevokeCredentials(r.Context(), id.Token); err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, nil)
}
