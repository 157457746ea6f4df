package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// commandCaller checks that the caller may use our commands interface
func (h *Handler) commandCaller(r *http.Request) (*ocpi.Identity, ocpi.CommandType, error) {
	who, err := caller(r, ocpi.TokenTypeC)
	if err != nil {
		return nil, "", err
	}
	if _, err := h.party.Modules.Authorize(ocpi.ModuleCommands, who, true); err != nil {
		return nil, "", err
	}
	t, err := ocpi.ParseCommandType(chi.URLParam(r, "command"))
	if err != nil {
		return nil, "", err
	}
	return who, t, nil
}

// ReceiveCommand accepts a command from an eMSP. Only served by a CPO.
func (h *Handler) ReceiveCommand(w http.ResponseWriter, r *http.Request) {
	if h.party.Config.Role != ocpi.RoleCPO {
		SendError(w, r, fmt.Errorf("%w: commands are received by a CPO", ocpi.ErrForbidden))
		return
	}
	who, t, err := h.commandCaller(r)
	if err != nil {
		SendError(w, r, err)
		return
	}

	var req ocpi.CommandRequest
	if err := decodeBody(w, r, &req); err != nil {
		SendError(w, r, err)
		return
	}

	resp, err := h.party.Receiver.Receive(r.Context(), who.Party(), t, req)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, resp)
}

// CommandResult receives the asynchronous result of a command we issued.
// Unknown and repeated results are acknowledged and dropped.
func (h *Handler) CommandResult(w http.ResponseWriter, r *http.Request) {
	if h.party.Config.Role != ocpi.RoleEMSP {
		SendError(w, r, fmt.Errorf("%w: command results are received by an eMSP", ocpi.ErrForbidden))
		return
	}
	_, t, err := h.commandCaller(r)
	if err != nil {
		SendError(w, r, err)
		return
	}

	var result ocpi.CommandResult
	if err := decodeBody(w, r, &result); err != nil {
		SendError(w, r, err)
		return
	}
	if result.Result == "" {
		SendError(w, r, ocpi.Validationf("result is required"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.party.Dispatcher.HandleResult(r.Context(), t, id, result); err != nil {
		logrus.WithError(err).WithField("command_id", id).Error("Failed to handle command result")
	}
	sendData(w, nil)
}
