package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/balu-dk/go-ocpi/internal/modules"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

func recordKey(r *http.Request) ocpi.RecordKey {
	return ocpi.RecordKey{
		CountryCode: chi.URLParam(r, "country_code"),
		PartyID:     chi.URLParam(r, "party_id"),
		ID:          chi.URLParam(r, "id"),
	}
}

// module resolves the module named in the URL and checks the caller's access
func (h *Handler) module(r *http.Request, write bool) (modules.Module, *ocpi.PartyKey, error) {
	id := ocpi.ModuleID(chi.URLParam(r, "module"))
	who, err := caller(r, ocpi.TokenTypeC)
	if err != nil {
		return nil, nil, err
	}
	own, err := h.party.Modules.Authorize(id, who, write)
	if err != nil {
		return nil, nil, err
	}
	m, err := h.party.Modules.Module(id)
	if err != nil {
		return nil, nil, err
	}
	return m, own, nil
}

func checkOwner(own *ocpi.PartyKey, party ocpi.PartyKey) error {
	if own != nil && *own != party {
		return fmt.Errorf("%w: record belongs to %s", ocpi.ErrForbidden, party)
	}
	return nil
}

// ListRecords returns one page of a module with OCPI pagination headers
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	m, own, err := h.module(r, false)
	if err != nil {
		SendError(w, r, err)
		return
	}

	filter, page, err := parseListQuery(r.URL.Query())
	if err != nil {
		SendError(w, r, err)
		return
	}
	filter.Party = own

	result, err := m.List(r.Context(), filter, page)
	if err != nil {
		SendError(w, r, err)
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(result.Total))
	w.Header().Set("X-Limit", strconv.Itoa(result.Limit))
	if result.Next != nil {
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, h.nextPage(r, m.ID(), *result.Next)))
	}
	sendData(w, result.Items)
}

func (h *Handler) nextPage(r *http.Request, id ocpi.ModuleID, next modules.Page) string {
	q := r.URL.Query()
	q.Set("offset", strconv.Itoa(next.Offset))
	q.Set("limit", strconv.Itoa(next.Limit))
	return h.party.VersionURL() + "/" + string(id) + "?" + q.Encode()
}

func parseListQuery(q url.Values) (modules.Filter, modules.Page, error) {
	var (
		filter modules.Filter
		page   modules.Page
		err    error
	)
	if v := q.Get("offset"); v != "" {
		if page.Offset, err = strconv.Atoi(v); err != nil {
			return filter, page, ocpi.Validationf("invalid offset %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil {
			return filter, page, ocpi.Validationf("invalid limit %q", v)
		}
	}
	if filter.DateFrom, err = parseTime(q, "date_from"); err != nil {
		return filter, page, err
	}
	if filter.DateTo, err = parseTime(q, "date_to"); err != nil {
		return filter, page, err
	}
	return filter, page, nil
}

func parseTime(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, ocpi.Validationf("invalid %s %q", name, v)
	}
	return &t, nil
}

// GetRecord returns one record of a module
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	m, own, err := h.module(r, false)
	if err != nil {
		SendError(w, r, err)
		return
	}
	key := recordKey(r)
	if err := checkOwner(own, key.Party()); err != nil {
		SendError(w, r, err)
		return
	}

	data, err := m.Get(r.Context(), key)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, data)
}

// PutRecord creates or replaces a record pushed by the caller
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	m, own, err := h.module(r, true)
	if err != nil {
		SendError(w, r, err)
		return
	}
	key := recordKey(r)
	if err := checkOwner(own, key.Party()); err != nil {
		SendError(w, r, err)
		return
	}

	var payload json.RawMessage
	if err := decodeBody(w, r, &payload); err != nil {
		SendError(w, r, err)
		return
	}

	data, err := m.CreateOrUpdate(r.Context(), key, payload)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, data)
}

// PostCDR stores a CDR once. The Location header points at the stored record.
func (h *Handler) PostCDR(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, ocpi.TokenTypeC)
	if err != nil {
		SendError(w, r, err)
		return
	}
	own, err := h.party.Modules.Authorize(ocpi.ModuleCDRs, who, true)
	if err != nil {
		SendError(w, r, err)
		return
	}
	m, err := h.party.Modules.Module(ocpi.ModuleCDRs)
	if err != nil {
		SendError(w, r, err)
		return
	}

	var payload json.RawMessage
	if err := decodeBody(w, r, &payload); err != nil {
		SendError(w, r, err)
		return
	}
	var key ocpi.RecordKey
	if err := json.Unmarshal(payload, &key); err != nil {
		SendError(w, r, ocpi.Validationf("invalid cdr: %v", err))
		return
	}
	if err := checkOwner(own, key.Party()); err != nil {
		SendError(w, r, err)
		return
	}

	data, err := m.Create(r.Context(), payload)
	if err != nil {
		SendError(w, r, err)
		return
	}
	w.Header().Set("Location", h.party.VersionURL()+"/"+string(ocpi.ModuleCDRs)+"/"+key.String())
	sendData(w, data)
}

// AuthorizeToken answers a real-time authorization request for one of our tokens
func (h *Handler) AuthorizeToken(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r, ocpi.TokenTypeB, ocpi.TokenTypeC)
	if err != nil {
		SendError(w, r, err)
		return
	}
	if err := h.party.Modules.AuthorizeTokenCheck(who); err != nil {
		SendError(w, r, err)
		return
	}
	tokens, err := h.party.Modules.Module(ocpi.ModuleTokens)
	if err != nil {
		SendError(w, r, err)
		return
	}

	var where *ocpi.LocationReferences
	if r.ContentLength > 0 {
		where = &ocpi.LocationReferences{}
		if err := decodeBody(w, r, where); err != nil {
			SendError(w, r, err)
			return
		}
		if where.LocationID == "" {
			SendError(w, r, ocpi.Validationf("location_id is required"))
			return
		}
	}

	info, err := modules.Authorize(r.Context(), tokens, recordKey(r), where, who.LocationID)
	if err != nil {
		SendError(w, r, err)
		return
	}
	sendData(w, info)
}
