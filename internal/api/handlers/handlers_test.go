package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpi/internal/auth"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

func TestSendError_Mapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    int
		message string
	}{
		{"not found", fmt.Errorf("%w: module x", ocpi.ErrNotFound), http.StatusNotFound, ocpi.StatusClientError, "not found: module x"},
		{"unknown location", ocpi.ErrUnknownLocation, http.StatusNotFound, ocpi.StatusUnknownLocation, "unknown location"},
		{"forbidden", ocpi.ErrForbidden, http.StatusForbidden, ocpi.StatusClientError, ""},
		{"validation", ocpi.Validationf("bad"), http.StatusUnprocessableEntity, ocpi.StatusInvalidParameters, ""},
		{"ack timeout", ocpi.ErrCommandAckTimeout, http.StatusOK, ocpi.StatusUnableToUseClientAPI, ""},
		{"internal", errors.New("db exploded"), http.StatusInternalServerError, ocpi.StatusServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SendError(w, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)

			assert.Equal(t, tt.status, w.Code)
			var resp ocpi.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.message != "" {
				assert.Equal(t, tt.message, resp.StatusMessage)
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	var v map[string]string

	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":"b"}`))
	require.NoError(t, decodeBody(httptest.NewRecorder(), r, &v))
	assert.Equal(t, "b", v["a"])

	r = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":`))
	err := decodeBody(httptest.NewRecorder(), r, &v)
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func TestCaller(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	_, err := caller(r, ocpi.TokenTypeC)
	assert.ErrorIs(t, err, ocpi.ErrInvalidToken)

	id := &ocpi.Identity{TokenType: ocpi.TokenTypeA, Token: "abc"}
	r = r.WithContext(auth.WithIdentity(r.Context(), id))

	_, err = caller(r, ocpi.TokenTypeC)
	assert.ErrorIs(t, err, ocpi.ErrForbidden)

	got, err := caller(r, ocpi.TokenTypeA, ocpi.TokenTypeC)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Token)
}

func TestParseListQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?offset=10&limit=5&date_from=2024-01-01T00:00:00Z", nil)
	filter, page, err := parseListQuery(r.URL.Query())
	require.NoError(t, err)
	assert.Equal(t, 10, page.Offset)
	assert.Equal(t, 5, page.Limit)
	require.NotNil(t, filter.DateFrom)
	assert.Nil(t, filter.DateTo)

	for _, q := range []string{"offset=x", "limit=1.5", "date_to=2024-01-01"} {
		r := httptest.NewRequest(http.MethodGet, "/x?"+q, nil)
		_, _, err := parseListQuery(r.URL.Query())
		assert.ErrorIs(t, err, ocpi.ErrValidation, q)
	}
}
