package httpx

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
)

func TestRespondErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		detail string
	}{
		{fmt.Errorf("%w: lot 9", ErrNotFound), http.StatusNotFound, "resource not found: lot 9"},
		{ErrConflict, http.StatusConflict, "conflicting request"},
		{fmt.Errorf("%w: limit", ErrValidation), http.StatusBadRequest, "validation failed: limit"},
		{errors.New("pq: connection reset"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)

		require.Equal(t, tc.status, rr.Code)
		assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, tc.status, body.Status)
		assert.Equal(t, tc.detail, body.Detail)
	}
}

func TestProblemWithCarriesErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	ProblemWith(rr, http.StatusBadRequest, "Validation Failed", "bad", []string{"lines: min"})

	assert.JSONEq(t, `{"title":"Validation Failed","status":400,"detail":"bad","errors":["lines: min"]}`, rr.Body.String())
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dest struct {
		LotID int64 `json:"lot_id"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"lot_id":3,"lot":4}`))
	require.Error(t, DecodeJSON(req, &dest))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"lot_id":3}`))
	require.NoError(t, DecodeJSON(req, &dest))
	assert.Equal(t, int64(3), dest.LotID)
}
