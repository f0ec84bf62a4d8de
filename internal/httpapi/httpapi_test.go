package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusForKnownCodes(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(CodeInvalidJWS))
	assert.Equal(t, http.StatusForbidden, StatusFor(CodeForbidden))
	assert.Equal(t, http.StatusNotFound, StatusFor(CodeTaskNotFound))
	assert.Equal(t, http.StatusConflict, StatusFor(CodeInvalidStatus))
	assert.Equal(t, http.StatusPaymentRequired, StatusFor(CodeInsufficientFunds))
	assert.Equal(t, http.StatusBadGateway, StatusFor(CodeBankUnavailable))
}

func TestStatusForUnknownCodeIsInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusFor("NO_SUCH_CODE"))
}

func TestAsErrorCoercesPlainErrors(t *testing.T) {
	he := AsError(errors.New("sqlite: disk I/O error"))
	assert.Equal(t, CodeInternal, he.Code)
	assert.NotContains(t, he.Message, "sqlite")

	original := NewError(CodeSelfBid, "no")
	assert.Same(t, original, AsError(original))
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewError(CodeTaskNotFound, "task not found").WithDetail("task_id", "t-1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeTaskNotFound, body["error"])
	assert.Equal(t, "task not found", body["message"])
	assert.Equal(t, "t-1", body["details"].(map[string]interface{})["task_id"])
}

func TestDecodeJSONCheckOrdering(t *testing.T) {
	type req struct {
		Token string `json:"token"`
	}

	t.Run("media type first", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		r.Header.Set("Content-Type", "text/plain")
		var dst req
		herr := DecodeJSON(httptest.NewRecorder(), r, 0, &dst)
		require.NotNil(t, herr)
		assert.Equal(t, CodeUnsupportedMediaType, herr.Code)
	})

	t.Run("body cap before parse", func(t *testing.T) {
		huge := bytes.Repeat([]byte("x"), 128)
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(huge))
		r.Header.Set("Content-Type", "application/json")
		var dst req
		herr := DecodeJSON(httptest.NewRecorder(), r, 16, &dst)
		require.NotNil(t, herr)
		assert.Equal(t, CodePayloadTooLarge, herr.Code)
	})

	t.Run("invalid json last", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{broken"))
		r.Header.Set("Content-Type", "application/json")
		var dst req
		herr := DecodeJSON(httptest.NewRecorder(), r, 0, &dst)
		require.NotNil(t, herr)
		assert.Equal(t, CodeInvalidJSON, herr.Code)
	})
}

func TestDecodeTokenRequestRequiresToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"token":""}`))
	r.Header.Set("Content-Type", "application/json")
	_, herr := DecodeTokenRequest(httptest.NewRecorder(), r, 0)
	require.NotNil(t, herr)
	assert.Equal(t, CodeMissingField, herr.Code)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", BearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Equal(t, "", BearerToken(r))
}

func TestRecoverMiddlewareTurnsPanicsIntoInternal(t *testing.T) {
	h := Recover(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInternal, body["error"])
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	MethodNotAllowed().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tasks", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeMethodNotAllowed, body["error"])
}
