package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
)

// DefaultMaxBodyBytes caps request bodies when the service config does not
// override it (1 MiB).
const DefaultMaxBodyBytes = 1 << 20

// WriteJSON serializes v with the given status. Encoding failures are
// swallowed: headers are already out at that point.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError serializes err as the shared error envelope with its fixed
// status code.
func WriteError(w http.ResponseWriter, err error) {
	he := AsError(err)
	WriteJSON(w, he.Status(), he)
}

// DecodeJSON reads the request body into dst, enforcing the framing checks
// in their fixed order: media type, body cap, JSON parse. maxBytes <= 0
// falls back to DefaultMaxBodyBytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) *Error {
	if herr := requireMediaType(r, "application/json"); herr != nil {
		return herr
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, herr := readCapped(w, r, maxBytes)
	if herr != nil {
		return herr
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return NewError(CodeInvalidJSON, "request body is not valid JSON")
	}
	return nil
}

func requireMediaType(r *http.Request, want string) *Error {
	ct := r.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != want {
		return Errorf(CodeUnsupportedMediaType, "expected %s", want)
	}
	return nil
}

func readCapped(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, *Error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, NewError(CodePayloadTooLarge, "request body exceeds the configured limit")
		}
		return nil, NewError(CodeInvalidJSON, "failed to read request body")
	}
	return body, nil
}

// TokenRequest is the body shape of every single-envelope mutation.
type TokenRequest struct {
	Token string `json:"token"`
}

// DecodeTokenRequest reads a {"token": "..."} body and returns the token.
func DecodeTokenRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, *Error) {
	var req TokenRequest
	if herr := DecodeJSON(w, r, maxBytes, &req); herr != nil {
		return "", herr
	}
	if req.Token == "" {
		return "", NewError(CodeMissingField, "token is required")
	}
	return req.Token, nil
}

// BearerToken extracts a compact envelope from the Authorization header.
// Returns "" when no bearer credential is present.
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
