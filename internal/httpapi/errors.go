// Package httpapi is the shared HTTP frame for the Agora trust-plane
// services: the categorical error envelope, JSON request/response helpers,
// and the middleware every service mounts (recovery, logging, metrics).
package httpapi

import (
	"fmt"
	"net/http"
)

// Categorical error codes. Every error a service emits carries exactly one
// of these; the HTTP status is derived from the code, never chosen ad hoc.
const (
	// Envelope / framing
	CodeInvalidJWS           = "INVALID_JWS"
	CodeInvalidJSON          = "INVALID_JSON"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"

	// Authentication / authorization
	CodeForbidden = "FORBIDDEN"

	// Payload validation
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInvalidTaskID    = "INVALID_TASK_ID"
	CodeInvalidReward    = "INVALID_REWARD"
	CodeInvalidDeadline  = "INVALID_DEADLINE"
	CodeTitleTooLong     = "TITLE_TOO_LONG"
	CodeInvalidReason    = "INVALID_REASON"
	CodeInvalidWorkerPct = "INVALID_WORKER_PCT"
	CodeInvalidAmount    = "INVALID_AMOUNT"
	CodeInvalidCategory  = "INVALID_CATEGORY"
	CodeInvalidRating    = "INVALID_RATING"
	CodeCommentTooLong   = "COMMENT_TOO_LONG"
	CodeSelfFeedback     = "SELF_FEEDBACK"
	CodeSelfBid          = "SELF_BID"
	CodeMissingField     = "MISSING_FIELD"
	CodeInvalidFieldType = "INVALID_FIELD_TYPE"
	CodeTokenMismatch    = "TOKEN_MISMATCH"
	CodePayloadMismatch  = "PAYLOAD_MISMATCH"

	// Resource existence
	CodeAccountNotFound  = "ACCOUNT_NOT_FOUND"
	CodeAgentNotFound    = "AGENT_NOT_FOUND"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeBidNotFound      = "BID_NOT_FOUND"
	CodeAssetNotFound    = "ASSET_NOT_FOUND"
	CodeEscrowNotFound   = "ESCROW_NOT_FOUND"
	CodeDisputeNotFound  = "DISPUTE_NOT_FOUND"
	CodeFeedbackNotFound = "FEEDBACK_NOT_FOUND"

	// Precondition / lifecycle
	CodeInvalidStatus             = "INVALID_STATUS"
	CodeTaskAlreadyExists         = "TASK_ALREADY_EXISTS"
	CodeBidAlreadyExists          = "BID_ALREADY_EXISTS"
	CodeAccountExists             = "ACCOUNT_EXISTS"
	CodeAgentExists               = "AGENT_EXISTS"
	CodeEscrowAlreadyLocked       = "ESCROW_ALREADY_LOCKED"
	CodeEscrowAlreadyResolved     = "ESCROW_ALREADY_RESOLVED"
	CodeDisputeAlreadyExists      = "DISPUTE_ALREADY_EXISTS"
	CodeDisputeAlreadyRuled       = "DISPUTE_ALREADY_RULED"
	CodeRebuttalAlreadySubmitted  = "REBUTTAL_ALREADY_SUBMITTED"
	CodeInvalidDisputeStatus      = "INVALID_DISPUTE_STATUS"
	CodeNoAssets                  = "NO_ASSETS"
	CodeTooManyAssets             = "TOO_MANY_ASSETS"
	CodeFileTooLarge              = "FILE_TOO_LARGE"
	CodeFeedbackExists            = "FEEDBACK_EXISTS"
	CodeInsufficientFunds         = "INSUFFICIENT_FUNDS"

	// Downstream
	CodeIdentityUnavailable   = "IDENTITY_SERVICE_UNAVAILABLE"
	CodeBankUnavailable       = "CENTRAL_BANK_UNAVAILABLE"
	CodeTaskBoardUnavailable  = "TASK_BOARD_UNAVAILABLE"
	CodeReputationUnavailable = "REPUTATION_SERVICE_UNAVAILABLE"
	CodeJudgeUnavailable      = "JUDGE_UNAVAILABLE"

	// Catch-all for unexpected failures. Never carries internal detail.
	CodeInternal = "INTERNAL_ERROR"
)

var statusByCode = map[string]int{
	CodeInvalidJWS:           http.StatusBadRequest,
	CodeInvalidJSON:          http.StatusBadRequest,
	CodeUnsupportedMediaType: http.StatusUnsupportedMediaType,
	CodePayloadTooLarge:      http.StatusRequestEntityTooLarge,
	CodeMethodNotAllowed:     http.StatusMethodNotAllowed,

	CodeForbidden: http.StatusForbidden,

	CodeInvalidPayload:   http.StatusBadRequest,
	CodeInvalidTaskID:    http.StatusBadRequest,
	CodeInvalidReward:    http.StatusBadRequest,
	CodeInvalidDeadline:  http.StatusBadRequest,
	CodeTitleTooLong:     http.StatusBadRequest,
	CodeInvalidReason:    http.StatusBadRequest,
	CodeInvalidWorkerPct: http.StatusBadRequest,
	CodeInvalidAmount:    http.StatusBadRequest,
	CodeInvalidCategory:  http.StatusBadRequest,
	CodeInvalidRating:    http.StatusBadRequest,
	CodeCommentTooLong:   http.StatusBadRequest,
	CodeSelfFeedback:     http.StatusBadRequest,
	CodeSelfBid:          http.StatusBadRequest,
	CodeMissingField:     http.StatusBadRequest,
	CodeInvalidFieldType: http.StatusBadRequest,
	CodeTokenMismatch:    http.StatusBadRequest,
	CodePayloadMismatch:  http.StatusBadRequest,

	CodeAccountNotFound:  http.StatusNotFound,
	CodeAgentNotFound:    http.StatusNotFound,
	CodeTaskNotFound:     http.StatusNotFound,
	CodeBidNotFound:      http.StatusNotFound,
	CodeAssetNotFound:    http.StatusNotFound,
	CodeEscrowNotFound:   http.StatusNotFound,
	CodeDisputeNotFound:  http.StatusNotFound,
	CodeFeedbackNotFound: http.StatusNotFound,

	CodeInvalidStatus:            http.StatusConflict,
	CodeTaskAlreadyExists:        http.StatusConflict,
	CodeBidAlreadyExists:         http.StatusConflict,
	CodeAccountExists:            http.StatusConflict,
	CodeAgentExists:              http.StatusConflict,
	CodeEscrowAlreadyLocked:      http.StatusConflict,
	CodeEscrowAlreadyResolved:    http.StatusConflict,
	CodeDisputeAlreadyExists:     http.StatusConflict,
	CodeDisputeAlreadyRuled:      http.StatusConflict,
	CodeRebuttalAlreadySubmitted: http.StatusConflict,
	CodeInvalidDisputeStatus:     http.StatusConflict,
	CodeNoAssets:                 http.StatusConflict,
	CodeTooManyAssets:            http.StatusConflict,
	CodeFileTooLarge:             http.StatusConflict,
	CodeFeedbackExists:           http.StatusConflict,
	CodeInsufficientFunds:        http.StatusPaymentRequired,

	CodeIdentityUnavailable:   http.StatusBadGateway,
	CodeBankUnavailable:       http.StatusBadGateway,
	CodeTaskBoardUnavailable:  http.StatusBadGateway,
	CodeReputationUnavailable: http.StatusBadGateway,
	CodeJudgeUnavailable:      http.StatusBadGateway,

	CodeInternal: http.StatusInternalServerError,
}

// StatusFor maps an error code to its fixed HTTP status. Unknown codes map
// to 500 so a typo can never turn into a 200.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the categorical service error. It serializes to the shared
// envelope {"error","message","details"}.
type Error struct {
	Code    string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status for this error's code.
func (e *Error) Status() int {
	return StatusFor(e.Code)
}

// NewError builds a categorical error with an empty details map.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Details: map[string]interface{}{}}
}

// Errorf builds a categorical error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithDetail attaches a key to the details map and returns the error for
// chaining. Callers must never attach internal detail (paths, SQL, URLs).
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// AsError coerces any error into a categorical one. Non-categorical errors
// become INTERNAL_ERROR with a generic message so nothing internal leaks.
func AsError(err error) *Error {
	if he, ok := err.(*Error); ok {
		return he
	}
	return NewError(CodeInternal, "internal error")
}
