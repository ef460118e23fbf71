package webdriver

import "github.com/streamspace/sessiongrid/internal/gridcore"

// SuccessResponse is the WebDriver-shaped success envelope returned by
// POST /session: {"value": {"sessionId": ..., "capabilities": ...}}.
type SuccessResponse struct {
	Value SuccessValue `json:"value"`
}

type SuccessValue struct {
	SessionID    string      `json:"sessionId"`
	Capabilities interface{} `json:"capabilities"`
}

// ErrorResponse is the WebDriver-shaped error envelope:
// {"value": {"error", "message", "stacktrace"}}.
type ErrorResponse struct {
	Value ErrorValue `json:"value"`
}

type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// NewErrorResponse classifies err via its gridcore.Kind and produces the
// correct errorCode per spec §7: sessionNotCreated for startup failures,
// unknownError for forwarding/proxying failures.
func NewErrorResponse(err error) ErrorResponse {
	kind := gridcore.KindOf(err)
	code := "unknownError"
	if gridcore.IsStartupFailure(kind) {
		code = "sessionNotCreated"
	}
	return ErrorResponse{Value: ErrorValue{
		Error:   code,
		Message: err.Error(),
	}}
}
