package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// rejection is the JSON body written when a guard stage terminates a request.
// Same envelope the api package uses, plus optional client-actionable flags.
type rejection struct {
	Error rejectionDetail `json:"error"`
	// RequiresCaptcha signals the client must solve a challenge and retry.
	RequiresCaptcha bool `json:"requiresCaptcha,omitempty"`
	// RequiresReauth signals the client must re-prompt for the password.
	RequiresReauth bool `json:"requiresReauth,omitempty"`
	// RetryAfter is the suggested delay in seconds for 429/503 responses.
	RetryAfter int `json:"retryAfter,omitempty"`
}

type rejectionDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// reject terminates the request with a structured JSON denial. The error
// code is pushed through the response writer so the logging middleware
// picks it up.
func reject(w http.ResponseWriter, r *http.Request, status int, code, message string, mutate func(*rejection)) {
	ctx := SetErrorCode(r.Context(), code)
	UpdateResponseContext(w, ctx)

	body := rejection{Error: rejectionDetail{Code: code, Message: message}}
	if mutate != nil {
		mutate(&body)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// peekBody reads up to limit bytes of the request body and restores it, so
// a guard stage can inspect the payload without starving the handler.
func peekBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}
