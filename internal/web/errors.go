package web

// errors.go provides unified error response handling for the web layer.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls s.respondError(w, r, err)
//  3. Error is mapped via core.MapError to a status and user-facing message
//  4. Technical error + context is logged with request ID for correlation
//  5. The JSON body carries only the mapped message

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/sourcehub/internal/core"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/JonMunkholm/sourcehub/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Error, Code) and human-readable (Message,
// Action) fields.
type ErrorResponse struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	Action           string `json:"action,omitempty"`
	Code             string `json:"code"`
	SecondsRemaining int    `json:"secondsRemaining,omitempty"`
}

// respondError logs err and writes its client view.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", msg.Status,
		"code", msg.Code,
		"error", err.Error(),
	}
	switch {
	case msg.Status >= 500:
		logger.Error("request error", attrs...)
	case msg.Status == http.StatusTooManyRequests, msg.Status == http.StatusUnauthorized:
		logger.Warn("request rejected", attrs...)
	default:
		logger.Info("request failed", attrs...)
	}

	if msg.SecondsRemaining > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(msg.SecondsRemaining))
	}
	writeJSONStatus(w, msg.Status, ErrorResponse{
		Error:            msg.Error,
		Message:          msg.Message,
		Action:           msg.Action,
		Code:             msg.Code,
		SecondsRemaining: msg.SecondsRemaining,
	})
}

// decodeJSON reads a single JSON object of at most maxJSONBody bytes from
// the request body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeJSONLimit(w, r, v, maxJSONBody)
}

func decodeJSONLimit(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.Validation("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return domain.Validation("request body is required")
		default:
			return domain.Validation("malformed JSON body: %v", err)
		}
	}
	if dec.More() {
		return domain.Validation("request body must contain a single JSON object")
	}
	return nil
}
