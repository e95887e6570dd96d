package loom

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Response lets a handler take full control of status, headers, and
// body. Any other return value is JSON-encoded with the route's
// declared status (200 by default).
type Response struct {
	Status int
	Header http.Header
	Body   any
}

// Reject is a short-circuit response produced by guards, identity
// rejection, and managed-resource failures.
type Reject struct {
	Status int
	Body   any
}

// Error implements error so guards can return a Reject through the
// normal error path.
func (r *Reject) Error() string {
	return fmt.Sprintf("request rejected with status %d", r.Status)
}

// RejectJSON builds a Reject with the conventional error body.
func RejectJSON(status int, message string) *Reject {
	return &Reject{Status: status, Body: errorBody{Error: message, Code: status}}
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

var bodyValidator = validator.New(validator.WithRequiredStructEnabled())

// DecodeBody decodes the request body as JSON into T and runs
// validator tags. Failures surface as 400 rejections.
func DecodeBody[T any](req *Request) (T, error) {
	var out T
	if err := json.NewDecoder(req.Raw().Body).Decode(&out); err != nil {
		return out, RejectJSON(http.StatusBadRequest, "malformed request body")
	}
	if err := bodyValidator.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := verrs[0]
			return out, RejectJSON(http.StatusBadRequest,
				fmt.Sprintf("validation failed on field %q (%s)", field.Field(), field.Tag()))
		}
		return out, RejectJSON(http.StatusBadRequest, "validation failed")
	}
	return out, nil
}

// writeJSON writes v as JSON with the given status. Encoding failures
// degrade to a plain 500; by then the status line is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeReject renders a guard or extraction rejection.
func writeReject(w http.ResponseWriter, rej *Reject) {
	if rej.Body == nil {
		w.WriteHeader(rej.Status)
		return
	}
	writeJSON(w, rej.Status, rej.Body)
}

// writeResult renders a handler result according to the route's
// declared status.
func writeResult(w http.ResponseWriter, status int, result any) {
	if resp, ok := result.(*Response); ok {
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		st := resp.Status
		if st == 0 {
			st = status
		}
		writeJSON(w, st, resp.Body)
		return
	}
	if result == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, result)
}

// writeError renders a handler error: Reject and APIError keep their
// status and body; anything else is an opaque 500.
func writeError(w http.ResponseWriter, logger *zap.Logger, controller, method string, err error) {
	var rej *Reject
	if errors.As(err, &rej) {
		writeReject(w, rej)
		return
	}
	if apiErr, ok := AsAPIError(err); ok {
		writeJSON(w, apiErr.Status, errorBody{Error: apiErr.Message, Code: apiErr.Status})
		return
	}

	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		logger.Error("configuration error",
			zap.String("controller", controller),
			zap.String("method", method),
			zap.String("key", cfgErr.Key),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: fmt.Sprintf("configuration error in %s: set %s", controller, envKeyHint(cfgErr.Key)),
			Code:  http.StatusInternalServerError,
		})
		return
	}

	logger.Error("handler error",
		zap.String("controller", controller),
		zap.String("method", method),
		zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: http.StatusInternalServerError})
}
