// Package httpx holds the small HTTP response helpers shared by every
// handler: the error envelope and JSON writers.
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"agentgateway/internal/apierr"
)

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code    apierr.Kind    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError translates err into the {success:false, error:{...}} envelope
// with the status fixed by the error taxonomy. Non-*apierr.Error values are
// treated as INTERNAL_ERROR and logged with full context; the caller only
// ever sees a generic message.
func WriteError(w http.ResponseWriter, err error) {
	gwErr, ok := apierr.As(err)
	if !ok {
		slog.Error("unclassified error reached the HTTP boundary", "error", err)
		gwErr = apierr.New(apierr.KindInternal, "internal error")
	}
	if gwErr.Kind == apierr.KindInternal || gwErr.Kind == apierr.KindDatabaseError || gwErr.Kind == apierr.KindConfigurationError {
		slog.Error("infrastructure error", "kind", gwErr.Kind, "message", gwErr.Message, "cause", gwErr.Unwrap())
	}
	WriteJSON(w, apierr.Status(gwErr.Kind), errorEnvelope{
		Success: false,
		Error: errorBody{
			Code:    gwErr.Kind,
			Message: gwErr.Message,
			Details: gwErr.Details,
		},
	})
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON parses the request body into v, returning a typed
// VALIDATION_ERROR on failure.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.KindValidation, "invalid request body", err)
	}
	return nil
}
