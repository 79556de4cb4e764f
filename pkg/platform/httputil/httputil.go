package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "opdesk/pkg/domain-errors"
)

// WriteJSON serializes v with the given status. Encoding failures are ignored
// because the header is already committed.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError centralizes domain error translation to HTTP responses so every
// handler emits the same JSON error envelope. Internal errors omit the
// description to avoid leaking implementation detail.
func WriteError(w http.ResponseWriter, err error) {
	var de dErrors.DomainError
	status := http.StatusInternalServerError
	code := dErrors.CodeInternal
	message := ""
	if errors.As(err, &de) {
		status = dErrors.ToHTTPStatus(de.Code)
		code = de.Code
		message = de.Message
	}

	body := map[string]string{"error": string(code)}
	if message != "" && code != dErrors.CodeInternal {
		body["error_description"] = message
	}
	WriteJSON(w, status, body)
}

// Decode reads a JSON request body into dst, rejecting unknown fields.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return dErrors.Wrap(dErrors.CodeBadRequest, "malformed request body", err)
	}
	return nil
}
