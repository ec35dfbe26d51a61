// Package problem implements RFC 7807 problem+json responses shared by all
// HTTP handlers.
package problem

import (
	"encoding/json"
	"net/http"
)

// Details is the application/problem+json response body.
type Details struct {
	Type   *string              `json:"type,omitempty"`
	Title  string               `json:"title"`
	Status int                  `json:"status"`
	Detail *string              `json:"detail,omitempty"`
	Errors *map[string][]string `json:"errors,omitempty"`
}

// New builds a Details value with the optional fields set only when non-empty.
func New(title, detail, problemType string, status int, fieldErrors map[string][]string) Details {
	details := Details{
		Title:  title,
		Status: status,
	}

	if detail != "" {
		details.Detail = &detail
	}
	if problemType != "" {
		details.Type = &problemType
	}
	if len(fieldErrors) > 0 {
		copied := make(map[string][]string, len(fieldErrors))
		for field, messages := range fieldErrors {
			copied[field] = append([]string(nil), messages...)
		}
		details.Errors = &copied
	}

	return details
}

// Write serializes the problem to the response. Encoding failures are ignored:
// the status line is already committed.
func Write(w http.ResponseWriter, details Details) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(details.Status)
	_ = json.NewEncoder(w).Encode(details)
}
