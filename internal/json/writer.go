package json

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/u5auth/internal/log"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	response := ErrorResponse{
		Error:   code,
		Message: message,
	}

	if err := WriteResponse(w, statusCode, response); err != nil {
		http.Error(w, code+": "+message, statusCode)
	}
}

// WriteUnauthorized writes a 401 with a Bearer challenge for realm (RFC 6750
// Section 3). An empty realm omits the challenge.
func WriteUnauthorized(w http.ResponseWriter, realm, message string) {
	if realm != "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s"`, escapeQuotedString(realm)))
	}
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// escapeQuotedString escapes a string for use in an RFC 9110 quoted-string
func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteBadGateway(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, "bad_gateway", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}
