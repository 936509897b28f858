package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meridian-chat/meridian/internal/adapters/http/dto"
	"github.com/meridian-chat/meridian/internal/domain"
)

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, errorType string, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.NewErrorResponse(errorType, message, status))
}

// respondDomainError maps domain errors onto HTTP statuses and stable error
// kinds.
func respondDomainError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	message := err.Error()
	var de *domain.DomainError
	if errors.As(err, &de) && de.Message != "" {
		message = de.Message
	}
	respondError(w, kind, message, status)
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, domain.ErrNotMember):
		return "not_member", http.StatusForbidden
	case errors.Is(err, domain.ErrUserBlocked):
		return "user_blocked", http.StatusForbidden
	case errors.Is(err, domain.ErrRoleRestricted):
		return "role_restricted", http.StatusForbidden
	case errors.Is(err, domain.ErrSoleOwner):
		return "sole_owner", http.StatusConflict
	case errors.Is(err, domain.ErrConversationInactive):
		return "conversation_inactive", http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSchema),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidCursor),
		errors.Is(err, domain.ErrLimitTooLarge):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return "payload_too_large", http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrEnqueueThrottled):
		return "throttled", http.StatusTooManyRequests
	case errors.Is(err, domain.ErrEnqueueFailed),
		errors.Is(err, domain.ErrPoolExhausted),
		errors.Is(err, domain.ErrQueryTimeout):
		return "unavailable", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// parseIntQuery parses an integer query parameter with a default value
func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// parseTimeQuery parses an RFC 3339 query parameter, returning the zero time
// when missing or malformed
func parseTimeQuery(r *http.Request, name string) time.Time {
	value := r.URL.Query().Get(name)
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// validateURLParam validates and returns a URL parameter
func validateURLParam(r *http.Request, w http.ResponseWriter, paramName, errorField string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, "invalid_request", errorField+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

// decodeJSON decodes JSON request body with error handling
func decodeJSON[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)

	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
