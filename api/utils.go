package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"fileconvert/models"

	"github.com/go-playground/validator/v10"
)

type APIError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, APIError{Error: message})
}

// writeServiceError maps pipeline errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, APIError{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, models.ErrQuotaExceeded):
		writeJSONError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, models.ErrNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, models.ErrNotReady), errors.Is(err, models.ErrInvalidTransition):
		writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("[API] Internal error: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeMultipartError(w http.ResponseWriter, err error) {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)

	case strings.Contains(msg, "content-type isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)

	default:
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	}
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			field := e.Field()
			switch e.Tag() {
			case "required":
				errs[field] = "is required"
			case "max":
				errs[field] = "exceeds maximum length"
			case "gte", "lte":
				errs[field] = "out of allowed range"
			case "url", "http_url":
				errs[field] = "must be an absolute http(s) URL"
			default:
				errs[field] = "invalid value"
			}
		}
	} else {
		errs["error"] = err.Error()
	}
	return errs
}

// parseIntDefault returns def for an empty value and an error for a malformed one.
func parseIntDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseOptions(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// parseListFilter reads status, limit and offset from the query string.
// status takes a comma-separated list of job states.
func parseListFilter(r *http.Request) (models.ListFilter, *APIError) {
	q := r.URL.Query()
	var f models.ListFilter
	for _, raw := range strings.Split(q.Get("status"), ",") {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		st := models.JobStatus(raw)
		if !st.Valid() {
			return f, &APIError{Error: "unknown status " + raw, Field: "status"}
		}
		f.Statuses = append(f.Statuses, st)
	}

	var err error
	if f.Limit, err = parseIntDefault(q.Get("limit"), models.DefaultPageSize); err != nil || f.Limit < 1 {
		return f, &APIError{Error: "limit must be a positive integer", Field: "limit"}
	}
	if f.Offset, err = parseIntDefault(q.Get("offset"), 0); err != nil || f.Offset < 0 {
		return f, &APIError{Error: "offset must be a non-negative integer", Field: "offset"}
	}
	return f.Normalized(), nil
}
