package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError sends a structured JSON error. The "error" field is what
// sync clients read.
func respondError(w http.ResponseWriter, status int, err error) {
	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
	}{
		Error:  http.StatusText(status),
		Status: status,
	}

	var cacheErr *cacheerrors.Error
	if errors.As(err, &cacheErr) {
		response.Code = string(cacheErr.Code)
		response.Retryable = cacheErr.Retryable
		response.Error = cacheErr.Error()
	} else if err != nil {
		response.Error = err.Error()
	}
	respondJSON(w, status, response)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) (int, error) {
	if r.Body == nil {
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		case errors.Is(err, io.EOF):
			return http.StatusBadRequest, fmt.Errorf("request body required")
		}
		return http.StatusBadRequest, fmt.Errorf("decode request: %w", err)
	}
	return 0, nil
}
