package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"oentex/internal/auth"
)

const maxJSONBodyBytes int64 = 64 << 10

var errPayloadTooLarge = errors.New("payload too large")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorBody is the wire shape of a classified failure. Details stay
// server-side.
type errorBody struct {
	Type    auth.ErrorType `json:"type"`
	Message string         `json:"message"`
}

func writeAuthError(w http.ResponseWriter, err error) {
	authErr := auth.Classify(err)
	writeJSON(w, statusForError(authErr.Type), map[string]errorBody{
		"error": {Type: authErr.Type, Message: authErr.Message},
	})
}

func statusForError(t auth.ErrorType) int {
	switch t {
	case auth.ErrorInvalidEmail, auth.ErrorWeakPassword:
		return http.StatusUnprocessableEntity
	case auth.ErrorUserAlreadyExists:
		return http.StatusConflict
	case auth.ErrorInvalidCredentials, auth.ErrorSessionExpired:
		return http.StatusUnauthorized
	case auth.ErrorEmailNotConfirmed, auth.ErrorProviderDisabled:
		return http.StatusForbidden
	case auth.ErrorRateLimitExceeded:
		return http.StatusTooManyRequests
	case auth.ErrorNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	limited := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() {
		_ = limited.Close()
	}()

	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w (max %d bytes)", errPayloadTooLarge, maxErr.Limit)
		}
		return err
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, err error) {
	if errors.Is(err, errPayloadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	// Return generic message to avoid leaking internal JSON parsing details
	writeError(w, http.StatusBadRequest, "invalid request body")
}
