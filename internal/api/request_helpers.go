package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/api/shared"
)

// getUserIDFromContext extracts the caller's user ID from the request
// context, where the identity middleware placed it.
func getUserIDFromContext(r *http.Request) (string, bool) {
	userID := shared.GetUserID(r.Context())
	if userID == "" {
		return "", false
	}
	return userID, true
}

// getPathUUID extracts and parses a UUID path parameter. It writes a 400
// response and returns false when the parameter is missing or malformed.
func getPathUUID(w http.ResponseWriter, r *http.Request, paramName string) (uuid.UUID, bool) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, paramName+" is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, paramName+" has invalid format")
		return uuid.Nil, false
	}

	return id, true
}

// requireUserAndTaskID extracts the caller identity and the task id path
// parameter, writing an error response when either is missing.
func requireUserAndTaskID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Caller identity required")
		return "", uuid.Nil, false
	}

	taskID, ok := getPathUUID(w, r, "id")
	if !ok {
		return "", uuid.Nil, false
	}

	return userID, taskID, true
}
