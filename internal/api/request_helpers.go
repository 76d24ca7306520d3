package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/gonk/internal/api/shared"
	"github.com/phrazzld/gonk/internal/service/auth"
)

// getPathUUID parses the UUID path parameter paramName.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, ErrInvalidID
	}
	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, ErrInvalidID
	}
	return id, nil
}

// handleIdentityAndPathUUID extracts the caller and the UUID path parameter.
// It writes the error response and returns false when either is missing.
func handleIdentityAndPathUUID(
	w http.ResponseWriter,
	r *http.Request,
	paramName string,
	log *slog.Logger,
) (auth.Identity, uuid.UUID, bool) {
	identity, ok := shared.GetIdentity(r.Context())
	if !ok {
		log.Warn("identity not found in request context")
		HandleAPIError(w, r, ErrUnauthenticated, "")
		return auth.Identity{}, uuid.Nil, false
	}

	id, err := getPathUUID(r, paramName)
	if err != nil {
		log.Warn("invalid path parameter",
			slog.String("param_name", paramName),
			slog.String("value", chi.URLParam(r, paramName)))
		HandleAPIError(w, r, err, "")
		return auth.Identity{}, uuid.Nil, false
	}

	return identity, id, true
}
