package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// ActorHeader names the caller. It is not authenticated: the engine's
// ownership table decides what the named actor may write.
const ActorHeader = "X-Actor-Id"

type actorKey struct{}

func withActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "actor_required", ActorHeader+" header required", nil)
}

func newActorMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			actor := strings.TrimSpace(req.Header.Get(ActorHeader))
			if actor == "" {
				next.ServeHTTP(w, req)
				return
			}
			logger.Debug("request", "method", req.Method, "path", req.URL.Path, "actor", actor)
			next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
