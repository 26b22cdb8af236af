package controllers

import (
	"context"
	"net/http"

	"github.com/relaykit/relaykit/api/responses"
	pkgerrors "github.com/relaykit/relaykit/pkg/errors"
	"github.com/relaykit/relaykit/pkg/logger"
)

// Pinger is the health-check surface of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports readiness: the database must answer, redis only when
// configured.
func Health(dbClient Pinger, redisClient Pinger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if dbClient == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "database client unavailable"))
			return
		}
		if err := dbClient.Ping(ctx); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "database unreachable"))
			return
		}

		checks := map[string]string{"database": "ok"}
		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "redis unreachable"))
				return
			}
			checks["redis"] = "ok"
		}

		responses.WriteSuccess(w, checks)
	}
}
