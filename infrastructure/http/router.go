package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fixora/flagsync/infrastructure/http/handler"
	"github.com/fixora/flagsync/infrastructure/http/middleware"
	"github.com/fixora/flagsync/infrastructure/http/sse"
)

// RouterDeps holds everything the HTTP surface is built from
type RouterDeps struct {
	Flags     *handler.FeatureFlagHandler
	Health    *handler.HealthHandler
	Streamer  *sse.Streamer
	Auth      *middleware.AuthMiddleware
	RateLimit *middleware.RateLimitMiddleware
}

func NewRouter(deps RouterDeps) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", deps.Health.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/orgs/{org}").Subrouter()
	v1.Use(deps.Auth.RequireAuth)

	v1.HandleFunc("/flags", deps.Flags.ListFlags).Methods(http.MethodGet)
	v1.HandleFunc("/flags", deps.Flags.CreateFlag).Methods(http.MethodPost)
	v1.HandleFunc("/flags/stream", deps.Streamer.HandleFlagStream).Methods(http.MethodGet)

	toggle := http.Handler(http.HandlerFunc(deps.Flags.ToggleFlag))
	if deps.RateLimit != nil {
		toggle = deps.RateLimit.RateLimit(toggle)
	}
	v1.Handle("/flags/{key}/toggle", toggle).Methods(http.MethodPost)

	v1.HandleFunc("/audit", deps.Flags.QueryAudit).Methods(http.MethodGet)
	return r
}
