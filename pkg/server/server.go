// Package server is the HTTP façade over the engine: statement
// execution over JSON plus live query streaming over websockets.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/engine"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/planner"
	"github.com/nsdb-io/nsdb/pkg/sql"
)

// Server routes statement requests into the engine.
type Server struct {
	log     zerolog.Logger
	engine  *engine.Engine
	live    *LiveHub
	timeout time.Duration
}

// New creates the façade. queryTimeout bounds every request-scoped
// engine call.
func New(e *engine.Engine, queryTimeout time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		log:     log.With().Str("component", "http").Logger(),
		engine:  e,
		timeout: queryTimeout,
	}
	s.live = NewLiveHub(e, s.log)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/commands", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/data", s.handleData).Methods(http.MethodPost)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/live", s.live.HandleWS)
	return r
}

// statusOf maps engine errors onto HTTP statuses.
func statusOf(err error) int {
	var parseErr *sql.ParseError
	var planErr *planner.PlanError
	var conflict *model.SchemaConflictError
	var ioErr *engine.IndexIOError
	switch {
	case errors.As(err, &parseErr), errors.As(err, &planErr), errors.As(err, &conflict):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownMetric), errors.Is(err, engine.ErrUnknownNamespace):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ioErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
