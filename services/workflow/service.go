package workflow

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"connectflow/pkg/apikey"
)

// Submitter queues trigger events for execution.
type Submitter interface {
	Submit(ctx context.Context, ev TriggerEvent) (string, error)
}

// KeyDecoder verifies API trigger keys.
type KeyDecoder interface {
	Decode(key string) (apikey.Claims, error)
}

// StatusStreamer serves realtime status subscriptions.
type StatusStreamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, channel string)
}

// ServiceOptions holds the collaborators of a Service.
type ServiceOptions struct {
	Workflows  WorkflowRepo
	Executions ExecutionRepo
	Runs       Submitter
	Keys       KeyDecoder
	Status     StatusStreamer
}

// Service exposes the workflow domain over HTTP.
type Service struct {
	repo       WorkflowRepo
	executions ExecutionRepo
	runs       Submitter
	keys       KeyDecoder
	status     StatusStreamer
}

func NewService(opts ServiceOptions) *Service {
	return &Service{
		repo:       opts.Workflows,
		executions: opts.Executions,
		runs:       opts.Runs,
		keys:       opts.Keys,
		status:     opts.Status,
	}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/executions", s.HandleListExecutions).Methods("GET")

	execRouter := parentRouter.PathPrefix("/executions").Subrouter()
	execRouter.Use(jsonMiddleware)
	execRouter.HandleFunc("/{id}", s.HandleGetExecution).Methods("GET")

	parentRouter.Handle("/trigger", jsonMiddleware(http.HandlerFunc(s.HandleAPITrigger))).Methods("POST")

	// Websocket upgrades must not get a JSON content type.
	parentRouter.HandleFunc("/realtime/{channel}", s.HandleRealtime).Methods("GET")
}
