package routes

import (
	"workflow-orchestrator/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, exec handlers.Executor, metrics handlers.MetricsSource) {
	workflowHandler := handlers.NewWorkflowHandler(exec)
	metricsHandler := handlers.NewMetricsHandler(metrics)

	api := r.PathPrefix("/v1").Subrouter()

	// Workflow endpoints
	api.HandleFunc("/workflows", workflowHandler.SubmitWorkflow).Methods("POST")
	api.HandleFunc("/workflows", workflowHandler.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}", workflowHandler.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}", workflowHandler.DeleteWorkflow).Methods("DELETE")
	api.HandleFunc("/workflows/{id}/cancel", workflowHandler.CancelWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/outputs", workflowHandler.GetWorkflowOutputs).Methods("GET")

	r.HandleFunc("/metrics", metricsHandler.GetMetrics).Methods("GET")
	r.HandleFunc("/health", metricsHandler.Health).Methods("GET")
}
