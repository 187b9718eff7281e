package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/goapprove/internal/log"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// Services bundles the engine surfaces exposed over HTTP.
type Services struct {
	Catalog     *service.CatalogService
	Engine      *service.WorkflowService
	Delegations *service.DelegationService
	Audit       *service.AuditService
}

// NewServices wires the default service stack over a store.
func NewServices(store storage.Store, roles service.RoleDirectory, notifier service.Notifier) Services {
	logger := log.GetLogger()
	delegations := service.NewDelegationService(store, logger)
	return Services{
		Catalog:     service.NewCatalogService(store, logger),
		Engine:      service.NewWorkflowService(store, roles, delegations, notifier, logger),
		Delegations: delegations,
		Audit:       service.NewAuditService(store),
	}
}

// StartServer starts the approval engine HTTP surface on the given port.
func StartServer(port string, store storage.Store, roles service.RoleDirectory, notifier service.Notifier) error {
	svcs := NewServices(store, roles, notifier)
	mux := http.NewServeMux()
	Register(mux, svcs)
	log.GetLogger().Infof("Starting goapprove server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

// Register attaches all handlers to the mux.
func Register(mux *http.ServeMux, svcs Services) {
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/templates", TemplatesHandler(svcs.Catalog))
	mux.HandleFunc("/templates/", TemplateByIDHandler(svcs.Catalog))
	mux.HandleFunc("/instances", InstancesHandler(svcs.Engine))
	mux.HandleFunc("/instances/", InstanceByIDHandler(svcs.Engine, svcs.Audit))
	mux.HandleFunc("/delegations", DelegationsHandler(svcs.Delegations))
	mux.HandleFunc("/delegations/", DelegationByIDHandler(svcs.Delegations))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "goapprove server is running")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to write response: %v", err)
	}
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Race
// losses and terminal-state conflicts are expected outcomes, logged at
// info, not as faults.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrAlreadyDecided),
		errors.Is(err, service.ErrWorkflowTerminal),
		errors.Is(err, service.ErrTemplateInactive):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidTemplate),
		errors.Is(err, service.ErrInvalidRange),
		errors.Is(err, service.ErrSelfDelegation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	} else {
		log.GetLogger().Infof("Request rejected (%d): %v", status, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// TemplatesHandler serves GET /templates?request_type= and POST /templates.
func TemplatesHandler(catalog *service.CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			requestType := r.URL.Query().Get("request_type")
			if requestType == "" {
				http.Error(w, "Missing 'request_type' parameter", http.StatusBadRequest)
				return
			}
			templates, err := catalog.ListTemplatesForType(requestType)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, templates)
		case http.MethodPost:
			var t models.WorkflowTemplate
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
				return
			}
			created, err := catalog.CreateTemplate(t)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// TemplateByIDHandler serves GET /templates/{id} and
// POST /templates/{id}/deactivate.
func TemplateByIDHandler(catalog *service.CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/templates/")
		parts := strings.Split(rest, "/")
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "Invalid template id", http.StatusBadRequest)
			return
		}
		switch {
		case r.Method == http.MethodGet && len(parts) == 1:
			t, err := catalog.GetTemplate(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, t)
		case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "deactivate":
			if err := catalog.Deactivate(id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Deactivated template %d", id)})
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

type createInstanceRequest struct {
	TemplateID  int64  `json:"template_id"`
	RequestType string `json:"request_type"`
	RequestID   string `json:"request_id"`
}

// InstancesHandler serves POST /instances and
// GET /instances?request_type=&request_id= (the progress view).
func InstancesHandler(engine *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req createInstanceRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
				return
			}
			id, err := engine.CreateInstance(req.TemplateID, req.RequestType, req.RequestID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id":      id,
				"message": fmt.Sprintf("Attached instance %d to %s/%s", id, req.RequestType, req.RequestID),
			})
		case http.MethodGet:
			requestType := r.URL.Query().Get("request_type")
			requestID := r.URL.Query().Get("request_id")
			if requestType == "" || requestID == "" {
				http.Error(w, "Missing 'request_type' or 'request_id' parameter", http.StatusBadRequest)
				return
			}
			view, err := engine.GetInstanceView(requestType, requestID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

type decideRequest struct {
	Actor    string `json:"actor"`
	Action   string `json:"action"` // APPROVE or REJECT
	Comments string `json:"comments,omitempty"`
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// InstanceByIDHandler serves POST /instances/{id}/decide,
// POST /instances/{id}/cancel and GET /instances/{id}/audit.
func InstanceByIDHandler(engine *service.WorkflowService, audit *service.AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/instances/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "Invalid instance id", http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodGet && parts[1] == "audit" {
			events, err := audit.ListForInstance(id)
			if err != nil {
				writeError(w, err)
				return
			}
			decisions, err := audit.ListDecisions(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"events":    events,
				"decisions": decisions,
			})
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "decide":
			var req decideRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
				return
			}
			var action models.DecisionAction
			switch req.Action {
			case "APPROVE":
				action = models.ApproveAction
			case "REJECT":
				action = models.RejectAction
			default:
				http.Error(w, "Invalid action: must be APPROVE or REJECT", http.StatusBadRequest)
				return
			}
			view, err := engine.Decide(id, req.Actor, action, req.Comments)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case "cancel":
			var req cancelRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
				return
			}
			view, err := engine.Cancel(id, req.Actor, req.Reason)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

type createDelegationRequest struct {
	Delegator string    `json:"delegator"`
	Delegate  string    `json:"delegate"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Reason    string    `json:"reason,omitempty"`
}

// DelegationsHandler serves POST /delegations and GET /delegations?user=.
func DelegationsHandler(delegations *service.DelegationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req createDelegationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, fmt.Sprintf("Invalid JSON body: %v", err), http.StatusBadRequest)
				return
			}
			d, err := delegations.CreateDelegation(req.Delegator, req.Delegate, req.StartsAt, req.EndsAt, req.Reason)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, d)
		case http.MethodGet:
			user := r.URL.Query().Get("user")
			if user == "" {
				http.Error(w, "Missing 'user' parameter", http.StatusBadRequest)
				return
			}
			dels, err := delegations.ListForUser(user)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, dels)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// DelegationByIDHandler serves POST /delegations/{id}/cancel.
func DelegationByIDHandler(delegations *service.DelegationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/delegations/")
		parts := strings.Split(rest, "/")
		if r.Method != http.MethodPost || len(parts) != 2 || parts[1] != "cancel" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "Invalid delegation id", http.StatusBadRequest)
			return
		}
		if err := delegations.CancelDelegation(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Cancelled delegation %d", id)})
	}
}
