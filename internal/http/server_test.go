package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	internal_http "github.com/ignatij/goapprove/internal/http"
	internal_storage "github.com/ignatij/goapprove/internal/storage"
	"github.com/ignatij/goapprove/internal/testutil"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestE2EServer(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	roles := service.StaticRoleDirectory{
		"ana":   {"ACCOUNTANT"},
		"carla": {"CEO"},
		"uri":   {"EMPLOYEE"},
	}

	newServer := func(store storage.Store) *httptest.Server {
		svcs := internal_http.NewServices(store, roles, service.NopNotifier{})
		mux := http.NewServeMux()
		internal_http.Register(mux, svcs)
		return httptest.NewServer(mux)
	}

	newTestStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE workflow_templates RESTART IDENTITY CASCADE")
			assert.NoError(t, err)
			_, err = testDB.DB.Exec("TRUNCATE TABLE delegations RESTART IDENTITY")
			assert.NoError(t, err)
			store.Close()
		})
		return store
	}

	postJSON := func(t *testing.T, srv *httptest.Server, path string, body interface{}) *http.Response {
		data, err := json.Marshal(body)
		assert.NoError(t, err)
		resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewReader(data))
		assert.NoError(t, err)
		return resp
	}

	createTemplate := func(t *testing.T, srv *httptest.Server) models.WorkflowTemplate {
		resp := postJSON(t, srv, "/templates", models.WorkflowTemplate{
			Name:        "Invoice Approval",
			RequestType: "INVOICE",
			Stages: models.StageList{
				{Order: 1, Name: "Finance Review", RequiredRoles: []string{"ACCOUNTANT"}},
				{Order: 2, Name: "Executive Sign-off", RequiredRoles: []string{"CEO"}},
			},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		var tmpl models.WorkflowTemplate
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&tmpl))
		return tmpl
	}

	attach := func(t *testing.T, srv *httptest.Server, templateID int64, requestID string) int64 {
		resp := postJSON(t, srv, "/instances", map[string]interface{}{
			"template_id":  templateID,
			"request_type": "INVOICE",
			"request_id":   requestID,
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			ID int64 `json:"id"`
		}
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out.ID
	}

	t.Run("HealthCheck", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "goapprove server is running", string(body))
	})

	t.Run("CreateAndListTemplates", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		tmpl := createTemplate(t, srv)
		assert.Greater(t, tmpl.ID, int64(0))

		resp, err := srv.Client().Get(srv.URL + "/templates?request_type=INVOICE")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var templates []models.WorkflowTemplate
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&templates))
		assert.Len(t, templates, 1)
		assert.Equal(t, tmpl.ID, templates[0].ID)
	})

	t.Run("InvalidTemplateRejected", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		resp := postJSON(t, srv, "/templates", models.WorkflowTemplate{
			Name:        "Broken",
			RequestType: "INVOICE",
			Stages: models.StageList{
				{Order: 1, Name: "A", RequiredRoles: []string{"ACCOUNTANT"}},
				{Order: 3, Name: "B", RequiredRoles: []string{"CEO"}},
			},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("FullApprovalFlow", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		tmpl := createTemplate(t, srv)
		instanceID := attach(t, srv, tmpl.ID, "inv-1")

		// Attaching again for the same request returns the same instance.
		assert.Equal(t, instanceID, attach(t, srv, tmpl.ID, "inv-1"))

		resp := postJSON(t, srv, fmt.Sprintf("/instances/%d/decide", instanceID), map[string]string{
			"actor":  "ana",
			"action": "APPROVE",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var view service.InstanceView
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, 2, view.Instance.CurrentStage)
		assert.Equal(t, models.PendingInstanceStatus, view.Instance.Status)

		resp = postJSON(t, srv, fmt.Sprintf("/instances/%d/decide", instanceID), map[string]string{
			"actor":    "carla",
			"action":   "APPROVE",
			"comments": "fine by me",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, models.ApprovedInstanceStatus, view.Instance.Status)
		assert.Len(t, view.Actions, 2)

		// Terminal instance: further decisions conflict.
		resp = postJSON(t, srv, fmt.Sprintf("/instances/%d/decide", instanceID), map[string]string{
			"actor":  "carla",
			"action": "APPROVE",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		// The progress view is served off the request reference.
		getResp, err := srv.Client().Get(srv.URL + "/instances?request_type=INVOICE&request_id=inv-1")
		assert.NoError(t, err)
		defer getResp.Body.Close()
		assert.Equal(t, http.StatusOK, getResp.StatusCode)
		assert.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
		assert.Equal(t, models.ApprovedInstanceStatus, view.Instance.Status)

		auditResp, err := srv.Client().Get(srv.URL + fmt.Sprintf("/instances/%d/audit", instanceID))
		assert.NoError(t, err)
		defer auditResp.Body.Close()
		assert.Equal(t, http.StatusOK, auditResp.StatusCode)
		var trail struct {
			Events    []models.AuditEvent  `json:"events"`
			Decisions []models.StageAction `json:"decisions"`
		}
		assert.NoError(t, json.NewDecoder(auditResp.Body).Decode(&trail))
		assert.Len(t, trail.Decisions, 2)
		assert.Equal(t, models.InstanceCreatedEvent, trail.Events[0].Kind)
	})

	t.Run("UnauthorizedDecide", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		tmpl := createTemplate(t, srv)
		instanceID := attach(t, srv, tmpl.ID, "inv-1")

		resp := postJSON(t, srv, fmt.Sprintf("/instances/%d/decide", instanceID), map[string]string{
			"actor":  "uri",
			"action": "APPROVE",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("DecideViaDelegation", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		tmpl := createTemplate(t, srv)
		instanceID := attach(t, srv, tmpl.ID, "inv-1")

		resp := postJSON(t, srv, "/delegations", map[string]interface{}{
			"delegator": "ana",
			"delegate":  "uri",
			"starts_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
			"ends_at":   time.Now().Add(time.Hour).Format(time.RFC3339),
			"reason":    "vacation",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = postJSON(t, srv, fmt.Sprintf("/instances/%d/decide", instanceID), map[string]string{
			"actor":  "uri",
			"action": "APPROVE",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var view service.InstanceView
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, "uri", view.Actions[0].Actor)
		assert.Equal(t, "ana", view.Actions[0].ActedFor)
	})

	t.Run("CancelInstance", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		tmpl := createTemplate(t, srv)
		instanceID := attach(t, srv, tmpl.ID, "inv-1")

		resp := postJSON(t, srv, fmt.Sprintf("/instances/%d/cancel", instanceID), map[string]string{
			"actor":  "uri",
			"reason": "request withdrawn",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var view service.InstanceView
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, models.CancelledInstanceStatus, view.Instance.Status)
	})

	t.Run("DelegationValidation", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		resp := postJSON(t, srv, "/delegations", map[string]interface{}{
			"delegator": "ana",
			"delegate":  "ana",
			"starts_at": time.Now().Format(time.RFC3339),
			"ends_at":   time.Now().Add(time.Hour).Format(time.RFC3339),
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = postJSON(t, srv, "/delegations", map[string]interface{}{
			"delegator": "ana",
			"delegate":  "uri",
			"starts_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			"ends_at":   time.Now().Format(time.RFC3339),
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ViewMissingInstance", func(t *testing.T) {
		store := newTestStore(t)
		srv := newServer(store)
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/instances?request_type=INVOICE&request_id=ghost")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
