package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailvet/middleware"
	"mailvet/models"
	"mailvet/store"
	"mailvet/validator"
	"mailvet/worker"
)

type stubValidator struct {
	mu    sync.Mutex
	calls []string
	cache []bool
}

func (s *stubValidator) Validate(_ context.Context, email string, _ uint, useCache bool) *validator.Result {
	s.mu.Lock()
	s.calls = append(s.calls, email)
	s.cache = append(s.cache, useCache)
	s.mu.Unlock()

	res := &validator.Result{Email: strings.ToLower(email), Status: validator.StatusValid, FormatValid: true, DNSValid: true, SMTPValid: true, Details: []string{}}
	if !strings.Contains(email, "@") {
		res = &validator.Result{Email: email, Status: validator.StatusInvalid, Details: []string{"Invalid email format"}}
	}
	return res
}

type testApp struct {
	app  *fiber.App
	vc   *ValidationController
	stub *stubValidator
	jobs *store.MemoryJobStore
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	stub := &stubValidator{}
	jobs := store.NewMemoryJobStore()
	bulk := worker.NewBulkCoordinator(stub, jobs, worker.BulkConfig{MaxBatchSize: 3}, nil)
	t.Cleanup(bulk.Stop)

	vc := NewValidationController(stub, bulk, nil)
	vc.lookupWhois = func(string) (string, error) { return "", errors.New("whois disabled in tests") }

	app := fiber.New()
	api := app.Group("/api/v1", middleware.RequestUser())
	api.Get("/validate", vc.ValidateEmail)
	api.Post("/bulk", vc.BulkValidate)
	api.Get("/bulk/:id", vc.GetBulkProgress)
	api.Get("/bulk/:id/items", vc.GetBulkItems)
	api.Post("/bulk/:id/cancel", vc.CancelBulk)

	return &testApp{app: app, vc: vc, stub: stub, jobs: jobs}
}

func (ta *testApp) do(t *testing.T, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(middleware.UserHeader, "7")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestValidateEmail(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, http.MethodGet, "/api/v1/validate?email=Jane@Example.com", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "jane@example.com", body["email"])
	assert.Equal(t, "valid", body["status"])
	assert.NotContains(t, body, "whois")
	assert.Equal(t, []bool{true}, ta.stub.cache, "cache is used by default")

	status, _ = ta.do(t, http.MethodGet, "/api/v1/validate?email=jane@example.com&cache=false", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []bool{true, false}, ta.stub.cache)
}

func TestValidateEmail_BadRequests(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, http.MethodGet, "/api/v1/validate", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])

	status, _ = ta.do(t, http.MethodGet, "/api/v1/validate?email=a@b.com&cache=maybe", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Empty(t, ta.stub.calls)
}

func TestValidateEmail_MissingUser(t *testing.T) {
	ta := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/validate?email=a@b.com", nil)
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/validate?email=a@b.com", nil)
	req.Header.Set(middleware.UserHeader, "abc")
	resp, err = ta.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestValidateEmail_Whois(t *testing.T) {
	ta := newTestApp(t)
	ta.vc.WhoisEnabled = true
	var asked []string
	ta.vc.lookupWhois = func(domain string) (string, error) {
		asked = append(asked, domain)
		return "Registrar: Example Registrar", nil
	}

	_, body := ta.do(t, http.MethodGet, "/api/v1/validate?email=jane@example.com", "")
	assert.Equal(t, "Registrar: Example Registrar", body["whois"])

	_, body = ta.do(t, http.MethodGet, "/api/v1/validate?email=broken", "")
	assert.NotContains(t, body, "whois", "no lookup for addresses that did not resolve")
	assert.Equal(t, []string{"example.com"}, asked)
}

func TestBulkValidate_Lifecycle(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, http.MethodPost, "/api/v1/bulk", `{"name":"march","emails":["a@x.com","bad","c@x.com"]}`)
	require.Equal(t, http.StatusAccepted, status)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 3, data["total_emails"])
	jobID := data["job_id"].(float64)
	require.NotZero(t, jobID)

	ta.vc.Bulk.Wait()

	status, body = ta.do(t, http.MethodGet, "/api/v1/bulk/1", "")
	require.Equal(t, http.StatusOK, status)
	progress := body["data"].(map[string]interface{})
	assert.Equal(t, models.JobCompleted, progress["status"])
	assert.EqualValues(t, 3, progress["processed_emails"])
	assert.EqualValues(t, 2, progress["valid_emails"])
	assert.EqualValues(t, 1, progress["invalid_emails"])

	status, body = ta.do(t, http.MethodGet, "/api/v1/bulk/1/items?offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, status)
	items := body["data"].(map[string]interface{})["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "bad", items[0].(map[string]interface{})["email"])

	status, _ = ta.do(t, http.MethodPost, "/api/v1/bulk/1/cancel", "")
	assert.Equal(t, http.StatusConflict, status, "finished jobs cannot be cancelled")
}

func TestBulkValidate_Rejects(t *testing.T) {
	ta := newTestApp(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"emails":`, http.StatusBadRequest},
		{"no emails", `{"emails":[]}`, http.StatusBadRequest},
		{"blank entry", `{"emails":["a@x.com",""]}`, http.StatusBadRequest},
		{"too many", `{"emails":["a@x.com","b@x.com","c@x.com","d@x.com"]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ta.do(t, http.MethodPost, "/api/v1/bulk", tt.body)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, false, body["success"])
		})
	}
	assert.Empty(t, ta.stub.calls)
}

func TestBulkJobErrors(t *testing.T) {
	ta := newTestApp(t)

	status, _ := ta.do(t, http.MethodGet, "/api/v1/bulk/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ta.do(t, http.MethodGet, "/api/v1/bulk/99", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ta.do(t, http.MethodGet, "/api/v1/bulk/99/items", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ta.do(t, http.MethodPost, "/api/v1/bulk/99/cancel", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ta.do(t, http.MethodGet, "/api/v1/bulk/1/items?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCancelBulk_Pending(t *testing.T) {
	ta := newTestApp(t)

	job := &models.BulkJob{UserID: 7, TotalEmails: 2}
	require.NoError(t, ta.jobs.CreateJob(context.Background(), job))

	status, _ := ta.do(t, http.MethodPost, "/api/v1/bulk/1/cancel", "")
	assert.Equal(t, http.StatusOK, status)

	_, body := ta.do(t, http.MethodGet, "/api/v1/bulk/1", "")
	progress := body["data"].(map[string]interface{})
	assert.Equal(t, models.JobFailed, progress["status"])
	assert.Equal(t, "cancelled", progress["last_error"])
}

func TestNewValidationController_Defaults(t *testing.T) {
	vc := NewValidationController(&stubValidator{}, nil, nil)
	assert.Equal(t, time.Second, vc.ProgressInterval)
	assert.NotNil(t, vc.Logger)
	assert.False(t, vc.WhoisEnabled)
}
