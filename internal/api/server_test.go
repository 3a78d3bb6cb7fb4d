package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"
)

func newTestEcho() *echo.Echo {
	server := NewServer(NewAllocationStore(), Options{MaxIterations: 10_000, BodyLimit: 4096})
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

const problem = `{
  "nodes": [
    {"name": "fc1", "candidates": [{"bits": 4, "cost": 32}, {"bits": 8, "cost": 64}]},
    {"name": "fc2", "candidates": [{"bits": 8, "cost": 32}, {"bits": 4, "cost": 16}]}
  ],
  "scores": [[1, 0], [0, 5]],
  "budget": 80
}`

func TestAllocationLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	createRec := doJSON(t, e, http.MethodPost, "/v1/allocations", problem)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}
	created := decode[Allocation](t, createRec)
	if !strings.HasPrefix(created.ID, "alloc_") {
		t.Fatalf("unexpected id %q", created.ID)
	}
	// 8/8 costs 96 and is over budget; 4/8 costs 64 with sensitivity 1.
	if diff := cmp.Diff([]int{4, 8}, created.Result.Bits); diff != "" {
		t.Fatalf("bits mismatch (-want +got):\n%s", diff)
	}
	// Indices refer to the candidate order of the request.
	if diff := cmp.Diff([]int{0, 0}, created.Result.Assignment); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
	if created.Result.Cost != 64 || created.Result.Sensitivity != 1 || !created.Result.Optimal {
		t.Fatalf("unexpected result %+v", created.Result)
	}
	if diff := cmp.Diff([]string{"fc1", "fc2"}, created.Nodes); diff != "" {
		t.Fatalf("nodes mismatch (-want +got):\n%s", diff)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/allocations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	if got := decode[Allocation](t, getRec); got.ID != created.ID {
		t.Fatalf("get returned %q, want %q", got.ID, created.ID)
	}

	list := decode[AllocationList](t, doJSON(t, e, http.MethodGet, "/v1/allocations", ""))
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/allocations/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response missing deleted=true: %s", delRec.Body.String())
	}

	if rec := doJSON(t, e, http.MethodGet, "/v1/allocations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/allocations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestAllocationErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"empty body", ``, http.StatusBadRequest, "empty request body"},
		{"too large", `{"nodes": [` + strings.Repeat(" ", 5000) + `]}`, http.StatusBadRequest, "exceeds"},
		{"no nodes", `{"nodes": []}`, http.StatusBadRequest, "nodes are required"},
		{"unknown field", `{"nodes": [], "budgets": 1}`, http.StatusBadRequest, "error"},
		{
			"missing scores",
			`{"nodes": [{"name": "a", "candidates": [{"bits": 8, "cost": 8}, {"bits": 4, "cost": 4}]}]}`,
			http.StatusBadRequest, "score rows",
		},
		{
			"infeasible budget",
			`{"nodes": [{"name": "a", "candidates": [{"bits": 8, "cost": 8}]}], "budget": 4}`,
			http.StatusUnprocessableEntity, "budget",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/v1/allocations", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tt.code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.msg) {
				t.Fatalf("body %s does not mention %q", rec.Body.String(), tt.msg)
			}
		})
	}
}

func TestThresholds(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodPost, "/v1/thresholds", `{
	  "shape": [2, 3],
	  "data": [1, -0.5, 0.25, 4, -2, 3],
	  "method": "power_of_two",
	  "error_method": "noclipping",
	  "per_channel": true
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[ThresholdResponse](t, rec)
	if diff := cmp.Diff([]float64{1, 4}, resp.Params.Threshold); diff != "" {
		t.Fatalf("threshold mismatch (-want +got):\n%s", diff)
	}
	if resp.Params.NBits != 8 || !resp.Params.Signed || resp.Warning != "" {
		t.Fatalf("unexpected params %+v warning=%q", resp.Params, resp.Warning)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/thresholds", `{"data": [0.5, -1.5, 3]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("default search status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if resp := decode[ThresholdResponse](t, rec); len(resp.Params.Threshold) != 1 || resp.Params.Threshold[0] <= 0 {
		t.Fatalf("unexpected default params %+v", resp.Params)
	}
}

func TestThresholdErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	tests := []struct {
		name string
		body string
		code int
	}{
		{"no data", `{"data": []}`, http.StatusBadRequest},
		{"unknown method", `{"data": [1], "method": "ternary"}`, http.StatusBadRequest},
		{"shape mismatch", `{"shape": [2, 2], "data": [1, 2, 3]}`, http.StatusBadRequest},
		{"bad axis", `{"shape": [3], "data": [1, 2, 3], "per_channel": true, "channel_axis": 4}`, http.StatusBadRequest},
		{"bad bits", `{"data": [1, 2], "n_bits": 99}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/v1/thresholds", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tt.code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("missing error envelope: %s", rec.Body.String())
			}
		})
	}
}

func TestMethods(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(), http.MethodGet, "/v1/methods", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	out := decode[struct {
		Data []methodEntry `json:"data"`
	}](t, rec)
	var kmeans *methodEntry
	for i := range out.Data {
		if out.Data[i].Method == "kmeans" && out.Data[i].ErrorMethod == "mse" {
			kmeans = &out.Data[i]
		}
	}
	if kmeans == nil || !kmeans.Weights || kmeans.Activation {
		t.Fatalf("kmeans/mse entry = %+v", kmeans)
	}
}

func TestCapped(t *testing.T) {
	t.Parallel()

	tests := []struct{ req, limit, want int }{
		{0, 0, 0},
		{0, 10, 10},
		{5, 10, 5},
		{50, 10, 10},
		{50, 0, 50},
	}
	for _, tt := range tests {
		if got := capped(tt.req, tt.limit); got != tt.want {
			t.Errorf("capped(%d, %d) = %d, want %d", tt.req, tt.limit, got, tt.want)
		}
	}
}
