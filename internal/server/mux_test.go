// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dataportal/query-dois-go/internal/archive"
	"github.com/dataportal/query-dois-go/internal/config"
	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/minter"
	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/dataportal/query-dois-go/internal/registry"
	"github.com/dataportal/query-dois-go/internal/schema"
	"github.com/dataportal/query-dois-go/internal/stats"
	"github.com/dataportal/query-dois-go/internal/storage"
)

// mockPublisher implements event.Publisher for testing purposes.
// It provides no-op implementations of all Publisher methods.
type mockPublisher struct{}

func (m *mockPublisher) PublishDOIMinted(ctx context.Context, record model.QueryDOI) error { return nil }
func (m *mockPublisher) PublishStatRecorded(ctx context.Context, stat model.QueryDOIStat) error {
	return nil
}
func (m *mockPublisher) Close() error { return nil }

// mockRegistry implements registry.Client with every DOI unregistered.
type mockRegistry struct{}

func (m *mockRegistry) Lookup(ctx context.Context, doi string) error { return registry.ErrNotFound }
func (m *mockRegistry) RegisterMetadata(ctx context.Context, doi string, meta registry.Metadata) error {
	return nil
}
func (m *mockRegistry) BindURL(ctx context.Context, doi, url string) error { return nil }

// mockCatalog implements datastore.Catalog with one versioned resource.
type mockCatalog struct{}

func (m *mockCatalog) ListVersions(ctx context.Context, resourceID string) ([]int64, error) {
	return []int64{1000, 2000}, nil
}
func (m *mockCatalog) Count(ctx context.Context, resourceID string, query model.CanonicalQuery, version int64) (int64, error) {
	return 57, nil
}
func (m *mockCatalog) IsDatastoreResource(ctx context.Context, resourceID string) (bool, error) {
	return true, nil
}

func testMux(t *testing.T) (*http.ServeMux, storage.Store) {
	t.Helper()

	cfg := config.Config{
		DOIPrefix: "10.1234",
		Publisher: "Test Portal",
		DOITitle:  "Test Portal query containing {count} records",
		SiteURL:   "https://data.example.org",
	}
	store := storage.NewMemory()
	pub := &mockPublisher{}

	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	mint := minter.New(cfg, store, &mockRegistry{}, &mockCatalog{}, validator, archive.Noop{}, pub, metrics.NewMetrics())
	recorder := stats.NewRecorder(store)

	return NewMux(cfg, store, mint, recorder, pub), store
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	mux, _ := testMux(t)

	req, err := http.NewRequest("GET", "/healthz", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want ok", rr.Body.String())
	}
}

// TestReadyzEndpoint tests the readyz endpoint.
func TestReadyzEndpoint(t *testing.T) {
	mux, _ := testMux(t)

	req, err := http.NewRequest("GET", "/readyz", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
}

// TestMintEndpoint tests a successful mint followed by an idempotent repeat.
func TestMintEndpoint(t *testing.T) {
	mux, _ := testMux(t)

	body := `{"resourceIds":["r1"],"version":1500,"query":{"filters":"genus:Panthera"}}`
	req, err := http.NewRequest("POST", "/v1/doi/mint", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v: %s", status, http.StatusCreated, rr.Body.String())
	}

	var resp struct {
		Data model.MintData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Data.Created {
		t.Error("first mint must create a DOI")
	}
	if !strings.HasPrefix(resp.Data.QueryDOI.DOI, "10.1234/qd.") {
		t.Errorf("unexpected DOI: %s", resp.Data.QueryDOI.DOI)
	}
	if resp.Data.QueryDOI.ResourcesAndVersions["r1"] != 1000 {
		t.Errorf("expected rounded version 1000, got %d", resp.Data.QueryDOI.ResourcesAndVersions["r1"])
	}

	// The same request again reuses the DOI with a 200
	req2, _ := http.NewRequest("POST", "/v1/doi/mint", strings.NewReader(body))
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req2)

	if status := rr2.Code; status != http.StatusOK {
		t.Fatalf("repeat mint returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	var resp2 struct {
		Data model.MintData `json:"data"`
	}
	if err := json.Unmarshal(rr2.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp2.Data.Created {
		t.Error("repeat mint must not create a new DOI")
	}
	if resp2.Data.QueryDOI.DOI != resp.Data.QueryDOI.DOI {
		t.Error("repeat mint must return the same DOI")
	}
}

// TestMintEndpointValidation tests rejection of requests without a query.
func TestMintEndpointValidation(t *testing.T) {
	mux, _ := testMux(t)

	req, err := http.NewRequest("POST", "/v1/doi/mint", strings.NewReader(`{"resourceIds":["r1"]}`))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusBadRequest)
	}
}

// TestGetDOIEndpoint tests landing data resolution for a stored DOI.
func TestGetDOIEndpoint(t *testing.T) {
	mux, store := testMux(t)

	record := model.QueryDOI{
		DOI:                  "10.1234/qd.abc12345",
		ResourcesAndVersions: model.ResourceVersionMap{"r1": 1000},
		CreatedAt:            time.Now().UTC().Add(-48 * time.Hour),
		Query:                model.CanonicalQuery{Params: map[string]string{"q": "x"}},
		QueryHash:            "hash-a",
		Count:                57,
	}
	if err := store.CreateQueryDOI(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("GET", "/v1/doi/10.1234/qd.abc12345", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v: %s", status, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Data model.LandingData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.QueryDOI.DOI != record.DOI {
		t.Errorf("unexpected DOI in landing data: %s", resp.Data.QueryDOI.DOI)
	}
	if !strings.Contains(resp.Data.Citation, "https://doi.org/10.1234/qd.abc12345") {
		t.Errorf("citation missing resolver URL: %s", resp.Data.Citation)
	}
	if !strings.Contains(resp.Data.Citation, "57 records") {
		t.Errorf("citation missing record count: %s", resp.Data.Citation)
	}
	if resp.Data.TimeAgo != "2 days ago" {
		t.Errorf("unexpected time ago: %s", resp.Data.TimeAgo)
	}
}

// TestGetDOINotFound tests the 404 path.
func TestGetDOINotFound(t *testing.T) {
	mux, _ := testMux(t)

	req, err := http.NewRequest("GET", "/v1/doi/10.1234/qd.missing0", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}
}

// TestRecordStatEndpoint tests recording a download against a stored DOI and
// that the landing data reflects it.
func TestRecordStatEndpoint(t *testing.T) {
	mux, store := testMux(t)

	record := model.QueryDOI{
		DOI:                  "10.1234/qd.abc12345",
		ResourcesAndVersions: model.ResourceVersionMap{"r1": 1000},
		CreatedAt:            time.Now().UTC(),
		Query:                model.CanonicalQuery{Params: map[string]string{"q": "x"}},
		QueryHash:            "hash-a",
		Count:                57,
	}
	if err := store.CreateQueryDOI(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	body := `{"action":"download","email":"alice@example.com"}`
	req, err := http.NewRequest("POST", "/v1/doi/10.1234/qd.abc12345/stats", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v: %s", status, http.StatusCreated, rr.Body.String())
	}

	var resp struct {
		Data model.QueryDOIStat `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.Domain != "example.com" {
		t.Errorf("unexpected domain: %s", resp.Data.Domain)
	}
	if resp.Data.Identifier == "" || strings.Contains(resp.Data.Identifier, "alice") {
		t.Errorf("identifier must be anonymized: %s", resp.Data.Identifier)
	}

	// The landing data picks up the download
	landingReq, _ := http.NewRequest("GET", "/v1/doi/10.1234/qd.abc12345", nil)
	landingRR := httptest.NewRecorder()
	mux.ServeHTTP(landingRR, landingReq)

	var landing struct {
		Data model.LandingData `json:"data"`
	}
	if err := json.Unmarshal(landingRR.Body.Bytes(), &landing); err != nil {
		t.Fatal(err)
	}
	if landing.Data.Downloads != 1 {
		t.Errorf("expected 1 download in landing data, got %d", landing.Data.Downloads)
	}
	if landing.Data.LastDownloadedAt == nil {
		t.Error("expected a last-downloaded timestamp")
	}
}

// TestRecordStatUnknownDOI tests that stats cannot be recorded against an
// unknown DOI.
func TestRecordStatUnknownDOI(t *testing.T) {
	mux, _ := testMux(t)

	req, err := http.NewRequest("POST", "/v1/doi/10.1234/qd.missing0/stats", strings.NewReader(`{"action":"download"}`))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusNotFound)
	}
}

// TestRecordStatActionValidation tests that only the known action tags are
// accepted on the recording endpoint.
func TestRecordStatActionValidation(t *testing.T) {
	mux, store := testMux(t)

	record := model.QueryDOI{
		DOI:                  "10.1234/qd.act00000",
		ResourcesAndVersions: model.ResourceVersionMap{"r1": 1000},
		CreatedAt:            time.Now().UTC(),
		Query:                model.CanonicalQuery{Params: map[string]string{"q": "x"}},
		QueryHash:            "hash-act",
	}
	if err := store.CreateQueryDOI(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", "/v1/doi/10.1234/qd.act00000/stats",
		strings.NewReader(`{"action":"telepathy","email":"alice@example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown action: got %d, want %d", rr.Code, http.StatusBadRequest)
	}

	// The search action is part of the recording surface
	req2, err := http.NewRequest("POST", "/v1/doi/10.1234/qd.act00000/stats",
		strings.NewReader(`{"action":"search","email":"alice@example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	rr2 := httptest.NewRecorder()
	mux.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusCreated {
		t.Errorf("search action: got %d, want %d: %s", rr2.Code, http.StatusCreated, rr2.Body.String())
	}
}

// TestListDOIsEndpoint tests the DOI listing with a resource filter.
func TestListDOIsEndpoint(t *testing.T) {
	mux, store := testMux(t)

	for i, resource := range []string{"r1", "r2", "r1"} {
		record := model.QueryDOI{
			DOI:                  "10.1234/qd.rec0000" + string(rune('a'+i)),
			ResourcesAndVersions: model.ResourceVersionMap{resource: 1000},
			CreatedAt:            time.Now().UTC(),
			Query:                model.CanonicalQuery{Params: map[string]string{"i": string(rune('a' + i))}},
			QueryHash:            "hash-" + string(rune('a'+i)),
		}
		if err := store.CreateQueryDOI(context.Background(), record); err != nil {
			t.Fatal(err)
		}
	}

	req, err := http.NewRequest("GET", "/v1/dois?resource_id=r1", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	var resp struct {
		Data struct {
			DOIs []model.QueryDOI `json:"dois"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Data.DOIs) != 2 {
		t.Errorf("expected 2 DOIs for r1, got %d", len(resp.Data.DOIs))
	}
}

// TestMethodGuards tests that wrong methods are rejected.
func TestMethodGuards(t *testing.T) {
	mux, _ := testMux(t)

	cases := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/doi/mint"},
		{"POST", "/v1/dois"},
		{"POST", "/v1/stats"},
		{"DELETE", "/v1/doi/10.1234/qd.abc12345"},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, tc.path, nil)
		if err != nil {
			t.Fatal(err)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, rr.Code, http.StatusBadRequest)
		}
	}
}
