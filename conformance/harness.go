// Package conformance provides a test harness for verifying query DOI
// service behavior end to end over HTTP.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dataportal/query-dois-go/internal/archive"
	"github.com/dataportal/query-dois-go/internal/config"
	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/minter"
	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/dataportal/query-dois-go/internal/registry"
	"github.com/dataportal/query-dois-go/internal/schema"
	"github.com/dataportal/query-dois-go/internal/server"
	"github.com/dataportal/query-dois-go/internal/stats"
	"github.com/dataportal/query-dois-go/internal/storage"
)

// Harness provides a test harness for query DOI conformance testing.
type Harness struct {
	server   *httptest.Server
	store    storage.Store
	registry *fakeRegistry
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// UsePostgres determines whether to use PostgreSQL or in-memory storage
	UsePostgres bool

	// AllowMultiResource enables minting against multiple resources
	AllowMultiResource bool
}

// fakeRegistry implements registry.Client, tracking registration calls.
type fakeRegistry struct {
	metadataCalls int
	bindCalls     int
}

func (f *fakeRegistry) Lookup(ctx context.Context, doi string) error { return registry.ErrNotFound }
func (f *fakeRegistry) RegisterMetadata(ctx context.Context, doi string, meta registry.Metadata) error {
	f.metadataCalls++
	return nil
}
func (f *fakeRegistry) BindURL(ctx context.Context, doi, url string) error {
	f.bindCalls++
	return nil
}

// fakeCatalog implements datastore.Catalog: one resource with snapshot
// versions 1000 and 2000, a fixed count per query.
type fakeCatalog struct{}

func (f *fakeCatalog) ListVersions(ctx context.Context, resourceID string) ([]int64, error) {
	return []int64{1000, 2000}, nil
}
func (f *fakeCatalog) Count(ctx context.Context, resourceID string, query model.CanonicalQuery, version int64) (int64, error) {
	return 57, nil
}
func (f *fakeCatalog) IsDatastoreResource(ctx context.Context, resourceID string) (bool, error) {
	return true, nil
}

// noopPublisher is a no-op implementation of event.Publisher for testing.
type noopPublisher struct{}

func (n *noopPublisher) PublishDOIMinted(ctx context.Context, record model.QueryDOI) error {
	return nil
}
func (n *noopPublisher) PublishStatRecorded(ctx context.Context, stat model.QueryDOIStat) error {
	return nil
}
func (n *noopPublisher) Close() error { return nil }

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	// Initialize storage, wrapped with operation metrics as in production
	m := metrics.NewMetrics()
	var store storage.Store
	if cfg.UsePostgres {
		// In a real implementation, we would connect to a test database
		store = storage.NewInstrumented(storage.NewMemory(), m)
	} else {
		store = storage.NewInstrumented(storage.NewMemory(), m)
	}

	serviceCfg := config.Config{
		DOIPrefix:          "10.1234",
		Publisher:          "Conformance Portal",
		DOITitle:           "Conformance Portal query containing {count} records",
		SiteURL:            "https://data.example.org",
		AllowMultiResource: cfg.AllowMultiResource,
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	reg := &fakeRegistry{}
	pub := &noopPublisher{}
	mint := minter.New(serviceCfg, store, reg, &fakeCatalog{}, validator, archive.Noop{}, pub, m)
	recorder := stats.NewRecorder(store)

	mux := server.NewMux(serviceCfg, store, mint, recorder, pub)
	ts := httptest.NewServer(mux)

	return &Harness{
		server:   ts,
		store:    store,
		registry: reg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
}

// postJSON sends a JSON body and decodes the response envelope into out.
func (h *Harness) postJSON(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := http.Post(h.URL()+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// getJSON fetches a path and decodes the response envelope into out.
func (h *Harness) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(h.URL() + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("MintValidation", h.testMintValidation)
	t.Run("Listing", h.testListing)
}

// RunAcceptanceTests runs the end-to-end minting scenario.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("MintReuseAndLanding", h.testMintReuseAndLanding)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s returned %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testMintValidation(t *testing.T) {
	// No query at all
	status := h.postJSON(t, "/v1/doi/mint", map[string]interface{}{
		"resourceIds": []string{"r1"},
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("mint without query returned %d, want %d", status, http.StatusBadRequest)
	}

	// Malformed filter string
	status = h.postJSON(t, "/v1/doi/mint", map[string]interface{}{
		"resourceIds": []string{"r1"},
		"query":       map[string]interface{}{"filters": "missing-delimiter"},
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("mint with malformed filters returned %d, want %d", status, http.StatusBadRequest)
	}

	// Multi-resource requests are disabled by default
	status = h.postJSON(t, "/v1/doi/mint", map[string]interface{}{
		"resourceIds": []string{"r1", "r2"},
		"query":       map[string]interface{}{"q": "x"},
	}, nil)
	if status != http.StatusNotImplemented {
		t.Errorf("multi-resource mint returned %d, want %d", status, http.StatusNotImplemented)
	}
}

// testMintReuseAndLanding exercises the full lifecycle: mint, reuse under a
// reordered query and a different raw version, landing data and stats.
func (h *Harness) testMintReuseAndLanding(t *testing.T) {
	// Mint at version 1500, which rounds down to snapshot 1000
	var first struct {
		Data model.MintData `json:"data"`
	}
	status := h.postJSON(t, "/v1/doi/mint", map[string]interface{}{
		"resourceIds": []string{"r1"},
		"version":     1500,
		"query": map[string]interface{}{
			"filters": map[string]interface{}{
				"genus": "Panthera",
				"year":  []string{"1990", "1991"},
			},
		},
	}, &first)
	if status != http.StatusCreated {
		t.Fatalf("first mint returned %d, want %d", status, http.StatusCreated)
	}
	if !first.Data.Created {
		t.Fatal("first mint must create a DOI")
	}
	if first.Data.QueryDOI.ResourcesAndVersions["r1"] != 1000 {
		t.Errorf("expected version 1500 to round to 1000, got %d", first.Data.QueryDOI.ResourcesAndVersions["r1"])
	}

	registrations := h.registry.metadataCalls

	// Reordered filters at version 1999 resolve to the same identity
	var second struct {
		Data model.MintData `json:"data"`
	}
	status = h.postJSON(t, "/v1/doi/mint", map[string]interface{}{
		"resourceIds": []string{"r1"},
		"version":     1999,
		"query": map[string]interface{}{
			"filters": map[string]interface{}{
				"year":  []string{"1991", "1990"},
				"genus": "Panthera",
			},
		},
	}, &second)
	if status != http.StatusOK {
		t.Fatalf("second mint returned %d, want %d", status, http.StatusOK)
	}
	if second.Data.Created {
		t.Error("second mint must reuse the DOI")
	}
	if second.Data.QueryDOI.DOI != first.Data.QueryDOI.DOI {
		t.Errorf("expected DOI %s, got %s", first.Data.QueryDOI.DOI, second.Data.QueryDOI.DOI)
	}
	if h.registry.metadataCalls != registrations {
		t.Error("reuse must not register anything with the registry")
	}

	doi := first.Data.QueryDOI.DOI

	// Record a download against the DOI
	status = h.postJSON(t, "/v1/doi/"+doi+"/stats", map[string]interface{}{
		"action": "download",
		"email":  "alice@example.com",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("stat record returned %d, want %d", status, http.StatusCreated)
	}

	// The landing data reflects the citation and the download
	var landing struct {
		Data model.LandingData `json:"data"`
	}
	status = h.getJSON(t, "/v1/doi/"+doi, &landing)
	if status != http.StatusOK {
		t.Fatalf("landing returned %d, want %d", status, http.StatusOK)
	}
	if landing.Data.Downloads != 1 {
		t.Errorf("expected 1 download, got %d", landing.Data.Downloads)
	}
	if landing.Data.Citation == "" || landing.Data.TimeAgo == "" {
		t.Error("landing data must carry citation and age text")
	}
}

func (h *Harness) testListing(t *testing.T) {
	// Mint a DOI so the listings are not empty
	var minted struct {
		Data model.MintData `json:"data"`
	}
	status := h.postJSON(t, "/v1/doi/mint", map[string]interface{}{
		"resourceIds": []string{"list-res"},
		"query":       map[string]interface{}{"q": "listing"},
	}, &minted)
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("mint returned %d", status)
	}

	var dois struct {
		Data struct {
			DOIs []model.QueryDOI `json:"dois"`
		} `json:"data"`
	}
	status = h.getJSON(t, "/v1/dois?resource_id=list-res", &dois)
	if status != http.StatusOK {
		t.Fatalf("list returned %d", status)
	}
	if len(dois.Data.DOIs) == 0 {
		t.Error("expected at least one DOI covering list-res")
	}

	var statList struct {
		Data struct {
			Stats []model.QueryDOIStat `json:"stats"`
		} `json:"data"`
	}
	if status = h.getJSON(t, "/v1/stats", &statList); status != http.StatusOK {
		t.Fatalf("stat list returned %d", status)
	}
}
