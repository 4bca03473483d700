// internal/storage/instrumented_test.go
package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestInstrumentedStore verifies that storage operations are counted and
// timed, and that sentinel misses count as successes rather than errors.
func TestInstrumentedStore(t *testing.T) {
	m := metrics.NewMetrics()
	store := NewInstrumented(NewMemory(), m)

	createBefore := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("create_query_doi", "success"))
	getBefore := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("get_query_doi", "success"))
	getErrBefore := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("get_query_doi", "error"))

	record := model.QueryDOI{
		DOI:                  "10.1234/qd.instr000",
		ResourcesAndVersions: model.ResourceVersionMap{"r1": 1000},
		CreatedAt:            time.Now().UTC(),
		Query:                model.CanonicalQuery{Params: map[string]string{"q": "x"}},
		QueryHash:            "hash-instr",
	}
	if err := store.CreateQueryDOI(context.Background(), record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.GetQueryDOI(context.Background(), record.DOI); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// A miss returns ErrNotFound and must count as a success
	if _, err := store.GetQueryDOI(context.Background(), "10.1234/qd.missing0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if delta := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("create_query_doi", "success")) - createBefore; delta != 1 {
		t.Errorf("create_query_doi success delta = %v, want 1", delta)
	}
	if delta := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("get_query_doi", "success")) - getBefore; delta != 2 {
		t.Errorf("get_query_doi success delta = %v, want 2", delta)
	}
	if delta := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("get_query_doi", "error")) - getErrBefore; delta != 0 {
		t.Errorf("get_query_doi error delta = %v, want 0", delta)
	}
	if testutil.CollectAndCount(m.StorageOperationDuration) == 0 {
		t.Error("expected operation durations to be observed")
	}
}

// TestInstrumentedStoreCountsConflictAsSuccess verifies the uniqueness
// sentinel does not inflate the error count.
func TestInstrumentedStoreCountsConflictAsSuccess(t *testing.T) {
	m := metrics.NewMetrics()
	store := NewInstrumented(NewMemory(), m)

	errBefore := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("create_query_doi", "error"))

	record := model.QueryDOI{
		DOI:                  "10.1234/qd.confl000",
		ResourcesAndVersions: model.ResourceVersionMap{"r1": 1000},
		CreatedAt:            time.Now().UTC(),
		Query:                model.CanonicalQuery{Params: map[string]string{"q": "y"}},
		QueryHash:            "hash-confl",
	}
	if err := store.CreateQueryDOI(context.Background(), record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.CreateQueryDOI(context.Background(), record); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if delta := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("create_query_doi", "error")) - errBefore; delta != 0 {
		t.Errorf("create_query_doi error delta = %v, want 0", delta)
	}
}
