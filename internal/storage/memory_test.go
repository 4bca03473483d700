// internal/storage/memory_test.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dataportal/query-dois-go/internal/model"
)

func testRecord(doi, hash string, versions model.ResourceVersionMap, createdAt time.Time) model.QueryDOI {
	return model.QueryDOI{
		DOI:                  doi,
		ResourcesAndVersions: versions,
		CreatedAt:            createdAt,
		Query:                model.CanonicalQuery{Params: map[string]string{"q": "x"}},
		QueryHash:            hash,
		QueryVersion:         "1.0.0",
		Count:                42,
	}
}

// TestCreateAndGetQueryDOI verifies basic round-tripping and the not-found path.
func TestCreateAndGetQueryDOI(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	record := testRecord("10.1234/qd.aaaa1111", "hash-a", model.ResourceVersionMap{"r1": 1000}, time.Now().UTC())
	if err := store.CreateQueryDOI(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.GetQueryDOI(ctx, record.DOI)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.QueryHash != "hash-a" || got.Count != 42 {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	if _, err := store.GetQueryDOI(ctx, "10.1234/qd.missing0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestCreateQueryDOIConflicts verifies both uniqueness constraints: the DOI
// itself and the (fingerprint, version map) identity.
func TestCreateQueryDOIConflicts(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	record := testRecord("10.1234/qd.aaaa1111", "hash-a", model.ResourceVersionMap{"r1": 1000}, time.Now().UTC())
	if err := store.CreateQueryDOI(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Same DOI, different identity
	dup := testRecord("10.1234/qd.aaaa1111", "hash-b", model.ResourceVersionMap{"r2": 2000}, time.Now().UTC())
	if err := store.CreateQueryDOI(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate DOI, got %v", err)
	}

	// Different DOI, same identity
	sameIdentity := testRecord("10.1234/qd.bbbb2222", "hash-a", model.ResourceVersionMap{"r1": 1000}, time.Now().UTC())
	if err := store.CreateQueryDOI(ctx, sameIdentity); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate identity, got %v", err)
	}
}

// TestFindExistingDOI verifies exact-match identity lookup in both directions.
func TestFindExistingDOI(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	record := testRecord("10.1234/qd.aaaa1111", "hash-a", model.ResourceVersionMap{"r1": 1000, "r2": 2000}, time.Now().UTC())
	if err := store.CreateQueryDOI(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.FindExistingDOI(ctx, "hash-a", model.ResourceVersionMap{"r2": 2000, "r1": 1000})
	if err != nil {
		t.Fatalf("expected a hit, got %v", err)
	}
	if got.DOI != record.DOI {
		t.Errorf("wrong record: %s", got.DOI)
	}

	// A subset of the version map must not match
	if _, err := store.FindExistingDOI(ctx, "hash-a", model.ResourceVersionMap{"r1": 1000}); !errors.Is(err, ErrNotFound) {
		t.Errorf("subset match must miss, got %v", err)
	}

	// Same versions, different fingerprint must not match
	if _, err := store.FindExistingDOI(ctx, "hash-b", model.ResourceVersionMap{"r1": 1000, "r2": 2000}); !errors.Is(err, ErrNotFound) {
		t.Errorf("different fingerprint must miss, got %v", err)
	}
}

// TestListDOIsOrderingAndPagination verifies newest-first default ordering,
// the resource filter and offset/limit windowing.
func TestListDOIsOrderingAndPagination(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		resource := "r1"
		if i%2 == 1 {
			resource = "r2"
		}
		record := testRecord(
			fmt.Sprintf("10.1234/qd.rec%05d", i),
			fmt.Sprintf("hash-%d", i),
			model.ResourceVersionMap{resource: int64(1000 + i)},
			base.Add(time.Duration(i)*time.Hour),
		)
		if err := store.CreateQueryDOI(ctx, record); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	// Default is newest first
	records, err := store.ListDOIs(ctx, model.ListDOIsQuery{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].DOI != "10.1234/qd.rec00004" {
		t.Errorf("expected newest first, got %s", records[0].DOI)
	}

	// Resource filter
	records, err = store.ListDOIs(ctx, model.ListDOIsQuery{ResourceID: "r2"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 r2 records, got %d", len(records))
	}

	// Windowing
	records, err = store.ListDOIs(ctx, model.ListDOIsQuery{Offset: 3, Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records after offset 3, got %d", len(records))
	}

	// Offset past the end yields an empty page, not an error
	records, err = store.ListDOIs(ctx, model.ListDOIsQuery{Offset: 100})
	if err != nil || len(records) != 0 {
		t.Errorf("expected empty page, got %d records, err %v", len(records), err)
	}
}

// TestListStatsFilters verifies the stat filters, including the resource
// filter that goes through the owning DOI record.
func TestListStatsFilters(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	record := testRecord("10.1234/qd.aaaa1111", "hash-a", model.ResourceVersionMap{"r1": 1000}, time.Now().UTC())
	if err := store.CreateQueryDOI(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stats := []model.QueryDOIStat{
		{ID: "01AAAAAAAAAAAAAAAAAAAAAAA1", DOI: record.DOI, Action: "download", Domain: "example.com", Identifier: "id-1", CreatedAt: time.Now().UTC()},
		{ID: "01AAAAAAAAAAAAAAAAAAAAAAA2", DOI: record.DOI, Action: "search", Domain: "example.org", Identifier: "id-2", CreatedAt: time.Now().UTC()},
		{ID: "01AAAAAAAAAAAAAAAAAAAAAAA3", DOI: "10.1234/qd.other000", Action: "download", Domain: "example.com", Identifier: "id-1", CreatedAt: time.Now().UTC()},
	}
	for _, stat := range stats {
		if err := store.CreateStat(ctx, stat); err != nil {
			t.Fatalf("create stat failed: %v", err)
		}
	}

	got, err := store.ListStats(ctx, model.ListStatsQuery{Action: "download"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 download stats, got %d", len(got))
	}

	got, err = store.ListStats(ctx, model.ListStatsQuery{ResourceID: "r1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 stats for r1's DOI, got %d", len(got))
	}

	got, err = store.ListStats(ctx, model.ListStatsQuery{Domain: "example.org"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 || got[0].Identifier != "id-2" {
		t.Errorf("unexpected domain filter result: %v", got)
	}

	// Newest first by default: highest ULID leads
	got, err = store.ListStats(ctx, model.ListStatsQuery{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if got[0].ID != "01AAAAAAAAAAAAAAAAAAAAAAA3" {
		t.Errorf("expected newest stat first, got %s", got[0].ID)
	}
}

// TestStatSummary verifies the per-DOI action summary.
func TestStatSummary(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		stat := model.QueryDOIStat{
			ID:        fmt.Sprintf("01BBBBBBBBBBBBBBBBBBBBBB%02d", i),
			DOI:       "10.1234/qd.aaaa1111",
			Action:    "download",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateStat(ctx, stat); err != nil {
			t.Fatalf("create stat failed: %v", err)
		}
	}

	count, last, err := store.StatSummary(ctx, "10.1234/qd.aaaa1111", "download")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 downloads, got %d", count)
	}
	if last == nil || !last.Equal(base.Add(2*time.Minute)) {
		t.Errorf("unexpected last download time: %v", last)
	}

	count, last, err = store.StatSummary(ctx, "10.1234/qd.aaaa1111", "search")
	if err != nil || count != 0 || last != nil {
		t.Errorf("expected empty summary for unrecorded action, got %d, %v, %v", count, last, err)
	}
}
