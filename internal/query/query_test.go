// internal/query/query_test.go
// Package query provides unit tests for canonicalization and fingerprinting.
package query

import (
	"testing"

	errordefs "github.com/dataportal/query-dois-go/internal/errors"
)

// TestCanonicalizeFlatFilters tests parsing of the delimited filter string shape.
func TestCanonicalizeFlatFilters(t *testing.T) {
	raw := map[string]interface{}{
		"q":       "panthera",
		"filters": "genus:Panthera|year:1990;1991",
	}

	cq, requested, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requested != nil {
		t.Errorf("expected no requested version, got %d", *requested)
	}
	if cq.Params["q"] != "panthera" {
		t.Errorf("expected q param to survive, got %q", cq.Params["q"])
	}
	if got := cq.Filters["genus"]; len(got) != 1 || got[0] != "Panthera" {
		t.Errorf("unexpected genus filter: %v", got)
	}
	if got := cq.Filters["year"]; len(got) != 2 || got[0] != "1990" || got[1] != "1991" {
		t.Errorf("unexpected year filter: %v", got)
	}
}

// TestCanonicalizeStructuredFilters tests the mapping shape, including bare
// scalar values being accepted as single-element lists.
func TestCanonicalizeStructuredFilters(t *testing.T) {
	raw := map[string]interface{}{
		"filters": map[string]interface{}{
			"genus": "Panthera",
			"year":  []interface{}{float64(1990), float64(1991)},
		},
	}

	cq, _, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cq.Filters["genus"]; len(got) != 1 || got[0] != "Panthera" {
		t.Errorf("unexpected genus filter: %v", got)
	}
	if got := cq.Filters["year"]; len(got) != 2 || got[0] != "1990" || got[1] != "1991" {
		t.Errorf("unexpected year filter: %v", got)
	}
}

// TestCanonicalizeMalformedFilterString verifies that a filter field missing
// its delimiter is a parse error.
func TestCanonicalizeMalformedFilterString(t *testing.T) {
	raw := map[string]interface{}{
		"filters": "genusPanthera",
	}

	_, _, err := Canonicalize(raw)
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if !errordefs.IsCode(err, errordefs.QDOI_PARSE) {
		t.Errorf("expected QDOI_PARSE, got %v", err)
	}
}

// TestCanonicalizeVersionMarker verifies that an embedded version marker is
// extracted and never survives into the canonical form.
func TestCanonicalizeVersionMarker(t *testing.T) {
	raw := map[string]interface{}{
		"filters": map[string]interface{}{
			VersionMarker: []interface{}{"1500"},
			"genus":       "Panthera",
		},
	}

	cq, requested, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requested == nil || *requested != 1500 {
		t.Fatalf("expected requested version 1500, got %v", requested)
	}
	if _, exists := cq.Filters[VersionMarker]; exists {
		t.Error("version marker must not survive canonicalization")
	}
	if _, exists := cq.Filters["genus"]; !exists {
		t.Error("other filters must survive marker extraction")
	}
}

// TestCanonicalizeExplicitVersionWins verifies that a top-level version key
// takes precedence over the marker, and the marker is still removed.
func TestCanonicalizeExplicitVersionWins(t *testing.T) {
	raw := map[string]interface{}{
		"version": float64(2000),
		"filters": map[string]interface{}{
			VersionMarker: []interface{}{"1500"},
		},
	}

	cq, requested, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requested == nil || *requested != 2000 {
		t.Fatalf("expected requested version 2000, got %v", requested)
	}
	if cq.Filters != nil {
		t.Errorf("expected empty filters to collapse to nil, got %v", cq.Filters)
	}
}

// TestCanonicalizeEmptyFilters verifies the empty-filters representations all
// collapse to the same canonical form.
func TestCanonicalizeEmptyFilters(t *testing.T) {
	shapes := []map[string]interface{}{
		{"q": "x"},
		{"q": "x", "filters": ""},
		{"q": "x", "filters": nil},
		{"q": "x", "filters": map[string]interface{}{}},
	}

	var first string
	for i, raw := range shapes {
		cq, _, err := Canonicalize(raw)
		if err != nil {
			t.Fatalf("shape %d: unexpected error: %v", i, err)
		}
		if cq.Filters != nil {
			t.Errorf("shape %d: expected nil filters, got %v", i, cq.Filters)
		}
		fp := Fingerprint(cq)
		if i == 0 {
			first = fp
		} else if fp != first {
			t.Errorf("shape %d: fingerprint %s differs from %s", i, fp, first)
		}
	}
}

// TestFingerprintOrderIndependence verifies that filter value order and map
// insertion order never leak into the fingerprint.
func TestFingerprintOrderIndependence(t *testing.T) {
	a, _, err := Canonicalize(map[string]interface{}{
		"filters": map[string]interface{}{
			"year":  []interface{}{"1990", "1991"},
			"genus": "Panthera",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := Canonicalize(map[string]interface{}{
		"filters": map[string]interface{}{
			"genus": "Panthera",
			"year":  []interface{}{"1991", "1990"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("reordered filters must produce the same fingerprint")
	}
}

// TestFingerprintDistinguishesQueries verifies that different queries do not
// share a fingerprint.
func TestFingerprintDistinguishesQueries(t *testing.T) {
	a, _, _ := Canonicalize(map[string]interface{}{"q": "panthera"})
	b, _, _ := Canonicalize(map[string]interface{}{"q": "felis"})

	if Fingerprint(a) == Fingerprint(b) {
		t.Error("different queries must not share a fingerprint")
	}
}

// TestFingerprintNumericCoercion verifies that whole JSON numbers and their
// string forms hash identically.
func TestFingerprintNumericCoercion(t *testing.T) {
	a, _, _ := Canonicalize(map[string]interface{}{"limit": float64(10)})
	b, _, _ := Canonicalize(map[string]interface{}{"limit": "10"})

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("10 and \"10\" must produce the same fingerprint")
	}
}

// TestCanonicalizeBadVersion verifies that a non-integer version is rejected.
func TestCanonicalizeBadVersion(t *testing.T) {
	_, _, err := Canonicalize(map[string]interface{}{"version": "not-a-number"})
	if !errordefs.IsCode(err, errordefs.QDOI_PARSE) {
		t.Errorf("expected QDOI_PARSE, got %v", err)
	}

	_, _, err = Canonicalize(map[string]interface{}{"version": float64(1.5)})
	if !errordefs.IsCode(err, errordefs.QDOI_PARSE) {
		t.Errorf("expected QDOI_PARSE for fractional version, got %v", err)
	}
}
