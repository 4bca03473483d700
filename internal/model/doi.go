// internal/model/doi.go
// Package model defines the data structures used throughout the query DOI service.
// These structures represent the core domain objects for query DOIs, canonical
// queries and usage statistics.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ResourceVersionMap maps a resource identifier to the rounded (concrete)
// snapshot version the query was resolved against. One entry per resource
// involved in the query.
type ResourceVersionMap map[string]int64

// Equal reports whether two version maps contain exactly the same
// resource/version pairs. Subset or superset matches are not equal.
func (m ResourceVersionMap) Equal(other ResourceVersionMap) bool {
	if len(m) != len(other) {
		return false
	}
	for resourceID, version := range m {
		otherVersion, ok := other[resourceID]
		if !ok || otherVersion != version {
			return false
		}
	}
	return true
}

// ResourceIDs returns the resource identifiers in the map, sorted for
// deterministic output.
func (m ResourceVersionMap) ResourceIDs() []string {
	ids := make([]string, 0, len(m))
	for resourceID := range m {
		ids = append(ids, resourceID)
	}
	sort.Strings(ids)
	return ids
}

// CanonicalQuery is the ordering-independent normalized form of a data
// filtering request. Params holds every top-level parameter coerced to its
// string representation; Filters maps a field name to the values it is
// filtered on. An empty filter set is represented by a nil Filters map,
// never an empty one.
type CanonicalQuery struct {
	Params  map[string]string   `json:"-"`
	Filters map[string][]string `json:"-"`
}

// MarshalJSON flattens the canonical query into the stored form: top-level
// parameters alongside a single "filters" key. The "filters" key is omitted
// entirely when no filters remain.
func (q CanonicalQuery) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(q.Params)+1)
	for key, value := range q.Params {
		flat[key] = value
	}
	if len(q.Filters) > 0 {
		flat["filters"] = q.Filters
	}
	return json.Marshal(flat)
}

// UnmarshalJSON rebuilds a canonical query from its flattened stored form.
func (q *CanonicalQuery) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	q.Params = make(map[string]string)
	q.Filters = nil
	for key, raw := range flat {
		if key == "filters" {
			filters := make(map[string][]string)
			if err := json.Unmarshal(raw, &filters); err != nil {
				return fmt.Errorf("invalid filters value: %w", err)
			}
			if len(filters) > 0 {
				q.Filters = filters
			}
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("invalid value for %q: %w", key, err)
		}
		q.Params[key] = value
	}
	return nil
}

// QueryDOI represents a minted DOI together with the exact query identity it
// covers. Records are created once on first mint and never mutated or deleted
// afterwards; DOIs are permanent citations.
// This corresponds to the query_dois table in storage.
type QueryDOI struct {
	DOI                  string             `json:"doi" db:"doi"`                                     // Full DOI string (prefix/suffix, unique)
	ResourcesAndVersions ResourceVersionMap `json:"resourcesAndVersions" db:"resources_and_versions"` // Resolved version per resource
	CreatedAt            time.Time          `json:"createdAt" db:"created_at"`                        // When the DOI was minted
	Query                CanonicalQuery     `json:"query" db:"query"`                                 // The canonical query the DOI covers
	QueryHash            string             `json:"queryHash" db:"query_hash"`                        // Fingerprint of the canonical query
	QueryVersion         string             `json:"queryVersion,omitempty" db:"query_version"`        // Schema version of the query payload
	RequestedVersion     *int64             `json:"requestedVersion,omitempty" db:"requested_version"` // Pre-rounding version the caller asked for
	Count                int64              `json:"count" db:"count"`                                 // Record count snapshot at mint time
	ResourceCounts       map[string]int64   `json:"resourceCounts,omitempty" db:"resource_counts"`    // Per-resource record counts at mint time
}

// QueryDOIStat is an append-only usage event recorded against a DOI. The
// identifier is a one-way hash of the acting user's email address; the raw
// address is never stored.
// This corresponds to the query_doi_stats table in storage.
type QueryDOIStat struct {
	ID         string    `json:"id" db:"id"`                  // ULID, sortable by creation time
	DOI        string    `json:"doi" db:"doi"`                // The DOI this stat relates to
	Action     string    `json:"action" db:"action"`          // What happened (e.g. download, search)
	Domain     string    `json:"domain" db:"domain"`          // Domain part of the user's email address
	Identifier string    `json:"identifier" db:"identifier"`  // Salted one-way hash of the email address
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`   // When the action occurred
}

// ListDOIsQuery represents the query parameters for listing query DOIs.
type ListDOIsQuery struct {
	ResourceID  string `json:"resourceId"`  // Only DOIs covering this resource
	Offset      int    `json:"offset"`      // Pagination offset
	Limit       int    `json:"limit"`       // Maximum number of records to return
	OldestFirst bool   `json:"oldestFirst"` // Ascending creation order instead of the default newest-first
}

// ListStatsQuery represents the query parameters for listing usage stats.
type ListStatsQuery struct {
	DOI         string `json:"doi"`         // Filter by DOI
	Action      string `json:"action"`      // Filter by action tag
	Domain      string `json:"domain"`      // Filter by email domain
	Identifier  string `json:"identifier"`  // Filter by hashed identity
	ResourceID  string `json:"resourceId"`  // Only stats for DOIs covering this resource
	Offset      int    `json:"offset"`      // Pagination offset
	Limit       int    `json:"limit"`       // Maximum number of records to return
	OldestFirst bool   `json:"oldestFirst"` // Ascending creation order instead of the default newest-first
}

// MintRequest represents the request body for minting a DOI against a query.
// The query may arrive in either wire shape: a flat form where "filters" is a
// delimited string, or a structured form where "filters" is a mapping from
// field to a list of values.
type MintRequest struct {
	ResourceIDs      []string               `json:"resourceIds"`                // Resources the query runs against
	Version          *int64                 `json:"version,omitempty"`          // Requested logical version (defaults to now)
	ResourceVersions map[string]int64       `json:"resourceVersions,omitempty"` // Explicit per-resource requested versions
	Query            map[string]interface{} `json:"query"`                      // The raw query in either wire shape
}

// MintData contains the outcome of a mint call.
type MintData struct {
	Created  bool     `json:"created"` // Whether a new DOI was minted by this call
	QueryDOI QueryDOI `json:"doi"`     // The record covering the query, new or existing
}

// RecordStatRequest represents the request body for recording a usage event
// against a DOI.
type RecordStatRequest struct {
	Action string `json:"action"` // Action tag, e.g. "download"
	Email  string `json:"email"`  // Email address of the acting user, anonymized before storage
}

// LandingData is the JSON representation of a DOI landing record: the DOI
// record itself plus derived display information.
type LandingData struct {
	QueryDOI         QueryDOI   `json:"doi"`
	Citation         string     `json:"citation"`                   // Citation text for the DOI
	TimeAgo          string     `json:"timeAgo"`                    // Human description of mint age
	Downloads        int64      `json:"downloads"`                  // Number of download actions recorded
	LastDownloadedAt *time.Time `json:"lastDownloadedAt,omitempty"` // Most recent download action
}
