// internal/datastore/client.go
// Package datastore provides a client for the versioned datastore service,
// the catalog that knows which snapshot versions exist for each resource and
// how many records a query matches at a given version.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dataportal/query-dois-go/internal/model"
)

// Catalog defines the version-catalog operations the minting pipeline needs.
type Catalog interface {
	// ListVersions returns every concrete snapshot version that exists for a
	// resource, ascending. An empty list means the resource has no versioned
	// data yet.
	ListVersions(ctx context.Context, resourceID string) ([]int64, error)

	// Count returns the number of records the query matches against the
	// resource at the given version.
	Count(ctx context.Context, resourceID string, query model.CanonicalQuery, version int64) (int64, error)

	// IsDatastoreResource reports whether the resource is public, active and
	// held in the datastore. Only such resources can carry a DOI.
	IsDatastoreResource(ctx context.Context, resourceID string) (bool, error)
}

// Client is the HTTP implementation of Catalog.
type Client struct {
	base string       // Base URL of the datastore API
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a new datastore client with the specified base URL.
// It configures appropriate timeouts for catalog requests.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

// ListVersions fetches the ascending snapshot version list for a resource.
func (c *Client) ListVersions(ctx context.Context, resourceID string) ([]int64, error) {
	u, err := c.endpoint("/versions", url.Values{"resource_id": {resourceID}})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Versions []int64 `json:"versions"`
	}
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, fmt.Errorf("failed to list versions for %s: %w", resourceID, err)
	}
	return payload.Versions, nil
}

// Count asks the datastore how many records a query matches at a version.
func (c *Client) Count(ctx context.Context, resourceID string, query model.CanonicalQuery, version int64) (int64, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	u, err := c.endpoint("/count", url.Values{
		"resource_id": {resourceID},
		"version":     {strconv.FormatInt(version, 10)},
		"query":       {string(queryJSON)},
	})
	if err != nil {
		return 0, err
	}

	var payload struct {
		Count int64 `json:"count"`
	}
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return 0, fmt.Errorf("failed to count records for %s: %w", resourceID, err)
	}
	return payload.Count, nil
}

// IsDatastoreResource checks whether the resource is a public datastore resource.
func (c *Client) IsDatastoreResource(ctx context.Context, resourceID string) (bool, error) {
	u, err := c.endpoint("/resource", url.Values{"resource_id": {resourceID}})
	if err != nil {
		return false, err
	}

	var payload struct {
		Datastore bool `json:"datastore"`
		Public    bool `json:"public"`
		Active    bool `json:"active"`
	}
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return false, fmt.Errorf("failed to check resource %s: %w", resourceID, err)
	}
	return payload.Datastore && payload.Public && payload.Active, nil
}

// endpoint builds a request URL under the client's base.
func (c *Client) endpoint(path string, params url.Values) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("invalid datastore URL: %w", err)
	}
	u.Path += path
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// getJSON performs a GET request and decodes the JSON response body.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("datastore request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
