// internal/registry/client.go
// Package registry provides a client for the external DOI registration
// service. The network protocol is treated as a black box behind a narrow
// interface: look a DOI up, register its metadata, bind it to a URL.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a DOI is not known to the registry.
var ErrNotFound = errors.New("doi not found")

// Metadata is the descriptive record registered against a DOI.
type Metadata struct {
	Creators        []string // Creator names, usually dataset authors
	Title           string   // Title incorporating the record count
	Publisher       string   // Publishing organisation
	PublicationYear int      // Year of minting
	ResourceType    string   // General resource type, e.g. "Dataset"
}

// Client defines the registry operations the minting pipeline needs.
// Implementations must be safe for concurrent use.
type Client interface {
	// Lookup checks whether a DOI is already registered, returning
	// ErrNotFound when it is not.
	Lookup(ctx context.Context, doi string) error

	// RegisterMetadata registers the descriptive metadata for a DOI.
	RegisterMetadata(ctx context.Context, doi string, meta Metadata) error

	// BindURL binds the DOI to the landing page URL it should resolve to.
	BindURL(ctx context.Context, doi, url string) error
}
