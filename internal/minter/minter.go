// internal/minter/minter.go
// Package minter implements the DOI minting pipeline: resolve the query's
// identity (fingerprint plus concrete resource versions), reuse an existing
// DOI when one already covers that identity, and otherwise generate, register
// and persist a new one.
package minter

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/dataportal/query-dois-go/internal/archive"
	"github.com/dataportal/query-dois-go/internal/citation"
	"github.com/dataportal/query-dois-go/internal/config"
	"github.com/dataportal/query-dois-go/internal/datastore"
	errordefs "github.com/dataportal/query-dois-go/internal/errors"
	"github.com/dataportal/query-dois-go/internal/event"
	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/dataportal/query-dois-go/internal/query"
	"github.com/dataportal/query-dois-go/internal/registry"
	"github.com/dataportal/query-dois-go/internal/schema"
	"github.com/dataportal/query-dois-go/internal/storage"
	"github.com/dataportal/query-dois-go/internal/version"
)

const (
	// suffixPrefix marks every generated suffix so query DOIs are
	// recognizable among a registrant's other DOIs.
	suffixPrefix = "qd."

	// suffixAlphabet is the character set suffixes are drawn from. Lowercase
	// only: DOIs are case-insensitive, so mixed case would add no entropy.
	suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	// suffixLength is the number of random characters in a suffix.
	suffixLength = 8

	// maxGenerationAttempts bounds the suffix generation loop. Each candidate
	// discarded for any reason, collision or registry failure, consumes one
	// attempt.
	maxGenerationAttempts = 5
)

// Minter orchestrates the minting pipeline. All collaborators are interfaces
// so tests can substitute fakes for the registry, catalog and store.
type Minter struct {
	store     storage.Store
	registry  registry.Client
	catalog   datastore.Catalog
	validator *schema.Validator
	archiver  archive.Archiver
	publisher event.Publisher
	metrics   *metrics.Metrics

	prefix        string // Registrant DOI prefix
	publisherName string // Publisher for DOI metadata
	titleTemplate string // Title template with a {count} placeholder
	siteURL       string // Base URL for landing pages
	allowMulti    bool   // Whether multi-resource queries may be minted
}

// New creates a Minter from its collaborators and the minting configuration.
func New(cfg config.Config, store storage.Store, reg registry.Client, catalog datastore.Catalog,
	validator *schema.Validator, archiver archive.Archiver, publisher event.Publisher, m *metrics.Metrics) *Minter {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &Minter{
		store:         store,
		registry:      reg,
		catalog:       catalog,
		validator:     validator,
		archiver:      archiver,
		publisher:     publisher,
		metrics:       m,
		prefix:        cfg.DOIPrefix,
		publisherName: cfg.Publisher,
		titleTemplate: cfg.DOITitle,
		siteURL:       cfg.SiteURL,
		allowMulti:    cfg.AllowMultiResource,
	}
}

// Mint resolves a query's identity and returns the DOI covering it, minting a
// new one only when no existing DOI covers the same fingerprint and version
// map. Reuse performs no registry calls and no writes.
func (m *Minter) Mint(ctx context.Context, req model.MintRequest, correlationID string) (*model.MintData, error) {
	started := time.Now()
	data, err := m.mint(ctx, req, correlationID)
	outcome := "error"
	if err == nil {
		if data.Created {
			outcome = "minted"
		} else {
			outcome = "reused"
		}
	}
	m.metrics.MintTotal.WithLabelValues(outcome).Inc()
	m.metrics.MintDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	return data, err
}

func (m *Minter) mint(ctx context.Context, req model.MintRequest, correlationID string) (*model.MintData, error) {
	resourceIDs, err := m.resolveResourceIDs(req, correlationID)
	if err != nil {
		return nil, err
	}

	// Validate the raw query shape before touching it. The matched shape
	// version is persisted with the record.
	queryVersion, err := m.validator.Validate(req.Query)
	if err != nil {
		return nil, errordefs.New(errordefs.QDOI_PARSE, err.Error(), correlationID)
	}

	cq, embedded, err := query.Canonicalize(req.Query)
	if err != nil {
		if qerr, ok := err.(*errordefs.Error); ok {
			qerr.CorrelationID = correlationID
			return nil, qerr
		}
		return nil, errordefs.New(errordefs.QDOI_PARSE, err.Error(), correlationID)
	}

	// An explicit version on the request wins over one embedded in the query.
	requested := req.Version
	if requested == nil {
		requested = embedded
	}

	versions, requestedVersion, err := m.resolveVersions(ctx, resourceIDs, requested, req.ResourceVersions, correlationID)
	if err != nil {
		return nil, err
	}

	fingerprint := query.Fingerprint(cq)

	// Reuse before anything else: an existing DOI for this exact identity
	// means zero registry calls and zero writes.
	if existing, err := m.store.FindExistingDOI(ctx, fingerprint, versions); err == nil {
		return &model.MintData{Created: false, QueryDOI: *existing}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, errordefs.New(errordefs.QDOI_INTERNAL, "failed to check for existing DOI", correlationID)
	}

	// Snapshot the record counts at the resolved versions. The total goes
	// into the DOI title; the per-resource breakdown is stored for display.
	var total int64
	resourceCounts := make(map[string]int64, len(versions))
	for resourceID, resolvedVersion := range versions {
		count, err := m.catalog.Count(ctx, resourceID, cq, resolvedVersion)
		if err != nil {
			return nil, errordefs.New(errordefs.QDOI_UNAVAILABLE,
				fmt.Sprintf("failed to count records for resource %s", resourceID), correlationID)
		}
		resourceCounts[resourceID] = count
		total += count
	}

	doi, err := m.generateDOI(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	// Register with the external registry before persisting locally, so a
	// stored record always corresponds to a registered DOI.
	meta := registry.Metadata{
		Creators:        []string{m.publisherName},
		Title:           m.title(total),
		Publisher:       m.publisherName,
		PublicationYear: time.Now().UTC().Year(),
		ResourceType:    "Dataset",
	}
	if err := m.registryCall(ctx, "register_metadata", func() error {
		return m.registry.RegisterMetadata(ctx, doi, meta)
	}); err != nil {
		return nil, errordefs.New(errordefs.QDOI_REGISTRY,
			fmt.Sprintf("metadata registration failed: %v", err), correlationID)
	}
	if err := m.registryCall(ctx, "bind_url", func() error {
		return m.registry.BindURL(ctx, doi, m.landingURL(doi))
	}); err != nil {
		return nil, errordefs.New(errordefs.QDOI_REGISTRY,
			fmt.Sprintf("url binding failed: %v", err), correlationID)
	}

	record := model.QueryDOI{
		DOI:                  doi,
		ResourcesAndVersions: versions,
		CreatedAt:            time.Now().UTC(),
		Query:                cq,
		QueryHash:            fingerprint,
		QueryVersion:         queryVersion,
		RequestedVersion:     requestedVersion,
		Count:                total,
		ResourceCounts:       resourceCounts,
	}

	if err := m.store.CreateQueryDOI(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent mint for the same identity won the race. Its DOI
			// is the one that counts; ours stays registered but unreferenced.
			if winner, ferr := m.store.FindExistingDOI(ctx, fingerprint, versions); ferr == nil {
				return &model.MintData{Created: false, QueryDOI: *winner}, nil
			}
			return nil, errordefs.New(errordefs.QDOI_CONFLICT, "concurrent mint conflict", correlationID)
		}
		return nil, errordefs.New(errordefs.QDOI_INTERNAL, "failed to persist DOI record", correlationID)
	}

	// Best-effort side effects: archive the registered metadata and announce
	// the mint. Neither can fail the mint at this point.
	if document, err := registry.MetadataXML(doi, meta); err == nil {
		if err := m.archiver.StoreMetadata(ctx, doi, document); err != nil {
			slog.Warn("metadata archival failed", "doi", doi, "error", err)
		}
	}
	publishStarted := time.Now()
	publishStatus := "success"
	if err := m.publisher.PublishDOIMinted(ctx, record); err != nil {
		publishStatus = "error"
		slog.Warn("minted event publish failed", "doi", doi, "error", err)
	}
	m.metrics.EventPublishTotal.WithLabelValues("qdoi.dois.minted", publishStatus).Inc()
	m.metrics.EventPublishDuration.WithLabelValues("qdoi.dois.minted", publishStatus).Observe(time.Since(publishStarted).Seconds())

	return &model.MintData{Created: true, QueryDOI: record}, nil
}

// resolveResourceIDs merges the request's resource list with the keys of any
// explicit per-resource version map, deduplicates, and applies the
// single-resource policy.
func (m *Minter) resolveResourceIDs(req model.MintRequest, correlationID string) ([]string, error) {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(req.ResourceIDs))
	for _, id := range req.ResourceIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range req.ResourceVersions {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, errordefs.New(errordefs.QDOI_VALIDATION, "at least one resource is required", correlationID)
	}
	if len(ids) > 1 && !m.allowMulti {
		return nil, errordefs.New(errordefs.QDOI_UNSUPPORTED,
			"minting DOIs against multiple resources is not enabled", correlationID)
	}
	return ids, nil
}

// resolveVersions rounds the requested version down to a concrete snapshot
// version per resource. Resources with no versioned data are dropped; dropping
// every resource is a validation error. The second return value is the
// pre-rounding version recorded for display, nil when the caller supplied
// per-resource versions or no version at all.
func (m *Minter) resolveVersions(ctx context.Context, resourceIDs []string, requested *int64,
	explicit map[string]int64, correlationID string) (model.ResourceVersionMap, *int64, error) {

	// No requested version means "the data as of now".
	var recorded *int64
	defaultVersion := time.Now().UnixMilli()
	if requested != nil {
		defaultVersion = *requested
		recorded = requested
	}

	versions := make(model.ResourceVersionMap, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		ok, err := m.catalog.IsDatastoreResource(ctx, resourceID)
		if err != nil {
			return nil, nil, errordefs.New(errordefs.QDOI_UNAVAILABLE,
				fmt.Sprintf("failed to check resource %s", resourceID), correlationID)
		}
		if !ok {
			return nil, nil, errordefs.New(errordefs.QDOI_VALIDATION,
				fmt.Sprintf("resource %s is not a public datastore resource", resourceID), correlationID)
		}

		known, err := m.catalog.ListVersions(ctx, resourceID)
		if err != nil {
			return nil, nil, errordefs.New(errordefs.QDOI_UNAVAILABLE,
				fmt.Sprintf("failed to list versions for resource %s", resourceID), correlationID)
		}

		target := defaultVersion
		if v, exists := explicit[resourceID]; exists {
			target = v
		}
		resolved, exists := version.Round(known, target)
		if !exists {
			// No versioned data yet; the resource simply drops out.
			continue
		}
		versions[resourceID] = resolved
	}

	if len(versions) == 0 {
		return nil, nil, errordefs.New(errordefs.QDOI_VALIDATION,
			"none of the requested resources have versioned data", correlationID)
	}
	return versions, recorded, nil
}

// generateDOI draws random suffixes until one is unused both locally and at
// the registry. Every discarded candidate, whether a collision or a registry
// failure, consumes an attempt.
func (m *Minter) generateDOI(ctx context.Context, correlationID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", errordefs.New(errordefs.QDOI_INTERNAL, "failed to generate DOI suffix", correlationID)
		}
		doi := fmt.Sprintf("%s/%s%s", m.prefix, suffixPrefix, suffix)

		// Local check first, it is cheap.
		if _, err := m.store.GetQueryDOI(ctx, doi); err == nil {
			m.metrics.SuffixCollisions.Inc()
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", errordefs.New(errordefs.QDOI_INTERNAL, "failed to check local DOI uniqueness", correlationID)
		}

		err = m.registryCall(ctx, "lookup", func() error {
			return m.registry.Lookup(ctx, doi)
		})
		switch err {
		case registry.ErrNotFound:
			return doi, nil
		case nil:
			// Registered by someone else, discard the candidate.
			m.metrics.SuffixCollisions.Inc()
		default:
			slog.Warn("registry lookup failed during suffix generation", "doi", doi, "error", err)
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", errordefs.New(errordefs.QDOI_REGISTRY,
			fmt.Sprintf("could not verify DOI uniqueness: %v", lastErr), correlationID)
	}
	return "", errordefs.New(errordefs.QDOI_INTERNAL,
		fmt.Sprintf("failed to find an unused DOI in %d attempts", maxGenerationAttempts), correlationID)
}

// registryCall wraps a registry API call with metrics.
func (m *Minter) registryCall(ctx context.Context, operation string, fn func() error) error {
	started := time.Now()
	err := fn()
	status := "success"
	if err != nil && err != registry.ErrNotFound {
		status = "error"
	}
	m.metrics.RegistryCallTotal.WithLabelValues(operation, status).Inc()
	m.metrics.RegistryCallDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
	return err
}

// title expands the configured title template with the record count.
func (m *Minter) title(count int64) string {
	return citation.Title(m.titleTemplate, count)
}

// landingURL is the URL the DOI resolves to.
func (m *Minter) landingURL(doi string) string {
	return fmt.Sprintf("%s/doi/%s", m.siteURL, doi)
}

// randomSuffix draws suffixLength characters from the suffix alphabet using
// crypto/rand, avoiding modulo bias via Int.
func randomSuffix() (string, error) {
	max := big.NewInt(int64(len(suffixAlphabet)))
	suffix := make([]byte, suffixLength)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		suffix[i] = suffixAlphabet[n.Int64()]
	}
	return string(suffix), nil
}
