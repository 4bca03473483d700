// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dataportal/query-dois-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a uniqueness constraint is violated
)

// Default limits for list operations
const (
	DefaultListLimit = 100  // Default number of records to return
	MaxListLimit     = 1000 // Maximum number of records to return
)

// Store defines the persistence operations required by the query DOI service.
// This interface is implemented by both in-memory and PostgreSQL backends.
// QueryDOI records are created once and never mutated or deleted; stats are
// append-only.
type Store interface {
	// Query DOI operations
	CreateQueryDOI(ctx context.Context, record model.QueryDOI) error
	GetQueryDOI(ctx context.Context, doi string) (*model.QueryDOI, error)
	// FindExistingDOI is the identity index: an exact match on fingerprint
	// and on the full resource/version map, both directions.
	FindExistingDOI(ctx context.Context, queryHash string, versions model.ResourceVersionMap) (*model.QueryDOI, error)
	ListDOIs(ctx context.Context, query model.ListDOIsQuery) ([]model.QueryDOI, error)

	// Stat operations
	CreateStat(ctx context.Context, stat model.QueryDOIStat) error
	ListStats(ctx context.Context, query model.ListStatsQuery) ([]model.QueryDOIStat, error)
	// StatSummary returns the number of stats recorded against a DOI for an
	// action, and the most recent timestamp among them (nil when none).
	StatSummary(ctx context.Context, doi, action string) (int64, *time.Time, error)
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu    sync.RWMutex               // Protects concurrent access to maps
	dois  map[string]*model.QueryDOI // Map of DOI string to record
	stats []*model.QueryDOIStat      // Append-only stat log in insertion order
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		dois: make(map[string]*model.QueryDOI),
	}
}

func (m *memory) CreateQueryDOI(ctx context.Context, record model.QueryDOI) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dois[record.DOI]; exists {
		return ErrConflict
	}

	// Enforce the (fingerprint, version map) uniqueness constraint. This is
	// the sole safety net for concurrent mint attempts on the same identity.
	for _, existing := range m.dois {
		if existing.QueryHash == record.QueryHash && existing.ResourcesAndVersions.Equal(record.ResourcesAndVersions) {
			return ErrConflict
		}
	}

	recordCopy := record
	m.dois[record.DOI] = &recordCopy
	return nil
}

func (m *memory) GetQueryDOI(ctx context.Context, doi string) (*model.QueryDOI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.dois[doi]
	if !exists {
		return nil, ErrNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

func (m *memory) FindExistingDOI(ctx context.Context, queryHash string, versions model.ResourceVersionMap) (*model.QueryDOI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.dois {
		if record.QueryHash == queryHash && record.ResourcesAndVersions.Equal(versions) {
			recordCopy := *record
			return &recordCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memory) ListDOIs(ctx context.Context, query model.ListDOIsQuery) ([]model.QueryDOI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]model.QueryDOI, 0)
	for _, record := range m.dois {
		if query.ResourceID != "" {
			if _, covers := record.ResourcesAndVersions[query.ResourceID]; !covers {
				continue
			}
		}
		filtered = append(filtered, *record)
	}

	// Newest first by default, with the DOI string as a stable tiebreak
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].DOI < filtered[j].DOI
		}
		if query.OldestFirst {
			return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	return paginate(filtered, query.Offset, query.Limit), nil
}

func (m *memory) CreateStat(ctx context.Context, stat model.QueryDOIStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.stats {
		if existing.ID == stat.ID {
			return ErrConflict
		}
	}

	statCopy := stat
	m.stats = append(m.stats, &statCopy)
	return nil
}

func (m *memory) ListStats(ctx context.Context, query model.ListStatsQuery) ([]model.QueryDOIStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]model.QueryDOIStat, 0)
	for _, stat := range m.stats {
		if query.DOI != "" && stat.DOI != query.DOI {
			continue
		}
		if query.Action != "" && stat.Action != query.Action {
			continue
		}
		if query.Domain != "" && stat.Domain != query.Domain {
			continue
		}
		if query.Identifier != "" && stat.Identifier != query.Identifier {
			continue
		}
		if query.ResourceID != "" {
			record, exists := m.dois[stat.DOI]
			if !exists {
				continue
			}
			if _, covers := record.ResourcesAndVersions[query.ResourceID]; !covers {
				continue
			}
		}
		filtered = append(filtered, *stat)
	}

	// ULIDs sort by creation time, so ordering on ID matches ordering on time
	sort.Slice(filtered, func(i, j int) bool {
		if query.OldestFirst {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].ID > filtered[j].ID
	})

	return paginate(filtered, query.Offset, query.Limit), nil
}

func (m *memory) StatSummary(ctx context.Context, doi, action string) (int64, *time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	var last *time.Time
	for _, stat := range m.stats {
		if stat.DOI != doi || stat.Action != action {
			continue
		}
		count++
		if last == nil || stat.CreatedAt.After(*last) {
			t := stat.CreatedAt
			last = &t
		}
	}
	return count, last, nil
}

// paginate applies offset/limit windowing with the standard defaults and clamps.
func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	} else if limit > MaxListLimit {
		limit = MaxListLimit
	}

	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
