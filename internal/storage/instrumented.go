// internal/storage/instrumented.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dataportal/query-dois-go/internal/metrics"
	"github.com/dataportal/query-dois-go/internal/model"
)

// instrumented decorates a Store with per-operation counters and timings.
// ErrNotFound and ErrConflict are domain outcomes, not backend failures, so
// they count as success.
type instrumented struct {
	s Store
	m *metrics.Metrics
}

// NewInstrumented wraps a Store so every operation is counted and timed.
func NewInstrumented(s Store, m *metrics.Metrics) Store {
	return &instrumented{s: s, m: m}
}

func (i *instrumented) observe(operation string, started time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
		status = "error"
	}
	i.m.StorageOperationTotal.WithLabelValues(operation, status).Inc()
	i.m.StorageOperationDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

func (i *instrumented) CreateQueryDOI(ctx context.Context, record model.QueryDOI) error {
	started := time.Now()
	err := i.s.CreateQueryDOI(ctx, record)
	i.observe("create_query_doi", started, err)
	return err
}

func (i *instrumented) GetQueryDOI(ctx context.Context, doi string) (*model.QueryDOI, error) {
	started := time.Now()
	record, err := i.s.GetQueryDOI(ctx, doi)
	i.observe("get_query_doi", started, err)
	return record, err
}

func (i *instrumented) FindExistingDOI(ctx context.Context, queryHash string, versions model.ResourceVersionMap) (*model.QueryDOI, error) {
	started := time.Now()
	record, err := i.s.FindExistingDOI(ctx, queryHash, versions)
	i.observe("find_existing_doi", started, err)
	return record, err
}

func (i *instrumented) ListDOIs(ctx context.Context, query model.ListDOIsQuery) ([]model.QueryDOI, error) {
	started := time.Now()
	records, err := i.s.ListDOIs(ctx, query)
	i.observe("list_dois", started, err)
	return records, err
}

func (i *instrumented) CreateStat(ctx context.Context, stat model.QueryDOIStat) error {
	started := time.Now()
	err := i.s.CreateStat(ctx, stat)
	i.observe("create_stat", started, err)
	return err
}

func (i *instrumented) ListStats(ctx context.Context, query model.ListStatsQuery) ([]model.QueryDOIStat, error) {
	started := time.Now()
	records, err := i.s.ListStats(ctx, query)
	i.observe("list_stats", started, err)
	return records, err
}

func (i *instrumented) StatSummary(ctx context.Context, doi, action string) (int64, *time.Time, error) {
	started := time.Now()
	count, last, err := i.s.StatSummary(ctx, doi, action)
	i.observe("stat_summary", started, err)
	return count, last, err
}

// Close forwards to the wrapped store when it holds connections.
func (i *instrumented) Close() {
	if c, ok := i.s.(interface{ Close() }); ok {
		c.Close()
	}
}
