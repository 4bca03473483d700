// internal/storage/postgres.go
// Package storage provides the PostgreSQL implementation of the Store
// interface. This implementation is intended for production use with
// persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for query DOIs and their usage stats.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Query DOIs table, one row per minted DOI. Rows are never updated
		-- or deleted; DOIs are permanent citations.
		CREATE TABLE IF NOT EXISTS query_dois (
		    doi TEXT PRIMARY KEY,                    -- Full DOI (prefix/suffix)
		    resources_and_versions JSONB NOT NULL,   -- Map of resource id to rounded version
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    query JSONB NOT NULL,                    -- The canonical query
		    query_hash TEXT NOT NULL,                -- Fingerprint of the canonical query
		    query_version TEXT,                      -- Schema version of the query payload
		    requested_version BIGINT,                -- Pre-rounding version requested by the user
		    count BIGINT NOT NULL,                   -- Record count snapshot at mint time
		    resource_counts JSONB,                   -- Per-resource record counts at mint time
		    -- One DOI per query identity. JSONB equality is content-based so
		    -- key order cannot defeat the constraint.
		    UNIQUE(query_hash, resources_and_versions)
		);

		CREATE INDEX IF NOT EXISTS idx_query_dois_query_hash ON query_dois(query_hash);
		CREATE INDEX IF NOT EXISTS idx_query_dois_created_at ON query_dois(created_at DESC);

		-- Usage stats table, append-only.
		CREATE TABLE IF NOT EXISTS query_doi_stats (
		    id TEXT PRIMARY KEY,                     -- ULID, sortable by creation time
		    doi TEXT NOT NULL REFERENCES query_dois(doi),
		    action TEXT,                             -- What happened (e.g. download)
		    domain TEXT,                             -- Domain from the user's email address
		    identifier TEXT,                         -- Salted hash of the email address
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_query_doi_stats_doi ON query_doi_stats(doi);
		CREATE INDEX IF NOT EXISTS idx_query_doi_stats_action ON query_doi_stats(action);
		CREATE INDEX IF NOT EXISTS idx_query_doi_stats_domain ON query_doi_stats(domain);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

const queryDOIColumns = `doi, resources_and_versions, created_at, query, query_hash,
	query_version, requested_version, count, resource_counts`

func (p *postgres) CreateQueryDOI(ctx context.Context, record model.QueryDOI) error {
	versionsJSON, err := json.Marshal(record.ResourcesAndVersions)
	if err != nil {
		return fmt.Errorf("failed to marshal resource versions: %w", err)
	}
	queryJSON, err := json.Marshal(record.Query)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}
	var countsJSON []byte
	if record.ResourceCounts != nil {
		countsJSON, err = json.Marshal(record.ResourceCounts)
		if err != nil {
			return fmt.Errorf("failed to marshal resource counts: %w", err)
		}
	}

	query := `INSERT INTO query_dois (` + queryDOIColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = p.db.Exec(ctx, query,
		record.DOI,
		versionsJSON,
		record.CreatedAt,
		queryJSON,
		record.QueryHash,
		nullableString(record.QueryVersion),
		record.RequestedVersion,
		record.Count,
		countsJSON)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create query DOI: %w", err)
	}

	return nil
}

func (p *postgres) GetQueryDOI(ctx context.Context, doi string) (*model.QueryDOI, error) {
	query := `SELECT ` + queryDOIColumns + ` FROM query_dois WHERE doi = $1`
	return p.scanQueryDOI(p.db.QueryRow(ctx, query, doi))
}

func (p *postgres) FindExistingDOI(ctx context.Context, queryHash string, versions model.ResourceVersionMap) (*model.QueryDOI, error) {
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource versions: %w", err)
	}

	// JSONB equality compares content, so this matches the full version map
	// exactly regardless of key order.
	query := `SELECT ` + queryDOIColumns + ` FROM query_dois
	          WHERE query_hash = $1 AND resources_and_versions = $2::jsonb`
	return p.scanQueryDOI(p.db.QueryRow(ctx, query, queryHash, versionsJSON))
}

// scanQueryDOI scans a single query DOI row, translating no-rows to ErrNotFound.
func (p *postgres) scanQueryDOI(row pgx.Row) (*model.QueryDOI, error) {
	var record model.QueryDOI
	var versionsJSON, queryJSON []byte
	var countsJSON []byte
	var queryVersion *string

	err := row.Scan(
		&record.DOI,
		&versionsJSON,
		&record.CreatedAt,
		&queryJSON,
		&record.QueryHash,
		&queryVersion,
		&record.RequestedVersion,
		&record.Count,
		&countsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query DOI: %w", err)
	}

	if err := json.Unmarshal(versionsJSON, &record.ResourcesAndVersions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource versions: %w", err)
	}
	if err := json.Unmarshal(queryJSON, &record.Query); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query: %w", err)
	}
	if countsJSON != nil {
		if err := json.Unmarshal(countsJSON, &record.ResourceCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource counts: %w", err)
		}
	}
	if queryVersion != nil {
		record.QueryVersion = *queryVersion
	}

	return &record, nil
}

func (p *postgres) ListDOIs(ctx context.Context, listQuery model.ListDOIsQuery) ([]model.QueryDOI, error) {
	baseQuery := `SELECT ` + queryDOIColumns + ` FROM query_dois`
	args := []interface{}{}
	argIndex := 1

	// The ? operator tests JSONB key existence, i.e. "covers this resource"
	if listQuery.ResourceID != "" {
		baseQuery += fmt.Sprintf(" WHERE resources_and_versions ? $%d", argIndex)
		args = append(args, listQuery.ResourceID)
		argIndex++
	}

	order := "DESC"
	if listQuery.OldestFirst {
		order = "ASC"
	}
	baseQuery += fmt.Sprintf(" ORDER BY created_at %s, doi ASC", order)

	offset, limit := clampWindow(listQuery.Offset, listQuery.Limit)
	baseQuery += fmt.Sprintf(" OFFSET $%d LIMIT $%d", argIndex, argIndex+1)
	args = append(args, offset, limit)

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list query DOIs: %w", err)
	}
	defer rows.Close()

	records := make([]model.QueryDOI, 0)
	for rows.Next() {
		record, err := p.scanQueryDOI(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query DOIs: %w", err)
	}

	return records, nil
}

func (p *postgres) CreateStat(ctx context.Context, stat model.QueryDOIStat) error {
	query := `INSERT INTO query_doi_stats (id, doi, action, domain, identifier, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.Exec(ctx, query,
		stat.ID,
		stat.DOI,
		stat.Action,
		stat.Domain,
		stat.Identifier,
		stat.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create stat: %w", err)
	}

	return nil
}

func (p *postgres) ListStats(ctx context.Context, listQuery model.ListStatsQuery) ([]model.QueryDOIStat, error) {
	baseQuery := `SELECT s.id, s.doi, s.action, s.domain, s.identifier, s.created_at
	              FROM query_doi_stats s`
	args := []interface{}{}
	argIndex := 1
	conditions := ""

	addCondition := func(condition string, value interface{}) {
		if conditions == "" {
			conditions = " WHERE "
		} else {
			conditions += " AND "
		}
		conditions += fmt.Sprintf(condition, argIndex)
		args = append(args, value)
		argIndex++
	}

	if listQuery.ResourceID != "" {
		baseQuery += ` JOIN query_dois d ON d.doi = s.doi`
		addCondition("d.resources_and_versions ? $%d", listQuery.ResourceID)
	}
	if listQuery.DOI != "" {
		addCondition("s.doi = $%d", listQuery.DOI)
	}
	if listQuery.Action != "" {
		addCondition("s.action = $%d", listQuery.Action)
	}
	if listQuery.Domain != "" {
		addCondition("s.domain = $%d", listQuery.Domain)
	}
	if listQuery.Identifier != "" {
		addCondition("s.identifier = $%d", listQuery.Identifier)
	}

	order := "DESC"
	if listQuery.OldestFirst {
		order = "ASC"
	}

	offset, limit := clampWindow(listQuery.Offset, listQuery.Limit)
	baseQuery += conditions + fmt.Sprintf(" ORDER BY s.id %s OFFSET $%d LIMIT $%d", order, argIndex, argIndex+1)
	args = append(args, offset, limit)

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}
	defer rows.Close()

	stats := make([]model.QueryDOIStat, 0)
	for rows.Next() {
		var stat model.QueryDOIStat
		if err := rows.Scan(&stat.ID, &stat.DOI, &stat.Action, &stat.Domain, &stat.Identifier, &stat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stat: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	return stats, nil
}

func (p *postgres) StatSummary(ctx context.Context, doi, action string) (int64, *time.Time, error) {
	query := `SELECT COUNT(*), MAX(created_at) FROM query_doi_stats WHERE doi = $1 AND action = $2`

	var count int64
	var last *time.Time
	if err := p.db.QueryRow(ctx, query, doi, action).Scan(&count, &last); err != nil {
		return 0, nil, fmt.Errorf("failed to summarize stats: %w", err)
	}
	return count, last, nil
}

// nullableString maps the empty string to SQL NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// clampWindow applies the standard offset/limit defaults and clamps.
func clampWindow(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	} else if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return offset, limit
}
