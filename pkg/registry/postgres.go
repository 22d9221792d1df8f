package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
)

// Expected token population for the negative-lookup filter. At 10^6 tokens
// and 0.1% false positives the filter costs under 2 MiB.
const (
	bloomExpectedTokens = 1_000_000
	bloomFalsePositive  = 0.001
)

// uniqueViolation is the PostgreSQL error code for duplicate primary keys
const uniqueViolation = "23505"

// PostgresConfig holds configuration for the PostgreSQL-backed registry
type PostgresConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
	SweepInterval    time.Duration
}

// PostgresRegistry is a Registry backed by PostgreSQL. Lookups of tokens
// that were never issued are answered from an in-memory Bloom filter without
// a database roundtrip; browsers and scanners probing random tokens are the
// common case for a public link host.
type PostgresRegistry struct {
	pool   *pgxpool.Pool
	config *PostgresConfig
	log    *logging.Logger

	filterMu sync.RWMutex
	filter   *bloom.BloomFilter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgresRegistry connects to PostgreSQL, applies migrations, seeds the
// token filter, and starts the expiry sweeper.
func NewPostgresRegistry(ctx context.Context, config *PostgresConfig, log *logging.Logger) (*PostgresRegistry, error) {
	if config == nil {
		return nil, fmt.Errorf("postgres config is required")
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}
	if config.SweepInterval <= 0 || config.SweepInterval > time.Minute {
		config.SweepInterval = time.Minute
	}
	if log == nil {
		log = logging.Nop()
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &PostgresRegistry{
		pool:   pool,
		config: config,
		log:    log.WithComponent("registry"),
		filter: bloom.NewWithEstimates(bloomExpectedTokens, bloomFalsePositive),
	}

	if err := r.migrateToLatest(); err != nil {
		pool.Close()
		return nil, err
	}
	if err := r.seedFilter(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	r.cancel = sweepCancel
	r.done = make(chan struct{})
	go r.sweep(sweepCtx)

	return r, nil
}

// migrateToLatest applies all pending schema migrations
func (r *PostgresRegistry) migrateToLatest() error {
	migrationDB, err := sql.Open("postgres", r.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(r.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// seedFilter loads every existing token into the negative-lookup filter
func (r *PostgresRegistry) seedFilter(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, "SELECT token FROM links")
	if err != nil {
		return fmt.Errorf("failed to seed token filter: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return fmt.Errorf("failed to scan token: %w", err)
		}
		r.filter.AddString(token)
	}
	return rows.Err()
}

// Save implements Registry
func (r *PostgresRegistry) Save(ctx context.Context, record *LinkRecord) error {
	query := `
		INSERT INTO links (
			token, chat_id, message_id, file_name, size_bytes, mime_type,
			created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		record.Token,
		record.Locator.ChatID,
		record.Locator.MessageID,
		record.FileName,
		record.SizeBytes,
		record.MIMEType,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("failed to save link: %w", err)
	}

	r.filterMu.Lock()
	r.filter.AddString(record.Token)
	r.filterMu.Unlock()
	return nil
}

// Get implements Registry. The expiry check is part of the query so a
// not-yet-swept expired row is already invisible.
func (r *PostgresRegistry) Get(ctx context.Context, token string) (*LinkRecord, error) {
	r.filterMu.RLock()
	known := r.filter.TestString(token)
	r.filterMu.RUnlock()
	if !known {
		return nil, ErrNotFound
	}

	query := `
		SELECT token, chat_id, message_id, file_name, size_bytes, mime_type,
			   created_at, expires_at
		FROM links
		WHERE token = $1 AND expires_at > NOW()`

	record := &LinkRecord{}
	err := r.pool.QueryRow(ctx, query, token).Scan(
		&record.Token,
		&record.Locator.ChatID,
		&record.Locator.MessageID,
		&record.FileName,
		&record.SizeBytes,
		&record.MIMEType,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return record, nil
}

// Delete implements Registry
func (r *PostgresRegistry) Delete(ctx context.Context, token string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM links WHERE token = $1", token); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

// DeleteAll implements Registry. The token filter is rebuilt empty; false
// positives from deleted tokens would only cost a query anyway.
func (r *PostgresRegistry) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, "DELETE FROM links")
	if err != nil {
		return 0, fmt.Errorf("failed to purge links: %w", err)
	}

	r.filterMu.Lock()
	r.filter = bloom.NewWithEstimates(bloomExpectedTokens, bloomFalsePositive)
	r.filterMu.Unlock()

	return result.RowsAffected(), nil
}

// Count implements Registry
func (r *PostgresRegistry) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM links WHERE expires_at > NOW()").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}
	return count, nil
}

// List implements Registry
func (r *PostgresRegistry) List(ctx context.Context, skip, limit int) ([]*LinkRecord, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT token, chat_id, message_id, file_name, size_bytes, mime_type,
			   created_at, expires_at
		FROM links
		WHERE expires_at > NOW()
		ORDER BY created_at, token
		OFFSET $1 LIMIT $2`

	rows, err := r.pool.Query(ctx, query, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var records []*LinkRecord
	for rows.Next() {
		record := &LinkRecord{}
		if err := rows.Scan(
			&record.Token,
			&record.Locator.ChatID,
			&record.Locator.MessageID,
			&record.FileName,
			&record.SizeBytes,
			&record.MIMEType,
			&record.CreatedAt,
			&record.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close implements Registry
func (r *PostgresRegistry) Close() error {
	r.cancel()
	<-r.done
	r.pool.Close()
	return nil
}

func (r *PostgresRegistry) sweep(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.pool.Exec(ctx, "DELETE FROM links WHERE expires_at <= NOW()")
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("expiry sweep failed", map[string]interface{}{"error": err.Error()})
				}
				continue
			}
			if removed := result.RowsAffected(); removed > 0 {
				r.log.Debug("swept expired links", map[string]interface{}{"removed": removed})
			}
		}
	}
}
