package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"market-signal-engine/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres is the production Store implementation, grounded on the
// teacher's connection-pool tuning: a bounded pgxpool with health checks,
// fronted by golang-migrate-managed schema.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// NewPostgres connects to dsn, tunes the pool, runs pending migrations, and
// returns a ready Store.
func NewPostgres(ctx context.Context, dsn string, log *logging.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: parsing dsn: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("persistence: creating connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: pinging database: %w", err)
	}

	p := &Postgres{pool: pool, log: log.Component("persistence")}
	if err := p.migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	p.log.Info().Msg("connected and migrated")
	return p, nil
}

func (p *Postgres) migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("persistence: opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("persistence: building migration driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("persistence: reading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("persistence: constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("persistence: applying migrations: %w", err)
	}
	return nil
}

// ListActiveTraders returns every enabled trader, newest-updated first.
func (p *Postgres) ListActiveTraders(ctx context.Context) ([]TraderRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner, name, description, enabled, filter_code, required_timeframes,
		       series_code, created_at, updated_at
		FROM traders
		WHERE enabled
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: listing active traders: %w", err)
	}
	defer rows.Close()

	var out []TraderRecord
	for rows.Next() {
		var t TraderRecord
		var owner, seriesCode *string
		if err := rows.Scan(&t.ID, &owner, &t.Name, &t.Description, &t.Enabled, &t.FilterCode,
			&t.RequiredTimeframes, &seriesCode, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scanning trader row: %w", err)
		}
		if owner != nil {
			t.Owner = *owner
		}
		if seriesCode != nil {
			t.SeriesCode = *seriesCode
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTrader returns a single trader by id, or nil if not found.
func (p *Postgres) GetTrader(ctx context.Context, id string) (*TraderRecord, error) {
	var t TraderRecord
	var owner, seriesCode *string
	err := p.pool.QueryRow(ctx, `
		SELECT id, owner, name, description, enabled, filter_code, required_timeframes,
		       series_code, created_at, updated_at
		FROM traders WHERE id = $1`, id).
		Scan(&t.ID, &owner, &t.Name, &t.Description, &t.Enabled, &t.FilterCode,
			&t.RequiredTimeframes, &seriesCode, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: getting trader %s: %w", id, err)
	}
	if owner != nil {
		t.Owner = *owner
	}
	if seriesCode != nil {
		t.SeriesCode = *seriesCode
	}
	return &t, nil
}

// InsertSignal upserts a single signal, incrementing Count on a dedup-key
// collision.
func (p *Postgres) InsertSignal(ctx context.Context, s SignalRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO signals (id, trader_id, symbol, interval, "timestamp", price, change_percent, volume, count, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trader_id, symbol, interval, "timestamp")
		DO UPDATE SET count = signals.count + 1`,
		s.ID, s.TraderID, s.Symbol, s.Interval, s.Timestamp, s.PriceAtSignal, s.ChangePercent, s.VolumeAtSignal, s.Count, s.Source)
	if err != nil {
		return fmt.Errorf("persistence: inserting signal: %w", err)
	}
	return nil
}

// InsertSignals batch-writes signals in a single round trip via a pipelined
// batch, the at-least-once-preferred path the dispatcher uses after a
// candle-open sweep.
func (p *Postgres) InsertSignals(ctx context.Context, signals []SignalRecord) error {
	if len(signals) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range signals {
		batch.Queue(`
			INSERT INTO signals (id, trader_id, symbol, interval, "timestamp", price, change_percent, volume, count, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (trader_id, symbol, interval, "timestamp")
			DO UPDATE SET count = signals.count + 1`,
			s.ID, s.TraderID, s.Symbol, s.Interval, s.Timestamp, s.PriceAtSignal, s.ChangePercent, s.VolumeAtSignal, s.Count, s.Source)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range signals {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("persistence: batch-inserting signals: %w", err)
		}
	}
	return nil
}

// HealthCheck pings the pool.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
