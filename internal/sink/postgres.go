package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devblac/solana-event-reader/internal/txmeta"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "solana_transactions"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres stores each transaction as a JSONB row keyed by signature.
// Redeliveries are ignored by the primary key.
type Postgres struct {
	db    execer
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects to dsn and creates table if it does not exist.
func NewPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := newPostgres(pool, table)
	p.pool = pool
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(db execer, table string) *Postgres {
	if table == "" {
		table = defaultTable
	}
	return &Postgres{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the transactions table.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			signature   TEXT PRIMARY KEY,
			slot        BIGINT NOT NULL,
			block_time  BIGINT,
			failed      BOOLEAN NOT NULL,
			event_count INTEGER NOT NULL,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", p.table, err)
	}
	return nil
}

func (p *Postgres) Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (signature, slot, block_time, failed, event_count, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING`, p.table),
		meta.Signature,
		int64(meta.Slot),
		meta.BlockTime,
		meta.Failed,
		len(meta.RecognizedEvents()),
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", meta.Signature, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
