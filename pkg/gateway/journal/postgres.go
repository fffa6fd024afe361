package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pgForeignKeyViolation = "23503"

// PostgresStore keeps journals in the voice_sessions tables.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn and, when migrate is set, applies the embedded
// goose migrations before returning.
func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("journal: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Shutdown() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Open(ctx context.Context, rec SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = p.now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, request_id, remote_addr, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.RequestID, rec.RemoteAddr, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, sessionID string, ev Event) error {
	return p.insertEvent(ctx, p.pool, sessionID, ev)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *PostgresStore) insertEvent(ctx context.Context, db execer, sessionID string, ev Event) error {
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	_, err := db.Exec(ctx,
		`INSERT INTO voice_session_events (session_id, kind, role, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, string(ev.Kind), ev.Role, ev.Text, ev.At.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrNotFound
		}
		return fmt.Errorf("journal: append %s: %w", sessionID, err)
	}
	return nil
}

func (p *PostgresStore) Close(ctx context.Context, sessionID, reason string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE voice_sessions SET ended_at = $2, close_reason = $3 WHERE id = $1`,
			sessionID, p.now().UTC(), reason)
		if err != nil {
			return fmt.Errorf("journal: close %s: %w", sessionID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return p.insertEvent(ctx, tx, sessionID, Event{Kind: KindClosed, Text: reason})
	})
}

func (p *PostgresStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voice_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("journal: lookup %s: %w", sessionID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.pool.Query(ctx,
		`SELECT ROW_NUMBER() OVER (ORDER BY id), kind, role, body, created_at
		 FROM voice_session_events
		 WHERE session_id = $1
		 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: events %s: %w", sessionID, err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var ev Event
		var kind string
		if err := row.Scan(&ev.Seq, &kind, &ev.Role, &ev.Text, &ev.At); err != nil {
			return Event{}, err
		}
		ev.Kind = Kind(kind)
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: scan events %s: %w", sessionID, err)
	}
	return events, nil
}
