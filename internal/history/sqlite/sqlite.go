package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/devherd/devherd/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Append-only audit table, no primary key needed.
	stmt := `CREATE TABLE IF NOT EXISTS process_events(
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		state TEXT NOT NULL,
		detail TEXT
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_process_events_name ON process_events(name);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_events(occurred_at, event, name, pid, state, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.Name, e.PID, e.State, e.Detail)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
