package sessionstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/codelia-core/internal/coreerrors"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// PostgresStore persists SessionState rows with a jsonb column (spec §4.2).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres-backed session-state store against dsn
// and ensures its table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session-state database: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB, used by tests with
// sqlmock and by callers sharing a connection pool with the scheduler.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_states (
			session_id TEXT PRIMARY KEY,
			schema_version INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			run_id TEXT,
			state JSONB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate session_states: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, sessionID string) (*coremodel.SessionState, error) {
	var schemaVersion int
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT schema_version, state FROM session_states WHERE session_id = $1
	`, sessionID).Scan(&schemaVersion, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "load session state", err)
	}
	if schemaVersion != coremodel.SchemaVersion {
		return nil, nil
	}

	var state coremodel.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "decode session state", err)
	}
	return &state, nil
}

func (p *PostgresStore) Save(ctx context.Context, state *coremodel.SessionState) error {
	clone := state.Clone()
	clone.SchemaVersion = coremodel.SchemaVersion

	raw, err := json.Marshal(clone)
	if err != nil {
		return coreerrors.Wrap(coreerrors.InvalidInput, "encode session state", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_states (session_id, schema_version, updated_at, run_id, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at,
			run_id = excluded.run_id,
			state = excluded.state
	`, clone.SessionID, clone.SchemaVersion, clone.UpdatedAt, clone.RunID, raw)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Transient, "save session state", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]coremodel.Summary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT schema_version, state FROM session_states ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "list session states", err)
	}
	defer rows.Close()

	var out []coremodel.Summary
	for rows.Next() {
		var schemaVersion int
		var raw []byte
		if err := rows.Scan(&schemaVersion, &raw); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Transient, "scan session state", err)
		}
		if schemaVersion != coremodel.SchemaVersion {
			continue
		}
		var state coremodel.SessionState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		out = append(out, toSummary(&state))
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM session_states WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Transient, "delete session state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Transient, "delete session state", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
