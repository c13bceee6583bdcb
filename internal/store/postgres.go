package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"yuzu/coach/internal/callstate"
	"yuzu/coach/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

const sessionColumns = `id, owner_id, persona, scenario, status, created_at, ended_at,
	duration_seconds, hume_chat_id, transcript, emotion_data, analysis_results`

// Postgres persists sessions in a call_session table with JSONB payload columns.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to connStr and applies pending migrations.
func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Create(ctx context.Context, s *types.CallSession) error {
	if err := checkStatus(s.Status); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO call_session (id, owner_id, persona, scenario, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.OwnerID, s.Persona, s.Scenario, string(s.Status), s.CreatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionsCreated.Inc()
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*types.CallSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_session WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListByOwner(ctx context.Context, ownerID string, skip, limit int) ([]*types.CallSession, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_session WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	if skip < 0 {
		skip = 0
	}
	var limitArg any
	if limit >= 0 {
		limitArg = limit
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM call_session
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		ownerID, limitArg, skip,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (p *Postgres) Complete(ctx context.Context, id string, c types.Completion) (*types.CallSession, error) {
	transcript, err := jsonParam(c.Transcript)
	if err != nil {
		return nil, err
	}
	emotions, err := jsonParam(c.EmotionData)
	if err != nil {
		return nil, err
	}

	var out *types.CallSession
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		var (
			status     string
			alreadySet bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, (transcript IS NOT NULL OR ended_at IS NOT NULL)
			 FROM call_session WHERE id = $1 FOR UPDATE`, id,
		).Scan(&status, &alreadySet)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		from := types.Status(status)
		if err := callstate.Check(from, types.StatusCompleted); err != nil {
			rejectedTransitions.WithLabelValues(status, string(types.StatusCompleted)).Inc()
			return err
		}
		if alreadySet {
			return ErrAlreadySet
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE call_session
			 SET status = $2, duration_seconds = $3, transcript = $4::jsonb, emotion_data = $5::jsonb,
			     hume_chat_id = $6, ended_at = $7
			 WHERE id = $1
			 RETURNING `+sessionColumns,
			id, string(types.StatusCompleted), c.DurationSeconds, transcript, emotions,
			c.ExternalChatID, c.EndedAt.UTC(),
		)
		if out, err = scanSession(row); err != nil {
			return err
		}
		statusTransitions.WithLabelValues(status, string(types.StatusCompleted)).Inc()
		return nil
	})
	if err != nil {
		return nil, wrapWrite("complete session", err)
	}
	return out, nil
}

func (p *Postgres) SetStatus(ctx context.Context, id string, to types.Status, results types.Results) (*types.CallSession, error) {
	var resultsArg any
	if results != nil {
		raw, err := json.Marshal(results)
		if err != nil {
			return nil, fmt.Errorf("encode results: %w", err)
		}
		resultsArg = string(raw)
	}

	var out *types.CallSession
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM call_session WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := callstate.Check(types.Status(status), to); err != nil {
			rejectedTransitions.WithLabelValues(status, string(to)).Inc()
			return err
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE call_session
			 SET status = $2, analysis_results = COALESCE($3::jsonb, analysis_results)
			 WHERE id = $1
			 RETURNING `+sessionColumns,
			id, string(to), resultsArg,
		)
		if out, err = scanSession(row); err != nil {
			return err
		}
		statusTransitions.WithLabelValues(status, string(to)).Inc()
		return nil
	})
	if err != nil {
		return nil, wrapWrite("set status", err)
	}
	return out, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM call_session WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendEvent(ctx context.Context, id, typ string, payload map[string]any) (types.Event, error) {
	evt := types.Event{Type: typ, Ts: time.Now().UTC(), Payload: payload}
	var payloadArg any
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return types.Event{}, fmt.Errorf("encode event payload: %w", err)
		}
		payloadArg = string(raw)
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_session WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_event (session_id, type, ts, payload) VALUES ($1, $2, $3, $4::jsonb)`,
			id, typ, evt.Ts, payloadArg,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM call_event WHERE session_id = $1 AND id NOT IN
			 (SELECT id FROM call_event WHERE session_id = $1 ORDER BY id DESC LIMIT $2)`,
			id, maxEvents,
		)
		return err
	})
	if err != nil {
		return types.Event{}, wrapWrite("append event", err)
	}
	return evt, nil
}

func (p *Postgres) ListEvents(ctx context.Context, id string) ([]types.Event, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT type, ts, payload FROM call_event WHERE session_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []types.Event{}
	for rows.Next() {
		var (
			evt types.Event
			raw []byte
		)
		if err := rows.Scan(&evt.Type, &evt.Ts, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &evt.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrapWrite adds context to driver errors and passes sentinels through untouched.
func wrapWrite(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadySet) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.CallSession, error) {
	var (
		s                             types.CallSession
		status                        string
		scenario, chatID              sql.NullString
		endedAt                       sql.NullTime
		duration                      sql.NullFloat64
		transcript, emotions, results []byte
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.Persona, &scenario, &status, &s.CreatedAt, &endedAt,
		&duration, &chatID, &transcript, &emotions, &results)
	if err != nil {
		return nil, err
	}
	s.Status = types.Status(status)
	if err := checkStatus(s.Status); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if scenario.Valid {
		s.Scenario = &scenario.String
	}
	if chatID.Valid {
		s.ExternalChatID = &chatID.String
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	if duration.Valid {
		s.DurationSeconds = &duration.Float64
	}
	if len(transcript) > 0 {
		s.Transcript = &types.Transcript{}
		if err := json.Unmarshal(transcript, s.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(emotions) > 0 {
		s.EmotionData = &types.EmotionData{}
		if err := json.Unmarshal(emotions, s.EmotionData); err != nil {
			return nil, fmt.Errorf("decode emotion data: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &s.AnalysisResults); err != nil {
			return nil, fmt.Errorf("decode analysis results: %w", err)
		}
	}
	return &s, nil
}

// jsonParam encodes v for a ::jsonb placeholder; a nil pointer becomes NULL.
func jsonParam[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(raw), nil
}
