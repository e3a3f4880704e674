package trace

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// StoreOptions labels the sessions a Store creates.
type StoreOptions struct {
	Project   string
	LogStream string
}

// Store persists sessions and traces to PostgreSQL or SQLite. It serves both
// the write path (Backend) and the trace API (Reader).
type Store struct {
	db        *sql.DB
	driver    string
	project   string
	logStream string
}

// Open connects to the trace database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string, opts StoreOptions) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("trace open: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	s := &Store{db: db, driver: driver, project: opts.Project, logStream: opts.LogStream}
	if err = s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return s, nil
}

// rebind rewrites $N placeholders for drivers that do not accept them.
func (s *Store) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) error {
	_, err := q.ExecContext(ctx, s.rebind(query), args...)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.exec(ctx, s.db, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
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
		for _, stmt := range splitStatements(string(data)) {
			if execErr := s.exec(ctx, s.db, stmt); execErr != nil {
				return fmt.Errorf("migration %d: %w", i, execErr)
			}
		}
		if execErr := s.exec(ctx, s.db, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession inserts a new session row.
func (s *Store) StartSession(ctx context.Context, name string) (string, error) {
	id := newID()
	err := s.exec(ctx, s.db,
		`INSERT INTO sessions (id, name, project, log_stream, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, name, s.project, s.logStream, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// Export writes the trace and its spans in one transaction.
func (s *Store) Export(ctx context.Context, t *Trace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = s.exec(ctx, tx,
		`INSERT INTO traces (id, session_id, project, log_stream, name, input, output, created_at, duration_ns)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.SessionID, t.Project, t.LogStream, t.Name, t.Input, t.Output, t.CreatedAt.UTC(), t.DurationNs,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	for i, sp := range t.Spans {
		tags, _ := json.Marshal(nonNilTags(sp.Tags))
		err = s.exec(ctx, tx,
			`INSERT INTO spans (id, trace_id, parent_id, seq, kind, name, input, output, model, tags, created_at, duration_ns,
			                    num_input_tokens, num_output_tokens, total_tokens)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			sp.ID, t.ID, sp.ParentID, i, string(sp.Kind), sp.Name, sp.Input, sp.Output, sp.Model, string(tags),
			sp.CreatedAt.UTC(), sp.DurationNs, sp.NumInputTokens, sp.NumOutputTokens, sp.TotalTokens,
		)
		if err != nil {
			return fmt.Errorf("insert span %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListSessions returns sessions ordered newest first, with trace counts.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT s.id, s.name, s.project, s.log_stream, s.created_at, COUNT(t.id) AS trace_count
		FROM sessions s
		LEFT JOIN traces t ON t.session_id = s.id
		GROUP BY s.id, s.name, s.project, s.log_stream, s.created_at
		ORDER BY s.created_at DESC
		LIMIT $1 OFFSET $2
	`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err = rows.Scan(&sess.ID, &sess.Name, &sess.Project, &sess.LogStream, &sess.CreatedAt, &sess.TraceCount); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a single session with its traces, oldest first.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Trace, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, project, log_stream, created_at FROM sessions WHERE id = $1`), id,
	).Scan(&sess.ID, &sess.Name, &sess.Project, &sess.LogStream, &sess.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT t.id, t.session_id, t.project, t.log_stream, t.name, t.input, t.output, t.created_at, t.duration_ns,
		       COUNT(sp.id) AS span_count
		FROM traces t
		LEFT JOIN spans sp ON sp.trace_id = t.id
		WHERE t.session_id = $1
		GROUP BY t.id, t.session_id, t.project, t.log_stream, t.name, t.input, t.output, t.created_at, t.duration_ns
		ORDER BY t.created_at ASC
	`), id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var t Trace
		if err = rows.Scan(&t.ID, &t.SessionID, &t.Project, &t.LogStream, &t.Name, &t.Input, &t.Output,
			&t.CreatedAt, &t.DurationNs, &t.SpanCount); err != nil {
			return nil, nil, err
		}
		sess.TraceCount++
		traces = append(traces, t)
	}
	return &sess, traces, rows.Err()
}

// GetTrace returns a single trace with its spans in emission order.
func (s *Store) GetTrace(ctx context.Context, sessionID, traceID string) (*Trace, error) {
	var t Trace
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, session_id, project, log_stream, name, input, output, created_at, duration_ns
		FROM traces WHERE id = $1 AND session_id = $2
	`), traceID, sessionID).Scan(&t.ID, &t.SessionID, &t.Project, &t.LogStream, &t.Name, &t.Input, &t.Output,
		&t.CreatedAt, &t.DurationNs)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, trace_id, parent_id, kind, name, input, output, model, tags, created_at, duration_ns,
		       num_input_tokens, num_output_tokens, total_tokens
		FROM spans WHERE trace_id = $1 ORDER BY seq ASC
	`), traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sp                 Span
			kind, tags         string
			inTok, outTok, tot sql.NullInt64
		)
		if err = rows.Scan(&sp.ID, &sp.TraceID, &sp.ParentID, &kind, &sp.Name, &sp.Input, &sp.Output, &sp.Model,
			&tags, &sp.CreatedAt, &sp.DurationNs, &inTok, &outTok, &tot); err != nil {
			return nil, err
		}
		sp.Kind = SpanKind(kind)
		if err = json.Unmarshal([]byte(tags), &sp.Tags); err != nil {
			return nil, fmt.Errorf("span %s tags: %w", sp.ID, err)
		}
		if len(sp.Tags) == 0 {
			sp.Tags = nil
		}
		sp.NumInputTokens = nullInt(inTok)
		sp.NumOutputTokens = nullInt(outTok)
		sp.TotalTokens = nullInt(tot)
		t.Spans = append(t.Spans, &sp)
	}
	t.SpanCount = len(t.Spans)
	return &t, rows.Err()
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
