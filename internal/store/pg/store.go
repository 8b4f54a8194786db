// Package pg implements vault.Store on PostgreSQL through the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/envelope"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/obs"
	"phoenixvault.io/internal/vault"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errNoDatabase = errors.New("database connection unavailable")

type Store struct {
	db    *sql.DB
	codec envelope.Codec
}

var (
	_ vault.Store         = (*Store)(nil)
	_ auth.ChallengeStore = (*Store)(nil)
)

// Open connects to dsn with the pool defaults used by the API and the CLI.
func Open(dsn string, codec envelope.Codec) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, codec), nil
}

// New wraps an existing handle. Credential passwords are encoded with codec.
func New(db *sql.DB, codec envelope.Codec) *Store {
	return &Store{db: db, codec: codec}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDatabase
	}
	return s.db.PingContext(ctx)
}

// WaitReady pings the database every interval until it answers or ctx ends.
func (s *Store) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		err := s.Ping(ctx)
		if err == nil {
			return nil
		}
		obs.Logger().Info().Int("attempt", attempt).Err(err).Msg("database not ready")
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for database: %w", err)
		case <-ticker.C:
		}
	}
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, errNoDatabase
	}
	return s.db.BeginTx(ctx, nil)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// params collects positional arguments while a query is assembled.
type params []any

func (p *params) add(v any) string {
	*p = append(*p, v)
	return "$" + strconv.Itoa(len(*p))
}

// textArray renders ids as a Postgres text[] literal. Passing a string keeps
// the argument within database/sql's default value converter.
func textArray(values []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func inDepartments(column string, scope auth.Scope, p *params) string {
	return column + " = any(" + p.add(textArray(scope.DepartmentIDs)) + "::text[])"
}

// writeErr maps constraint violations onto domain errors.
func writeErr(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func readErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

func unmarshalMeta(raw []byte) (map[string]any, error) {
	meta := map[string]any{}
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// insertAudit writes rec with q, normally the transaction of the mutation.
func insertAudit(ctx context.Context, q execer, rec audit.Record) (string, error) {
	if !rec.Action.Valid() {
		return "", fmt.Errorf("%w: unknown audit action %q", auth.ErrInvalidInput, rec.Action)
	}
	meta, err := marshalMeta(rec.Metadata)
	if err != nil {
		return "", err
	}
	id := ids.New()
	if _, err := q.ExecContext(ctx, `
		insert into audit_logs (id, actor_id, action, object_type, object_id, ip_address, user_agent, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, nullIfEmpty(rec.ActorID), string(rec.Action), rec.ObjectType, rec.ObjectID,
		nullIfEmpty(rec.IPAddress), nullIfEmpty(rec.UserAgent), meta); err != nil {
		return "", writeErr(err)
	}
	return id, nil
}
