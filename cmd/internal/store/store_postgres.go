package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a Store backed by PostgreSQL.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "plaza").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Store.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:   pool,
		schema: "plaza",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

func (s *Postgres) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	return s.pool.Ping(ctx)
}

// Migrate creates the schema and tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const banColumns = `id, kind, value, active, reason, expires_at, created_by, created_at, updated_at`

func scanBan(row pgx.Row) (BanRule, error) {
	var b BanRule
	err := row.Scan(&b.ID, &b.Kind, &b.Value, &b.Active, &b.Reason, &b.ExpiresAt, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func collectBans(rows pgx.Rows) ([]BanRule, error) {
	defer rows.Close()
	var out []BanRule
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertBan(ctx context.Context, rule BanRule) (BanRule, error) {
	if s == nil || s.pool == nil {
		return BanRule{}, ErrNilStore
	}
	if rule.Kind == "" || rule.Value == "" {
		return BanRule{}, ErrInvalidInput
	}
	now := rule.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	bans := pgIdent(s.schema, "ban_rules")
	out, err := scanBan(s.pool.QueryRow(ctx,
		`INSERT INTO `+bans+` (kind, value, active, reason, expires_at, created_by, created_at, updated_at)
		 VALUES ($1, $2, TRUE, $3, $4, $5, $6, $6)
		 RETURNING `+banColumns,
		rule.Kind, rule.Value, rule.Reason, rule.ExpiresAt, rule.CreatedBy, now,
	))
	if err != nil {
		return BanRule{}, fmt.Errorf("insert ban: %w", err)
	}
	return out, nil
}

func (s *Postgres) DeactivateBans(ctx context.Context, kind, value string, now time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, ErrNilStore
	}
	bans := pgIdent(s.schema, "ban_rules")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+bans+`
		    SET active = FALSE, updated_at = $3
		  WHERE active AND kind = $1 AND value = $2`,
		kind, value, now,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate bans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ExpireBans(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, ErrNilStore
	}
	bans := pgIdent(s.schema, "ban_rules")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+bans+`
		    SET active = FALSE, updated_at = $1
		  WHERE active AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire bans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) FindActiveBans(ctx context.Context, m BanMatch) ([]BanRule, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	if m.Empty() {
		return nil, nil
	}

	// Empty identifiers bind to '' which never matches a stored value.
	bans := pgIdent(s.schema, "ban_rules")
	rows, err := s.pool.Query(ctx,
		`SELECT `+banColumns+`
		   FROM `+bans+`
		  WHERE active
		    AND ((kind = 'email' AND lower(value) = lower($1) AND $1 <> '')
		      OR (kind = 'ip' AND value = $2 AND $2 <> '')
		      OR (kind = 'identity' AND value = $3 AND $3 <> ''))
		  ORDER BY id DESC`,
		m.Email, m.IP, m.Identity,
	)
	if err != nil {
		return nil, fmt.Errorf("find bans: %w", err)
	}
	return collectBans(rows)
}

func (s *Postgres) ListBans(ctx context.Context, activeOnly bool, limit int) ([]BanRule, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	bans := pgIdent(s.schema, "ban_rules")
	rows, err := s.pool.Query(ctx,
		`SELECT `+banColumns+`
		   FROM `+bans+`
		  WHERE active OR NOT $1
		  ORDER BY id DESC
		  LIMIT $2`,
		activeOnly, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	return collectBans(rows)
}

func (s *Postgres) AppendSessionEvent(ctx context.Context, ev SessionEvent) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if ev.ConnID == "" || ev.Event == "" {
		return ErrInvalidInput
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	log := pgIdent(s.schema, "session_log")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+log+` (conn_id, user_id, display_name, email, ip, event, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ConnID, ev.UserID, ev.DisplayName, ev.Email, ev.IP, ev.Event, ev.Reason, at,
	); err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

func (s *Postgres) ListSessionEvents(ctx context.Context, q SessionQuery) ([]SessionEvent, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	log := pgIdent(s.schema, "session_log")
	rows, err := s.pool.Query(ctx,
		`SELECT conn_id, user_id, display_name, email, ip, event, reason, at
		   FROM `+log+`
		  WHERE $1 = '' OR user_id = $1
		  ORDER BY at DESC, id DESC
		  LIMIT $2`,
		q.UserID, clampLimit(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		if err := rows.Scan(&ev.ConnID, &ev.UserID, &ev.DisplayName, &ev.Email, &ev.IP, &ev.Event, &ev.Reason, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendChat(ctx context.Context, rec ChatRecord) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if rec.MessageID == "" || rec.UserID == "" {
		return ErrInvalidInput
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	chat := pgIdent(s.schema, "chat_log")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+chat+` (message_id, conn_id, user_id, display_name, message, at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID, rec.ConnID, rec.UserID, rec.DisplayName, rec.Message, at,
	); err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *Postgres) ListChat(ctx context.Context, limit int) ([]ChatRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	chat := pgIdent(s.schema, "chat_log")
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, conn_id, user_id, display_name, message, at
		   FROM `+chat+`
		  ORDER BY at DESC
		  LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var r ChatRecord
		if err := rows.Scan(&r.MessageID, &r.ConnID, &r.UserID, &r.DisplayName, &r.Message, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) TouchIP(ctx context.Context, ip, userID, email string, at time.Time) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if ip == "" || userID == "" {
		return ErrInvalidInput
	}

	ips := pgIdent(s.schema, "ip_log")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+ips+` AS l (ip, user_id, email, first_seen, last_seen, seen_count)
		 VALUES ($1, $2, $3, $4, $4, 1)
		 ON CONFLICT (ip, user_id) DO UPDATE
		    SET last_seen = EXCLUDED.last_seen,
		        seen_count = l.seen_count + 1,
		        email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE l.email END`,
		ip, userID, email, at,
	); err != nil {
		return fmt.Errorf("touch ip: %w", err)
	}
	return nil
}

func (s *Postgres) ListIPs(ctx context.Context, q IPQuery) ([]IPRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	ips := pgIdent(s.schema, "ip_log")
	rows, err := s.pool.Query(ctx,
		`SELECT ip, user_id, email, first_seen, last_seen, seen_count
		   FROM `+ips+`
		  WHERE ($1 = '' OR ip = $1) AND ($2 = '' OR user_id = $2)
		  ORDER BY last_seen DESC
		  LIMIT $3`,
		q.IP, q.UserID, clampLimit(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list ips: %w", err)
	}
	defer rows.Close()

	var out []IPRecord
	for rows.Next() {
		var r IPRecord
		if err := rows.Scan(&r.IP, &r.UserID, &r.Email, &r.FirstSeen, &r.LastSeen, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertActivePlayer(ctx context.Context, p ActivePlayer) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if p.UserID == "" {
		return ErrInvalidInput
	}
	at := p.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	players := pgIdent(s.schema, "active_players")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+players+` (user_id, conn_id, display_name, email, ip, x, y, animation, skin, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id) DO UPDATE
		    SET conn_id = EXCLUDED.conn_id,
		        display_name = EXCLUDED.display_name,
		        email = EXCLUDED.email,
		        ip = EXCLUDED.ip,
		        x = EXCLUDED.x,
		        y = EXCLUDED.y,
		        animation = EXCLUDED.animation,
		        skin = EXCLUDED.skin,
		        updated_at = EXCLUDED.updated_at`,
		p.UserID, p.ConnID, p.DisplayName, p.Email, p.IP, p.X, p.Y, p.Animation, p.Skin, at,
	); err != nil {
		return fmt.Errorf("upsert active player: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteActivePlayer(ctx context.Context, userID string) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	players := pgIdent(s.schema, "active_players")
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+players+` WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete active player: %w", err)
	}
	return nil
}

func (s *Postgres) ListActivePlayers(ctx context.Context) ([]ActivePlayer, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	players := pgIdent(s.schema, "active_players")
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, conn_id, display_name, email, ip, x, y, animation, skin, updated_at
		   FROM `+players+`
		  ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active players: %w", err)
	}
	defer rows.Close()

	var out []ActivePlayer
	for rows.Next() {
		var p ActivePlayer
		if err := rows.Scan(&p.UserID, &p.ConnID, &p.DisplayName, &p.Email, &p.IP, &p.X, &p.Y, &p.Animation, &p.Skin, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
