// Package postgres provides the Postgres-backed subscription store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

var _ watch.Store = (*Store)(nil)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements watch.Store on Postgres. Invariants are enforced by the
// statements themselves: watermarks only grow via GREATEST, duplicate links
// hit the primary key, and host errors increment in a single upsert.
type Store struct {
	pool pool
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const subscriptionColumns = `url, host, parser, resource_type, watermark, validator, notify_identity, created_at`

func scanSubscription(row pgx.Row) (watch.Subscription, error) {
	var (
		sub       watch.Subscription
		kind      string
		watermark *int64
	)
	if err := row.Scan(
		&sub.URL,
		&sub.Host,
		&sub.ParserKind,
		&kind,
		&watermark,
		&sub.Validator,
		&sub.NotifyIdentity,
		&sub.CreatedAt,
	); err != nil {
		return watch.Subscription{}, err
	}
	sub.Type = watch.ResourceType(kind)
	sub.Watermark = watermark
	return sub, nil
}

// ListSubscriptions returns every subscription ordered by URL.
func (s *Store) ListSubscriptions(ctx context.Context) ([]watch.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []watch.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// GetSubscription fetches a subscription by URL.
func (s *Store) GetSubscription(ctx context.Context, url string) (watch.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE url = $1`, url)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.Subscription{}, watch.ErrNotFound
	}
	if err != nil {
		return watch.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// CreateSubscription inserts sub unless its URL is already present.
func (s *Store) CreateSubscription(ctx context.Context, sub watch.Subscription) error {
	query := `
INSERT INTO subscriptions (url, host, parser, resource_type, watermark, validator, notify_identity)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (url) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query,
		sub.URL,
		sub.Host,
		sub.ParserKind,
		string(sub.Type),
		sub.Watermark,
		sub.Validator,
		sub.NotifyIdentity,
	); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateProgress raises the watermark and stores a non-empty validator.
func (s *Store) UpdateProgress(ctx context.Context, url string, watermark int64, validator string) error {
	query := `
UPDATE subscriptions
SET watermark = GREATEST(watermark, $2),
    validator = CASE WHEN $3 = '' THEN validator ELSE $3 END
WHERE url = $1`
	tag, err := s.pool.Exec(ctx, query, url, watermark, validator)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return watch.ErrNotFound
	}
	return nil
}

// DeleteSubscription removes the subscription; links cascade.
func (s *Store) DeleteSubscription(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE url = $1`, url); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// RemoveIfEmpty deletes the subscription when it has no subscribers.
func (s *Store) RemoveIfEmpty(ctx context.Context, url string) (bool, error) {
	query := `
DELETE FROM subscriptions s
WHERE s.url = $1
  AND NOT EXISTS (SELECT 1 FROM user_subscriptions u WHERE u.url = s.url)`
	tag, err := s.pool.Exec(ctx, query, url)
	if err != nil {
		return false, fmt.Errorf("remove empty subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// URLByIdentity resolves a notify identity to the oldest matching subscription.
func (s *Store) URLByIdentity(ctx context.Context, identity string) (string, error) {
	var url string
	err := s.pool.QueryRow(ctx,
		`SELECT url FROM subscriptions WHERE notify_identity = $1 ORDER BY created_at LIMIT 1`,
		identity,
	).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", watch.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup identity: %w", err)
	}
	return url, nil
}

// IdentityExists reports whether any subscription notifies from identity.
func (s *Store) IdentityExists(ctx context.Context, identity string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE notify_identity = $1)`,
		identity,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return exists, nil
}

// AddUserSubscription links a user to a URL.
func (s *Store) AddUserSubscription(ctx context.Context, link watch.UserSubscription) error {
	query := `
INSERT INTO user_subscriptions (user_jid, url, description)
VALUES ($1, $2, $3)
ON CONFLICT (user_jid, url) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, link.User, link.URL, link.Description)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return watch.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert user subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return watch.ErrAlreadySubscribed
	}
	return nil
}

// RemoveUserSubscription unlinks a user from a URL.
func (s *Store) RemoveUserSubscription(ctx context.Context, user, url string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_subscriptions WHERE user_jid = $1 AND url = $2`, user, url)
	if err != nil {
		return fmt.Errorf("delete user subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return watch.ErrNotFound
	}
	return nil
}

// IsSubscribed reports whether user is linked to url.
func (s *Store) IsSubscribed(ctx context.Context, user, url string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_subscriptions WHERE user_jid = $1 AND url = $2)`,
		user, url,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user subscription: %w", err)
	}
	return exists, nil
}

// CountUserSubscriptions counts the links of user.
func (s *Store) CountUserSubscriptions(ctx context.Context, user string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM user_subscriptions WHERE user_jid = $1`,
		user,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user subscriptions: %w", err)
	}
	return n, nil
}

// ListUserSubscriptions returns the links of user, oldest first.
func (s *Store) ListUserSubscriptions(ctx context.Context, user string) ([]watch.UserSubscription, error) {
	rows, err := s.pool.Query(ctx, `
SELECT user_jid, url, description, created_at
FROM user_subscriptions
WHERE user_jid = $1
ORDER BY created_at, url`, user)
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	defer rows.Close()

	var out []watch.UserSubscription
	for rows.Next() {
		var link watch.UserSubscription
		if err := rows.Scan(&link.User, &link.URL, &link.Description, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user subscription: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	return out, nil
}

// Subscribers returns the users linked to url in sorted order.
func (s *Store) Subscribers(ctx context.Context, url string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_jid FROM user_subscriptions WHERE url = $1 ORDER BY user_jid`, url)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return out, nil
}

// MarkUserSeen records user and reports whether this was the first contact.
func (s *Store) MarkUserSeen(ctx context.Context, user string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO users (jid) VALUES ($1) ON CONFLICT (jid) DO NOTHING`, user)
	if err != nil {
		return false, fmt.Errorf("mark user seen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementHostErrors atomically bumps the error count of host.
func (s *Store) IncrementHostErrors(ctx context.Context, host string) (int64, error) {
	query := `
INSERT INTO hosts (host, error_count) VALUES ($1, 1)
ON CONFLICT (host) DO UPDATE SET error_count = hosts.error_count + 1
RETURNING error_count`
	var n int64
	if err := s.pool.QueryRow(ctx, query, host).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment host errors: %w", err)
	}
	return n, nil
}

// ListHosts returns error counts ordered by host.
func (s *Store) ListHosts(ctx context.Context) ([]watch.HostState, error) {
	rows, err := s.pool.Query(ctx, `SELECT host, error_count FROM hosts ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var out []watch.HostState
	for rows.Next() {
		var h watch.HostState
		if err := rows.Scan(&h.Host, &h.ErrorCount); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return out, nil
}
